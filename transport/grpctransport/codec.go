// Package grpctransport carries envelopes over gRPC without generated
// message types: every RPC payload is a single pre-encoded envelope
// frame, moved through a raw bytes codec.
package grpctransport

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName identifies the raw frame codec to grpc.
const CodecName = "astrocomm-raw"

// Frame is the unit moved over the wire: one encoded envelope.
type Frame struct {
	Data []byte
}

// rawCodec passes Frame payloads through untouched.  Envelope encoding
// and decoding stays in the envelope package.
type rawCodec struct{}

var _ encoding.Codec = rawCodec{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	f, ok := v.(*Frame)
	if !ok {
		return nil, fmt.Errorf("grpctransport: cannot marshal %T", v)
	}

	return f.Data, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	f, ok := v.(*Frame)
	if !ok {
		return fmt.Errorf("grpctransport: cannot unmarshal into %T", v)
	}

	f.Data = append([]byte(nil), data...)
	return nil
}

func (rawCodec) Name() string {
	return CodecName
}
