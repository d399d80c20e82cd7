package envelope

import (
	"io"
	"reflect"

	"github.com/ugorji/go/codec"
)

// Format indicates which encoding is desired
type Format int

const (
	JSON Format = iota
	Msgpack
)

// handles contains the canonical codec.Handle per Format constant.
// Canonical mode keeps map key order stable so encoded envelopes are
// byte-comparable.
var handles = []codec.Handle{newJSONHandle(), newMsgpackHandle()}

func newJSONHandle() codec.Handle {
	h := new(codec.JsonHandle)
	h.TypeInfos = codec.NewTypeInfos([]string{"json"})
	h.Canonical = true
	h.MapType = reflect.TypeOf(map[string]interface{}(nil))
	return h
}

func newMsgpackHandle() codec.Handle {
	h := new(codec.MsgpackHandle)
	h.TypeInfos = codec.NewTypeInfos([]string{"json"})
	h.Canonical = true
	h.MapType = reflect.TypeOf(map[string]interface{}(nil))

	// msgpack raw bytes decode as strings, keeping a
	// msgpack-to-JSON transcode lossless
	h.RawToString = true
	return h
}

func (f Format) String() string {
	switch f {
	case JSON:
		return "json"
	case Msgpack:
		return "msgpack"
	}

	return InvalidTypeString
}

// handle looks up the appropriate codec.Handle for this format.
// This method returns nil if the format value is invalid.
func (f Format) handle() codec.Handle {
	if int(f) < len(handles) {
		return handles[f]
	}

	return nil
}

// Encoder represents the underlying ugorji behavior the envelope
// package supports
type Encoder interface {
	Encode(interface{}) error
	Reset(io.Writer)
	ResetBytes(*[]byte)
}

// Decoder represents the underlying ugorji behavior the envelope
// package supports
type Decoder interface {
	Decode(interface{}) error
	Reset(io.Reader)
	ResetBytes([]byte)
}

// NewEncoder produces a ugorji Encoder for the given format
func NewEncoder(output io.Writer, f Format) Encoder {
	return codec.NewEncoder(output, f.handle())
}

// NewEncoderBytes produces a ugorji Encoder that appends to *output
func NewEncoderBytes(output *[]byte, f Format) Encoder {
	return codec.NewEncoderBytes(output, f.handle())
}

// NewDecoder produces a ugorji Decoder for the given format
func NewDecoder(input io.Reader, f Format) Decoder {
	return codec.NewDecoder(input, f.handle())
}

// NewDecoderBytes produces a ugorji Decoder over the given byte slice
func NewDecoderBytes(input []byte, f Format) Decoder {
	return codec.NewDecoderBytes(input, f.handle())
}
