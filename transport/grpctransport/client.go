package grpctransport

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Dial connects to a broker's gRPC endpoint with the raw frame codec.
func Dial(target string) (*Client, error) {
	cc, err := grpc.Dial(
		target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	)

	if err != nil {
		return nil, err
	}

	return &Client{cc: cc}, nil
}

// Client is a thin wrapper over the broker's three RPCs.
type Client struct {
	cc *grpc.ClientConn
}

func (c *Client) Close() error {
	return c.cc.Close()
}

// Exchange sends one request envelope and waits for the response.
func (c *Client) Exchange(ctx context.Context, request []byte) ([]byte, error) {
	response := new(Frame)
	err := c.cc.Invoke(ctx, "/"+ServiceName+"/Exchange", &Frame{Data: request}, response)
	if err != nil {
		return nil, err
	}

	return response.Data, nil
}

// Events opens a subscription stream.  Each call to the returned
// function yields the next event envelope; io.EOF ends the stream.
func (c *Client) Events(ctx context.Context, request []byte) (func() ([]byte, error), error) {
	desc := &grpc.StreamDesc{
		StreamName:    "Events",
		ServerStreams: true,
	}

	stream, err := c.cc.NewStream(ctx, desc, "/"+ServiceName+"/Events")
	if err != nil {
		return nil, err
	}

	if err := stream.SendMsg(&Frame{Data: request}); err != nil {
		return nil, err
	}

	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	return func() ([]byte, error) {
		frame := new(Frame)
		if err := stream.RecvMsg(frame); err != nil {
			return nil, err
		}

		return frame.Data, nil
	}, nil
}

// Relay opens the full-duplex envelope stream.
func (c *Client) Relay(ctx context.Context) (*RelayStream, error) {
	desc := &grpc.StreamDesc{
		StreamName:    "Relay",
		ServerStreams: true,
		ClientStreams: true,
	}

	stream, err := c.cc.NewStream(ctx, desc, "/"+ServiceName+"/Relay")
	if err != nil {
		return nil, err
	}

	return &RelayStream{stream: stream}, nil
}

// RelayStream is the client half of a Relay RPC.
type RelayStream struct {
	stream grpc.ClientStream
}

func (r *RelayStream) Send(frame []byte) error {
	return r.stream.SendMsg(&Frame{Data: frame})
}

func (r *RelayStream) Recv() ([]byte, error) {
	frame := new(Frame)
	if err := r.stream.RecvMsg(frame); err != nil {
		return nil, err
	}

	return frame.Data, nil
}

// CloseSend half-closes the stream; the server may still send.
func (r *RelayStream) CloseSend() error {
	return r.stream.CloseSend()
}

// Drain consumes frames until EOF, discarding them.  Useful during
// orderly shutdown after CloseSend.
func (r *RelayStream) Drain() error {
	for {
		if _, err := r.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}
	}
}
