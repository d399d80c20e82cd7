// Package transport defines the uniform peer-facing surface every
// protocol adaptor presents to the session layer: lifecycle, framed
// sends, and a single inbound delivery callback per connection.
package transport

import (
	"context"
	"time"
)

// Tag identifies a transport flavor.  Tags appear in session metadata,
// logs, and bridge configuration.
type Tag string

const (
	TagStdio     Tag = "stdio"
	TagTCP       Tag = "tcp"
	TagWebsocket Tag = "websocket"
	TagMQTT      Tag = "mqtt"
	TagZeroMQ    Tag = "zeromq"
	TagGRPC      Tag = "grpc"
)

// Conn is a single peer's framed connection.  Implementations frame
// and unframe according to their transport's rules; callers deal only
// in whole envelope payloads.
type Conn interface {
	// Send writes one frame.  A non-nil error indicates the
	// connection is no longer usable.
	Send(frame []byte) error

	// Close tears the connection down.  Close is idempotent.
	Close() error

	// RemoteAddr describes the peer endpoint for logging and
	// rate-limiting purposes.
	RemoteAddr() string
}

// Delivery carries per-frame metadata alongside inbound bytes.
type Delivery struct {
	Tag        Tag
	RemoteAddr string
	Binary     bool
	ReceivedAt time.Time
}

// Receiver consumes inbound frames for one connection.  Frames are
// delivered in wire order; the receiver must not retain the slice.
type Receiver func(frame []byte, d Delivery)

// Acceptor is implemented by the session layer.  Adaptors hand every
// new connection to the Acceptor and route that connection's inbound
// frames to the returned Receiver.  The returned closed callback is
// invoked exactly once when the connection dies; its error is nil for
// an orderly shutdown.
type Acceptor interface {
	Accept(conn Conn, d Delivery) (Receiver, func(error))
}

// Adaptor is the uniform lifecycle every transport implements.
// Start and Stop are idempotent.
type Adaptor interface {
	Tag() Tag
	Start() error
	Stop(ctx context.Context) error
}
