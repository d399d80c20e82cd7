// Package linetransport provides the delimiter-framed transports: TCP
// (server and client roles) and stdio (single peer).  Both share the
// linecodec framing and a common connection type.
package linetransport

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/astrocomm/broker/transport"
	"github.com/astrocomm/broker/transport/linecodec"
)

// deadliner is the subset of net.Conn used for I/O timeouts.  Streams
// without deadline support (stdio) supply a nop implementation.
type deadliner interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

type nopDeadliner struct{}

func (nopDeadliner) SetReadDeadline(time.Time) error  { return nil }
func (nopDeadliner) SetWriteDeadline(time.Time) error { return nil }

// conn adapts a framed byte stream to transport.Conn.
type conn struct {
	raw          io.Closer
	deadlines    deadliner
	framer       *linecodec.Framer
	tag          transport.Tag
	remote       string
	binary       bool
	readTimeout  time.Duration
	writeTimeout time.Duration

	writeLock sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newConn(rw io.ReadWriter, closer io.Closer, o *transport.Options, tag transport.Tag, remote string) *conn {
	deadlines := deadliner(nopDeadliner{})
	if d, ok := rw.(deadliner); ok {
		deadlines = d
	}

	return &conn{
		raw:       closer,
		deadlines: deadlines,
		framer: linecodec.New(rw, linecodec.Config{
			Delimiter:    o.DelimiterByte(),
			LengthPrefix: o != nil && (o.Framing == transport.LengthPrefixFraming || o.Binary),
			MaxFrame:     o.MaxFrame(),
			BufferSize:   o.Buffer(),
		}),
		tag:          tag,
		remote:       remote,
		binary:       o != nil && o.Binary,
		readTimeout:  o.ReadWait(),
		writeTimeout: o.WriteWait(),
		done:         make(chan struct{}),
	}
}

func (c *conn) Send(frame []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}

	c.deadlines.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.framer.WriteFrame(frame)
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.raw.Close()
	})

	return err
}

func (c *conn) RemoteAddr() string {
	return c.remote
}

func (c *conn) delivery() transport.Delivery {
	return transport.Delivery{
		Tag:        c.tag,
		RemoteAddr: c.remote,
		Binary:     c.binary,
	}
}

// readLoop drives the inbound side until the stream fails, then
// reports the terminal error exactly once.
func (c *conn) readLoop(receiver transport.Receiver, closed func(error)) {
	for {
		c.deadlines.SetReadDeadline(time.Now().Add(c.readTimeout))
		frame, err := c.framer.ReadFrame()
		if err != nil {
			c.Close()

			select {
			case <-c.done:
				// orderly local close races the read error
			default:
			}

			closed(err)
			return
		}

		d := c.delivery()
		d.ReceivedAt = time.Now()
		receiver(frame, d)
	}
}
