// Package wstransport provides the WebSocket transport adaptor in both
// server and client roles.  Each envelope travels in exactly one
// message frame: text frames for JSON, binary frames when the binary
// wire format is enabled.
package wstransport

import (
	"net"
	"sync"
	"time"

	"github.com/astrocomm/broker/transport"
	"github.com/gorilla/websocket"
)

// wsConn adapts a gorilla websocket connection to transport.Conn.
type wsConn struct {
	ws           *websocket.Conn
	tag          transport.Tag
	binary       bool
	readTimeout  time.Duration
	writeTimeout time.Duration
	pingPeriod   time.Duration
	maxFrame     int64

	writeLock sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(ws *websocket.Conn, o *transport.Options) *wsConn {
	c := &wsConn{
		ws:           ws,
		tag:          transport.TagWebsocket,
		binary:       o != nil && o.Binary,
		readTimeout:  o.ReadWait(),
		writeTimeout: o.WriteWait(),
		pingPeriod:   o.ReadWait() / 2,
		maxFrame:     int64(o.MaxFrame()),
		done:         make(chan struct{}),
	}

	ws.SetReadLimit(c.maxFrame)
	ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	})

	return c
}

func (c *wsConn) messageType() int {
	if c.binary {
		return websocket.BinaryMessage
	}

	return websocket.TextMessage
}

func (c *wsConn) Send(frame []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}

	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(c.messageType(), frame)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.writeTimeout),
		)

		err = c.ws.Close()
	})

	return err
}

func (c *wsConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

func (c *wsConn) delivery() transport.Delivery {
	return transport.Delivery{
		Tag:        c.tag,
		RemoteAddr: c.RemoteAddr(),
		Binary:     c.binary,
	}
}

// pingLoop keeps the peer's read deadline alive.  WriteControl is safe
// to call concurrently with Send.
func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
		}
	}
}

// readLoop pumps inbound frames to the receiver.  Frames of the wrong
// kind for the negotiated wire format terminate the connection.
func (c *wsConn) readLoop(receiver transport.Receiver, closed func(error)) {
	expected := c.messageType()

	for {
		kind, frame, err := c.ws.ReadMessage()
		if err != nil {
			c.Close()
			closed(err)
			return
		}

		if kind != expected {
			closeErr := &websocket.CloseError{
				Code: websocket.CloseUnsupportedData,
				Text: "unexpected message kind",
			}

			c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(closeErr.Code, closeErr.Text),
				time.Now().Add(c.writeTimeout),
			)

			c.Close()
			closed(closeErr)
			return
		}

		c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))

		d := c.delivery()
		d.ReceivedAt = time.Now()
		receiver(frame, d)
	}
}
