package wstransport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/astrocomm/broker/transport"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureAcceptor struct {
	lock   sync.Mutex
	conns  []transport.Conn
	frames [][]byte
	closes []error
}

func (ca *captureAcceptor) Accept(conn transport.Conn, d transport.Delivery) (transport.Receiver, func(error)) {
	ca.lock.Lock()
	ca.conns = append(ca.conns, conn)
	ca.lock.Unlock()

	receiver := func(frame []byte, d transport.Delivery) {
		ca.lock.Lock()
		ca.frames = append(ca.frames, append([]byte(nil), frame...))
		ca.lock.Unlock()
	}

	closed := func(err error) {
		ca.lock.Lock()
		ca.closes = append(ca.closes, err)
		ca.lock.Unlock()
	}

	return receiver, closed
}

func (ca *captureAcceptor) frameCount() int {
	ca.lock.Lock()
	defer ca.lock.Unlock()
	return len(ca.frames)
}

func (ca *captureAcceptor) closeCount() int {
	ca.lock.Lock()
	defer ca.lock.Unlock()
	return len(ca.closes)
}

func startServer(t *testing.T, acceptor transport.Acceptor) (*Server, string) {
	server, err := NewServer(transport.DefaultOptions("127.0.0.1:0"), "", acceptor, nil)
	require.NoError(t, err)
	require.NoError(t, server.Start())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Stop(ctx)
	})

	return server, "ws://" + server.Addr() + DefaultPath
}

func TestServerRoundTrip(t *testing.T) {
	var (
		require  = require.New(t)
		assert   = assert.New(t)
		acceptor = new(captureAcceptor)
	)

	_, url := startServer(t, acceptor)

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(err)
	defer ws.Close()

	require.NoError(ws.WriteMessage(websocket.TextMessage, []byte(`{"messageType":"Event"}`)))
	assert.Eventually(func() bool { return acceptor.frameCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	acceptor.lock.Lock()
	require.Len(acceptor.conns, 1)
	serverConn := acceptor.conns[0]
	frame := acceptor.frames[0]
	acceptor.lock.Unlock()

	assert.Equal(`{"messageType":"Event"}`, string(frame))

	require.NoError(serverConn.Send([]byte(`{"messageType":"Response"}`)))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, reply, err := ws.ReadMessage()
	require.NoError(err)
	assert.Equal(websocket.TextMessage, kind)
	assert.Equal(`{"messageType":"Response"}`, string(reply))
}

func TestServerRejectsBinaryFrames(t *testing.T) {
	var (
		require  = require.New(t)
		assert   = assert.New(t)
		acceptor = new(captureAcceptor)
	)

	_, url := startServer(t, acceptor)

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(err)
	defer ws.Close()

	require.NoError(ws.WriteMessage(websocket.BinaryMessage, []byte{0x81}))

	assert.Eventually(func() bool { return acceptor.closeCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(acceptor.frameCount())
}

func TestClientReconnects(t *testing.T) {
	var (
		require        = require.New(t)
		assert         = assert.New(t)
		serverAcceptor = new(captureAcceptor)
		clientAcceptor = new(captureAcceptor)
	)

	_, url := startServer(t, serverAcceptor)

	client, err := NewClient(transport.DefaultOptions("unused:0"), url, clientAcceptor, nil, nil)
	require.NoError(err)
	require.NoError(client.Start())

	assert.Eventually(func() bool {
		serverAcceptor.lock.Lock()
		defer serverAcceptor.lock.Unlock()
		return len(serverAcceptor.conns) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// drop the server side; the client must dial again
	serverAcceptor.lock.Lock()
	serverAcceptor.conns[0].Close()
	serverAcceptor.lock.Unlock()

	assert.Eventually(func() bool {
		serverAcceptor.lock.Lock()
		defer serverAcceptor.lock.Unlock()
		return len(serverAcceptor.conns) == 2
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(client.Stop(ctx))
}
