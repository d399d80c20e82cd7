package broker

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/astrocomm/broker/clock/clocktest"
	"github.com/astrocomm/broker/envelope"
	"github.com/astrocomm/broker/recovery"
	"github.com/astrocomm/broker/session"
	"github.com/astrocomm/broker/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	lock   sync.Mutex
	frames [][]byte
}

func (fc *fakeConn) Send(frame []byte) error {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	fc.frames = append(fc.frames, append([]byte(nil), frame...))
	return nil
}

func (fc *fakeConn) Close() error       { return nil }
func (fc *fakeConn) RemoteAddr() string { return "10.0.0.1:40000" }

func (fc *fakeConn) sent() int {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	return len(fc.frames)
}

func (fc *fakeConn) messages(t *testing.T) []*envelope.Message {
	fc.lock.Lock()
	defer fc.lock.Unlock()

	out := make([]*envelope.Message, 0, len(fc.frames))
	for _, frame := range fc.frames {
		m, err := envelope.Decode(frame, envelope.JSON)
		require.NoError(t, err)
		out = append(out, m)
	}

	return out
}

func (fc *fakeConn) waitFor(t *testing.T, n int) []*envelope.Message {
	require.Eventually(t, func() bool { return fc.sent() >= n }, 2*time.Second, 5*time.Millisecond)
	return fc.messages(t)
}

type peer struct {
	conn    *fakeConn
	receive transport.Receiver
	closed  func(error)
}

func connect(b *Broker) *peer {
	conn := new(fakeConn)
	receiver, closed := b.Acceptor().Accept(conn, transport.Delivery{
		Tag:        transport.TagTCP,
		RemoteAddr: conn.RemoteAddr(),
	})

	return &peer{conn: conn, receive: receiver, closed: closed}
}

func (p *peer) deliver(t *testing.T, m *envelope.Message) {
	frame, err := envelope.Encode(m, envelope.JSON)
	require.NoError(t, err)
	p.receive(frame, transport.Delivery{Tag: transport.TagTCP})
}

func registerDevice(t *testing.T, b *Broker, info *envelope.DeviceInfo) *peer {
	device := connect(b)
	device.deliver(t, envelope.NewRegistration(info))
	device.conn.waitFor(t, 1)
	require.True(t, b.Devices().Connected(info.ID))
	return device
}

func TestHappyPathCommand(t *testing.T) {
	assert := assert.New(t)
	b := New(nil)

	device := registerDevice(t, b, &envelope.DeviceInfo{ID: "scope-1", Type: "telescope"})
	client := connect(b)

	command := envelope.NewCommand("scope-1", "ping", nil)
	command.QOS = envelope.AtLeastOnce
	client.deliver(t, command)

	forwarded := device.conn.waitFor(t, 2)[1]
	assert.Equal("ping", forwarded.Command)

	device.deliver(t, envelope.NewResponse(command, "OK", nil))

	reply := client.conn.waitFor(t, 1)[0]
	assert.Equal(envelope.ResponseType, reply.Type)
	assert.Equal("OK", reply.Status)
	assert.Equal(command.MessageID, reply.OriginalMessageID)
	assert.True(b.Devices().Connected("scope-1"))
}

func TestDeviceUnavailable(t *testing.T) {
	assert := assert.New(t)
	b := New(nil)

	client := connect(b)
	client.deliver(t, envelope.NewCommand("ghost", "ping", nil))

	reply := client.conn.waitFor(t, 1)[0]
	assert.Equal(envelope.ErrorType, reply.Type)
	assert.Equal(envelope.CodeDeviceUnavailable, reply.ErrorCode)
}

func TestDeviceErrorReachesSupervisor(t *testing.T) {
	assert := assert.New(t)
	b := New(nil)
	b.Supervisor().SetDefault(recovery.Strategy{Action: recovery.Notify})

	device := registerDevice(t, b, &envelope.DeviceInfo{ID: "scope-1", Type: "telescope"})
	client := connect(b)

	client.deliver(t, envelope.NewCommand("scope-1", "goto", nil))
	command := device.conn.waitFor(t, 2)[1]

	device.deliver(t, command.Fail("E_MOTOR", "stalled"))
	client.conn.waitFor(t, 1)

	require.Eventually(t, func() bool { return len(b.Supervisor().History()) == 1 }, time.Second, 5*time.Millisecond)
	outcome := b.Supervisor().History()[0]
	assert.Equal("notify", outcome.Action)
	assert.Equal("E_MOTOR", outcome.ErrorCode)
}

func TestHeartbeat(t *testing.T) {
	assert := assert.New(t)

	fc := clocktest.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := New(&Options{HeartbeatInterval: time.Second, Clock: fc})
	require.NoError(t, b.Start())
	defer b.Stop(context.Background())

	client := connect(b)
	client.deliver(t, envelope.NewDiscoveryRequest())
	client.conn.waitFor(t, 1)

	require.Eventually(t, func() bool {
		fc.Advance(time.Second)
		for _, m := range client.conn.messages(t) {
			if m.Type == envelope.EventType && m.Event == envelope.EventHeartbeat {
				return true
			}
		}

		return false
	}, 2*time.Second, 10*time.Millisecond)

	var beat *envelope.Message
	for _, m := range client.conn.messages(t) {
		if m.Event == envelope.EventHeartbeat {
			beat = m
		}
	}

	require.NotNil(t, beat)
	assert.Equal(envelope.Low, beat.Priority)
}

func TestStopDrainsSessions(t *testing.T) {
	assert := assert.New(t)

	b := New(&Options{StopGrace: time.Second})
	require.NoError(t, b.Start())

	client := connect(b)
	client.deliver(t, envelope.NewDiscoveryRequest())
	client.conn.waitFor(t, 1)

	require.NoError(t, b.Stop(context.Background()))
	assert.Zero(b.Sessions().Len())
}

func TestStartStopIdempotent(t *testing.T) {
	b := New(nil)

	require.NoError(t, b.Start())
	require.NoError(t, b.Start())
	require.NoError(t, b.Stop(context.Background()))
	require.NoError(t, b.Stop(context.Background()))
}

func TestSnapshotPersistence(t *testing.T) {
	assert := assert.New(t)

	store := &FileStore{Path: filepath.Join(t.TempDir(), "devices.json")}

	first := New(&Options{Persister: store, AutosaveDelay: 10 * time.Millisecond})
	require.NoError(t, first.Start())

	registerDevice(t, first, &envelope.DeviceInfo{ID: "scope-1", Type: "telescope"})
	require.NoError(t, first.Stop(context.Background()))

	second := New(&Options{Persister: store})
	require.NoError(t, second.Start())
	defer second.Stop(context.Background())

	record, ok := second.Devices().Get("scope-1")
	require.True(t, ok)
	assert.Equal("telescope", record.DeviceInfo.Type)
	assert.False(record.Connected, "restored devices start disconnected")
}

func TestFileStoreRoundTrip(t *testing.T) {
	assert := assert.New(t)

	store := &FileStore{Path: filepath.Join(t.TempDir(), "devices.json")}

	data, err := store.Load()
	require.NoError(t, err)
	assert.Nil(data, "missing snapshot is not an error")

	require.NoError(t, store.Save([]byte(`{"devices":{}}`)))
	data, err = store.Load()
	require.NoError(t, err)
	assert.JSONEq(`{"devices":{}}`, string(data))
}

func TestIdleReaping(t *testing.T) {
	assert := assert.New(t)

	fc := clocktest.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := New(&Options{
		Clock:        fc,
		ReapInterval: time.Minute,
		Session:      &session.Options{IdleTimeout: 2 * time.Minute},
	})
	require.NoError(t, b.Start())
	defer b.Stop(context.Background())

	client := connect(b)
	client.deliver(t, envelope.NewDiscoveryRequest())
	client.conn.waitFor(t, 1)
	require.Equal(t, 1, b.Sessions().Len())

	require.Eventually(t, func() bool {
		fc.Advance(time.Minute)
		return b.Sessions().Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Zero(b.Sessions().Len())
}
