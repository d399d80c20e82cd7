package bridge

import (
	"sync"
	"testing"

	"github.com/astrocomm/broker/envelope"
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
func (fc *fakeConn) RemoteAddr() string { return "test:peer" }

func (fc *fakeConn) messages(t *testing.T, format envelope.Format) []*envelope.Message {
	fc.lock.Lock()
	defer fc.lock.Unlock()

	out := make([]*envelope.Message, 0, len(fc.frames))
	for _, frame := range fc.frames {
		m, err := envelope.Decode(frame, format)
		require.NoError(t, err)
		out = append(out, m)
	}

	return out
}

type side struct {
	conn    *fakeConn
	receive transport.Receiver
}

func (s *side) deliver(t *testing.T, m *envelope.Message, format envelope.Format) {
	frame, err := envelope.Encode(m, format)
	require.NoError(t, err)
	s.receive(frame, transport.Delivery{Binary: format == envelope.Msgpack})
}

func connect(acceptor transport.Acceptor, binary bool) *side {
	conn := new(fakeConn)
	receiver, _ := acceptor.Accept(conn, transport.Delivery{Binary: binary})
	return &side{conn: conn, receive: receiver}
}

func TestForwardMintsFreshID(t *testing.T) {
	assert := assert.New(t)

	b := New(&Options{Source: transport.TagTCP, Destination: transport.TagMQTT})
	source := connect(b.SourceAcceptor(), false)
	destination := connect(b.DestinationAcceptor(), false)

	command := envelope.NewCommand("mount-1", "park", map[string]interface{}{"axis": "both"})
	source.deliver(t, command, envelope.JSON)

	out := destination.conn.messages(t, envelope.JSON)
	require.Len(t, out, 1)

	assert.Equal(envelope.CommandType, out[0].Type)
	assert.Equal("mount-1", out[0].DeviceID)
	assert.Equal("park", out[0].Command)
	assert.Equal("both", out[0].Parameters["axis"])
	assert.NotEqual(command.MessageID, out[0].MessageID)

	toDestination, toSource := b.Forwarded()
	assert.Equal(uint64(1), toDestination)
	assert.Zero(toSource)
}

func TestReplyCorrelatesPerSide(t *testing.T) {
	assert := assert.New(t)

	b := New(nil)
	source := connect(b.SourceAcceptor(), false)
	destination := connect(b.DestinationAcceptor(), false)

	command := envelope.NewCommand("mount-1", "park", nil)
	source.deliver(t, command, envelope.JSON)

	forwarded := destination.conn.messages(t, envelope.JSON)[0]

	// the destination side answers against the minted id
	destination.deliver(t, envelope.NewResponse(forwarded, "ok", nil), envelope.JSON)

	replies := source.conn.messages(t, envelope.JSON)
	require.Len(t, replies, 1)
	assert.Equal(envelope.ResponseType, replies[0].Type)
	assert.Equal(command.MessageID, replies[0].OriginalMessageID,
		"the reply correlates to the id the source originally sent")
}

func TestFilterAppliesToSourceOnly(t *testing.T) {
	assert := assert.New(t)

	b := New(&Options{
		Filter: func(m *envelope.Message) bool { return m.Type == envelope.EventType },
	})
	source := connect(b.SourceAcceptor(), false)
	destination := connect(b.DestinationAcceptor(), false)

	source.deliver(t, envelope.NewCommand("mount-1", "park", nil), envelope.JSON)
	assert.Empty(destination.conn.messages(t, envelope.JSON))

	source.deliver(t, envelope.NewEvent("mount-1", "slew_complete", nil, nil), envelope.JSON)
	assert.Len(destination.conn.messages(t, envelope.JSON), 1)

	// replies travel back unfiltered
	destination.deliver(t, envelope.NewEvent("mount-1", "exposure_complete", nil, nil), envelope.JSON)
	assert.Len(source.conn.messages(t, envelope.JSON), 1)
}

func TestTranscodesBetweenFormats(t *testing.T) {
	assert := assert.New(t)

	b := New(nil)
	source := connect(b.SourceAcceptor(), false)
	destination := connect(b.DestinationAcceptor(), true)

	source.deliver(t, envelope.NewEvent("cam-1", "exposure_complete", map[string]interface{}{"frames": 3}, nil), envelope.JSON)

	out := destination.conn.messages(t, envelope.Msgpack)
	require.Len(t, out, 1)
	assert.Equal("exposure_complete", out[0].Event)
}

func TestSendWithoutPeerDrops(t *testing.T) {
	assert := assert.New(t)

	b := New(nil)
	source := connect(b.SourceAcceptor(), false)

	source.deliver(t, envelope.NewEvent("cam-1", "x", nil, nil), envelope.JSON)

	toDestination, _ := b.Forwarded()
	assert.Zero(toDestination)
}

func TestReconnectReplacesConn(t *testing.T) {
	assert := assert.New(t)

	b := New(nil)
	source := connect(b.SourceAcceptor(), false)
	connect(b.DestinationAcceptor(), false)

	replacement := connect(b.DestinationAcceptor(), false)

	source.deliver(t, envelope.NewEvent("cam-1", "x", nil, nil), envelope.JSON)
	assert.Len(replacement.conn.messages(t, envelope.JSON), 1)
}
