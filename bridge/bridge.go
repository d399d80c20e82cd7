// Package bridge republishes envelopes between two transports.  A
// bridge joins each side as a synthetic client: envelopes arriving on
// the source are re-minted and sent on the destination, and correlated
// replies travel back with their originalMessageId rewritten so acks
// correlate per side.
package bridge

import (
	"errors"
	"sync"

	"github.com/astrocomm/broker/envelope"
	"github.com/astrocomm/broker/logging"
	"github.com/astrocomm/broker/metrics"
	"github.com/astrocomm/broker/transport"
	"github.com/go-kit/log"
	lru "github.com/hashicorp/golang-lru/v2"
)

// correlationTableSize bounds the per-direction id rewrite table.
const correlationTableSize = 4096

var errNotConnected = errors.New("bridge: peer side not connected")

// Filter decides whether an envelope crosses the bridge.  Nil passes
// everything.
type Filter func(m *envelope.Message) bool

// Options configures a Bridge.
type Options struct {
	// Source and Destination label the two sides for logging.
	Source      transport.Tag
	Destination transport.Tag

	// Filter restricts which source envelopes are republished.
	// Replies returning from the destination are never filtered.
	Filter Filter

	Logger   log.Logger
	Measures *metrics.Measures
}

func (o *Options) logger() log.Logger {
	if o != nil && o.Logger != nil {
		return o.Logger
	}

	return logging.DefaultLogger()
}

func (o *Options) measures() metrics.Measures {
	if o != nil && o.Measures != nil {
		return *o.Measures
	}

	return metrics.NewTestMeasures()
}

func (o *Options) filter() Filter {
	if o != nil {
		return o.Filter
	}

	return nil
}

func (o *Options) source() transport.Tag {
	if o != nil {
		return o.Source
	}

	return ""
}

func (o *Options) destination() transport.Tag {
	if o != nil {
		return o.Destination
	}

	return ""
}

// New constructs a Bridge.  Hand SourceAcceptor and
// DestinationAcceptor to the respective adaptors.
func New(o *Options) *Bridge {
	b := &Bridge{
		sourceTag:      o.source(),
		destinationTag: o.destination(),
		filter:         o.filter(),
		logger:         o.logger(),
		measures:       o.measures(),
	}

	b.source = newEndpoint(b, &b.destination, b.filter)
	b.destination = newEndpoint(b, &b.source, nil)
	return b
}

// Bridge relays envelopes between its two endpoints.
type Bridge struct {
	sourceTag      transport.Tag
	destinationTag transport.Tag
	filter         Filter
	logger         log.Logger
	measures       metrics.Measures

	source      *endpoint
	destination *endpoint
}

// SourceAcceptor returns the acceptor to register with the source
// adaptor.
func (b *Bridge) SourceAcceptor() transport.Acceptor { return b.source }

// DestinationAcceptor returns the acceptor to register with the
// destination adaptor.
func (b *Bridge) DestinationAcceptor() transport.Acceptor { return b.destination }

// Forwarded reports the number of envelopes republished in each
// direction: source to destination, then destination to source.
func (b *Bridge) Forwarded() (toDestination, toSource uint64) {
	return b.source.count(), b.destination.count()
}

// endpoint is one side of the bridge.  It implements
// transport.Acceptor for its own adaptor and republishes inbound
// envelopes to the opposite side.
type endpoint struct {
	bridge *Bridge
	other  **endpoint
	filter Filter

	lock      sync.Mutex
	conn      transport.Conn
	format    envelope.Format
	forwarded uint64

	// minted maps ids minted on the opposite side back to the ids this
	// side originally saw, so replies re-correlate.
	minted *lru.Cache[string, string]
}

var _ transport.Acceptor = (*endpoint)(nil)

func newEndpoint(b *Bridge, other **endpoint, filter Filter) *endpoint {
	minted, _ := lru.New[string, string](correlationTableSize)
	return &endpoint{
		bridge: b,
		other:  other,
		filter: filter,
		format: envelope.JSON,
		minted: minted,
	}
}

// Accept binds this side's connection.  A reconnect simply replaces
// the previous conn.
func (e *endpoint) Accept(conn transport.Conn, d transport.Delivery) (transport.Receiver, func(error)) {
	format := envelope.JSON
	if d.Binary {
		format = envelope.Msgpack
	}

	e.lock.Lock()
	e.conn = conn
	e.format = format
	e.lock.Unlock()

	closed := func(err error) {
		e.lock.Lock()
		if e.conn == conn {
			e.conn = nil
		}
		e.lock.Unlock()
	}

	return e.receive, closed
}

// receive republishes one inbound frame on the opposite side.
func (e *endpoint) receive(frame []byte, d transport.Delivery) {
	m, err := envelope.Decode(frame, e.currentFormat())
	if err != nil {
		e.bridge.measures.DecodeFail.Add(1)
		return
	}

	if e.filter != nil && !e.filter(m) {
		return
	}

	if err := (*e.other).send(e.transform(m)); err != nil {
		e.bridge.measures.RoutingDrop.Add(1)
		logging.Warn(e.bridge.logger, logging.ErrorKey(), err).Log(
			logging.MessageKey(), "bridge forward failed",
			"source", e.bridge.sourceTag,
			"destination", e.bridge.destinationTag,
			"messageId", m.MessageID,
		)

		return
	}

	e.lock.Lock()
	e.forwarded++
	e.lock.Unlock()
}

// transform mints a fresh messageId for the outgoing copy and rewrites
// correlation ids for replies returning across the bridge.  Device id
// and payload are preserved.
func (e *endpoint) transform(m *envelope.Message) *envelope.Message {
	out := *m
	out.MessageID = envelope.NewID()

	if out.OriginalMessageID != "" {
		if original, ok := e.minted.Get(out.OriginalMessageID); ok {
			e.minted.Remove(out.OriginalMessageID)
			out.OriginalMessageID = original
		}
	}

	// remember the minted id so the opposite side can rewrite replies
	(*e.other).minted.Add(out.MessageID, m.MessageID)
	return &out
}

func (e *endpoint) send(m *envelope.Message) error {
	e.lock.Lock()
	conn, format := e.conn, e.format
	e.lock.Unlock()

	if conn == nil {
		return errNotConnected
	}

	frame, err := envelope.Encode(m, format)
	if err != nil {
		return err
	}

	return conn.Send(frame)
}

func (e *endpoint) currentFormat() envelope.Format {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.format
}

func (e *endpoint) count() uint64 {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.forwarded
}
