// Package subscription tracks which client peers want which device
// events and property changes, and fans matching envelopes out to
// their sessions.
package subscription

import (
	"sync"

	"github.com/astrocomm/broker/envelope"
	"github.com/astrocomm/broker/logging"
	"github.com/astrocomm/broker/metrics"
	"github.com/go-kit/log"
)

// Wildcard subscribes to every event or property of a device.
const Wildcard = "*"

// Kind distinguishes property-change subscriptions from plain event
// subscriptions.
type Kind int

const (
	PropertyKind Kind = iota
	EventKind
)

func (k Kind) String() string {
	if k == PropertyKind {
		return "property"
	}

	return "event"
}

// Peer is the subscriber surface the manager needs: an identity and a
// way to post envelopes to the peer's outbound queue.  Peer sessions
// satisfy this.
type Peer interface {
	ID() string
	Send(m *envelope.Message) error
}

// record is one (subscriber, device, kind, name) registration.
type record struct {
	subscriber string
	deviceID   string
	kind       Kind
	name       string
}

// Options configures a Manager.
type Options struct {
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

// New constructs a subscription Manager.
func New(o *Options) *Manager {
	return &Manager{
		logger:   o.logger(),
		measures: o.measures(),
		records:  make(map[record]Peer),
		byPeer:   make(map[string]map[record]struct{}),
	}
}

// Manager is the subscription table.  All operations are safe for
// concurrent use.
type Manager struct {
	logger   log.Logger
	measures metrics.Measures

	lock    sync.RWMutex
	records map[record]Peer
	byPeer  map[string]map[record]struct{}
}

// SubscribeProperty registers interest in changes to one property of
// one device.  Subscribing twice is a no-op.
func (m *Manager) SubscribeProperty(p Peer, deviceID, name string) {
	m.subscribe(p, record{p.ID(), deviceID, PropertyKind, name})
}

// SubscribeEvent registers interest in one event name of one device.
func (m *Manager) SubscribeEvent(p Peer, deviceID, name string) {
	m.subscribe(p, record{p.ID(), deviceID, EventKind, name})
}

func (m *Manager) subscribe(p Peer, r record) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.records[r] = p
	peers, ok := m.byPeer[r.subscriber]
	if !ok {
		peers = make(map[record]struct{})
		m.byPeer[r.subscriber] = peers
	}

	peers[r] = struct{}{}
}

// UnsubscribeProperty removes a property registration.
func (m *Manager) UnsubscribeProperty(p Peer, deviceID, name string) {
	m.unsubscribe(record{p.ID(), deviceID, PropertyKind, name})
}

// UnsubscribeEvent removes an event registration.
func (m *Manager) UnsubscribeEvent(p Peer, deviceID, name string) {
	m.unsubscribe(record{p.ID(), deviceID, EventKind, name})
}

func (m *Manager) unsubscribe(r record) {
	m.lock.Lock()
	defer m.lock.Unlock()

	delete(m.records, r)
	if peers, ok := m.byPeer[r.subscriber]; ok {
		delete(peers, r)
		if len(peers) == 0 {
			delete(m.byPeer, r.subscriber)
		}
	}
}

// ClearFor purges every registration held by a subscriber.  Called
// when its session closes.
func (m *Manager) ClearFor(subscriber string) {
	m.lock.Lock()
	defer m.lock.Unlock()

	for r := range m.byPeer[subscriber] {
		delete(m.records, r)
	}

	delete(m.byPeer, subscriber)
}

// Len returns the number of live registrations.
func (m *Manager) Len() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.records)
}

// HandleEvent fans an event envelope out to every matching subscriber
// at the event's original priority.  Property-change events match
// property subscriptions by the name carried in details.property; all
// other events match event subscriptions by event name.  A delivery
// failure to one subscriber does not affect the others.  The return
// value is the number of successful deliveries.
func (m *Manager) HandleEvent(ev *envelope.Message) int {
	kind := EventKind
	name := ev.Event
	if ev.Event == envelope.EventPropertyChanged {
		kind = PropertyKind
		if property, ok := ev.Details["property"].(string); ok {
			name = property
		}
	}

	targets := m.match(ev.DeviceID, kind, name)

	var delivered int
	for _, p := range targets {
		if err := p.Send(ev); err != nil {
			m.measures.FanoutFail.Add(1)
			logging.Warn(m.logger, logging.ErrorKey(), err).Log(
				logging.MessageKey(), "fan-out delivery failed",
				"subscriber", p.ID(),
				"device", ev.DeviceID,
				"event", ev.Event,
			)

			continue
		}

		delivered++
	}

	return delivered
}

// match snapshots the peers registered for (device, kind, name),
// including wildcard name registrations.
func (m *Manager) match(deviceID string, kind Kind, name string) []Peer {
	m.lock.RLock()
	defer m.lock.RUnlock()

	seen := make(map[string]struct{})
	var targets []Peer
	for r, p := range m.records {
		if r.deviceID != deviceID || r.kind != kind {
			continue
		}

		if r.name != name && r.name != Wildcard {
			continue
		}

		if _, dup := seen[r.subscriber]; dup {
			continue
		}

		seen[r.subscriber] = struct{}{}
		targets = append(targets, p)
	}

	return targets
}
