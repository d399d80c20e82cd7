// Package registry maintains the in-memory catalog of known devices:
// identity, connectivity, and cached property state.  The registry is
// the only cross-peer mutable state in the broker; all operations are
// safe for concurrent access.
package registry

import (
	"sync"
	"time"

	"github.com/astrocomm/broker/clock"
	"github.com/astrocomm/broker/envelope"
	"github.com/go-kit/log"

	"github.com/astrocomm/broker/logging"
)

// Record is the registry's view of a single device.  Exactly one
// record exists per device id.
type Record struct {
	DeviceInfo       envelope.DeviceInfo    `json:"deviceInfo"`
	Connected        bool                   `json:"connected"`
	LastSeen         time.Time              `json:"lastSeen,omitempty"`
	LastConnected    time.Time              `json:"lastConnected,omitempty"`
	LastDisconnected time.Time              `json:"lastDisconnected,omitempty"`
	Properties       map[string]interface{} `json:"properties,omitempty"`
}

func (r *Record) clone() *Record {
	copied := *r
	copied.Properties = make(map[string]interface{}, len(r.Properties))
	for name, value := range r.Properties {
		copied.Properties[name] = value
	}

	return &copied
}

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets the output sink for registry log messages
func WithLogger(logger log.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock sets the time source, primarily for tests
func WithClock(c clock.Interface) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// New constructs an empty Registry
func New(options ...Option) *Registry {
	r := &Registry{
		logger:  logging.DefaultLogger(),
		clock:   clock.System(),
		records: make(map[string]*Record, initialRegistrySize),
	}

	for _, o := range options {
		o(r)
	}

	return r
}

const initialRegistrySize = 1000

// Registry is the device catalog.  It emits no events itself; mutation
// methods return enough change information for callers to decide what
// to propagate.
type Registry struct {
	lock    sync.RWMutex
	logger  log.Logger
	clock   clock.Interface
	records map[string]*Record

	onMutate func()
}

// OnMutate registers a single callback invoked after every successful
// mutation.  The registry holds no lock during the callback.  Used by
// the autosave plumbing.
func (r *Registry) OnMutate(f func()) {
	r.lock.Lock()
	r.onMutate = f
	r.lock.Unlock()
}

func (r *Registry) mutated() {
	r.lock.RLock()
	f := r.onMutate
	r.lock.RUnlock()

	if f != nil {
		f()
	}
}

// Register installs a device record and marks it connected.  It is
// rejected when a record with the same id is already connected; the
// router resolves that race in favor of the earlier live session.
func (r *Registry) Register(info envelope.DeviceInfo) bool {
	now := r.clock.Now()

	r.lock.Lock()
	if existing, ok := r.records[info.ID]; ok && existing.Connected {
		r.lock.Unlock()
		return false
	}

	record := &Record{
		DeviceInfo:    info,
		Connected:     true,
		LastSeen:      now,
		LastConnected: now,
		Properties:    make(map[string]interface{}, len(info.Properties)),
	}

	for name, value := range info.Properties {
		record.Properties[name] = value
	}

	r.records[info.ID] = record
	r.lock.Unlock()

	logging.Debug(r.logger).Log(logging.MessageKey(), "device registered", "id", info.ID, "type", info.Type)
	r.mutated()
	return true
}

// Unregister removes a device record entirely.
func (r *Registry) Unregister(id string) bool {
	r.lock.Lock()
	_, ok := r.records[id]
	delete(r.records, id)
	r.lock.Unlock()

	if ok {
		r.mutated()
	}

	return ok
}

// Update merges non-zero fields of the partial device info into an
// existing record.
func (r *Registry) Update(id string, partial envelope.DeviceInfo) bool {
	r.lock.Lock()
	record, ok := r.records[id]
	if ok {
		if len(partial.Type) > 0 {
			record.DeviceInfo.Type = partial.Type
		}
		if len(partial.Manufacturer) > 0 {
			record.DeviceInfo.Manufacturer = partial.Manufacturer
		}
		if len(partial.Model) > 0 {
			record.DeviceInfo.Model = partial.Model
		}
		if len(partial.FirmwareVersion) > 0 {
			record.DeviceInfo.FirmwareVersion = partial.FirmwareVersion
		}
		if len(partial.Capabilities) > 0 {
			record.DeviceInfo.Capabilities = partial.Capabilities
		}
		record.LastSeen = r.clock.Now()
	}
	r.lock.Unlock()

	if ok {
		r.mutated()
	}

	return ok
}

// SetConnected flips a device's connectivity and stamps the transition
// time.  Unknown ids are ignored.
func (r *Registry) SetConnected(id string, connected bool) {
	now := r.clock.Now()

	r.lock.Lock()
	record, ok := r.records[id]
	if ok && record.Connected != connected {
		record.Connected = connected
		if connected {
			record.LastConnected = now
		} else {
			record.LastDisconnected = now
		}
		record.LastSeen = now
	} else {
		ok = false
	}
	r.lock.Unlock()

	if ok {
		r.mutated()
	}
}

// Touch updates a device's lastSeen timestamp.
func (r *Registry) Touch(id string) {
	r.lock.Lock()
	if record, ok := r.records[id]; ok {
		record.LastSeen = r.clock.Now()
	}
	r.lock.Unlock()
}

// Get returns a copy of the record for the given id.
func (r *Registry) Get(id string) (*Record, bool) {
	r.lock.RLock()
	record, ok := r.records[id]
	var copied *Record
	if ok {
		copied = record.clone()
	}
	r.lock.RUnlock()

	return copied, ok
}

// Connected tests if there is a connected device with the given id.
func (r *Registry) Connected(id string) bool {
	r.lock.RLock()
	record, ok := r.records[id]
	connected := ok && record.Connected
	r.lock.RUnlock()

	return connected
}

// List returns device info snapshots, optionally filtered by device
// type.  An empty filter matches every device.
func (r *Registry) List(deviceTypes ...string) map[string]envelope.DeviceInfo {
	filter := make(map[string]bool, len(deviceTypes))
	for _, deviceType := range deviceTypes {
		filter[deviceType] = true
	}

	r.lock.RLock()
	listing := make(map[string]envelope.DeviceInfo, len(r.records))
	for id, record := range r.records {
		if len(filter) > 0 && !filter[record.DeviceInfo.Type] {
			continue
		}

		info := record.DeviceInfo
		info.Properties = make(map[string]interface{}, len(record.Properties))
		for name, value := range record.Properties {
			info.Properties[name] = value
		}

		listing[id] = info
	}
	r.lock.RUnlock()

	return listing
}

// Len returns the number of registry records.
func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.records)
}

// SetProperty stores a property value and returns the previous value,
// atomically with respect to readers.  The boolean result reports
// whether a previous value existed, so callers can distinguish a first
// observation from a change.
func (r *Registry) SetProperty(id, name string, value interface{}) (previous interface{}, existed bool, ok bool) {
	r.lock.Lock()
	record, ok := r.records[id]
	if ok {
		previous, existed = record.Properties[name]
		record.Properties[name] = value
		record.LastSeen = r.clock.Now()
	}
	r.lock.Unlock()

	if ok {
		r.mutated()
	}

	return
}

// GetProperty reads a cached property value.
func (r *Registry) GetProperty(id, name string) (interface{}, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	record, ok := r.records[id]
	if !ok {
		return nil, false
	}

	value, ok := record.Properties[name]
	return value, ok
}
