package registry

import (
	"time"

	"github.com/astrocomm/broker/capacitor"
	"github.com/astrocomm/broker/envelope"
	"github.com/astrocomm/broker/logging"
)

// Persister is the external collaborator that stores registry
// snapshots.  The broker does not interpret the blob beyond the
// snapshot document shape.
type Persister interface {
	// Save stores a snapshot document
	Save(data []byte) error

	// Load retrieves the most recent snapshot document, or a nil slice
	// if none exists
	Load() ([]byte, error)
}

// Snapshot is the persistence document: every known device with its
// cached properties.  Restored devices are always disconnected.
type Snapshot struct {
	Devices map[string]SnapshotRecord `json:"devices"`
	SavedAt envelope.Timestamp        `json:"savedAt"`
}

// SnapshotRecord is one device inside a Snapshot.
type SnapshotRecord struct {
	DeviceInfo envelope.DeviceInfo    `json:"deviceInfo"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	LastSeen   time.Time              `json:"lastSeen,omitempty"`
}

// Snapshot captures the current registry contents as a persistence
// document.
func (r *Registry) Snapshot() Snapshot {
	r.lock.RLock()
	snapshot := Snapshot{
		Devices: make(map[string]SnapshotRecord, len(r.records)),
		SavedAt: envelope.Timestamp(r.clock.Now().UTC()),
	}

	for id, record := range r.records {
		properties := make(map[string]interface{}, len(record.Properties))
		for name, value := range record.Properties {
			properties[name] = value
		}

		snapshot.Devices[id] = SnapshotRecord{
			DeviceInfo: record.DeviceInfo,
			Properties: properties,
			LastSeen:   record.LastSeen,
		}
	}
	r.lock.RUnlock()

	return snapshot
}

// EncodeSnapshot serializes a snapshot with the envelope JSON codec.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	var encoded []byte
	err := envelope.NewEncoderBytes(&encoded, envelope.JSON).Encode(s)
	return encoded, err
}

// DecodeSnapshot deserializes a snapshot document.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	err := envelope.NewDecoderBytes(data, envelope.JSON).Decode(&s)
	return s, err
}

// Restore installs snapshot records into the registry.  Every restored
// device is disconnected until its session reappears.  Records for ids
// that already exist are left untouched.
func (r *Registry) Restore(s Snapshot) int {
	restored := 0

	r.lock.Lock()
	for id, snap := range s.Devices {
		if _, exists := r.records[id]; exists {
			continue
		}

		properties := make(map[string]interface{}, len(snap.Properties))
		for name, value := range snap.Properties {
			properties[name] = value
		}

		r.records[id] = &Record{
			DeviceInfo: snap.DeviceInfo,
			Connected:  false,
			LastSeen:   snap.LastSeen,
			Properties: properties,
		}

		restored++
	}
	r.lock.Unlock()

	return restored
}

// EnableAutosave wires a debounced snapshot save to every registry
// mutation.  The returned stop function writes a final snapshot before
// it returns, so callers may exit immediately afterwards.  A
// nonpositive delay uses the capacitor default.
func (r *Registry) EnableAutosave(p Persister, delay time.Duration, options ...capacitor.Option) (stop func()) {
	options = append([]capacitor.Option{capacitor.WithDelay(delay)}, options...)
	c := capacitor.New(options...)

	save := func() {
		data, err := EncodeSnapshot(r.Snapshot())
		if err == nil {
			err = p.Save(data)
		}

		if err != nil {
			logging.Error(r.logger, logging.ErrorKey(), err).Log(logging.MessageKey(), "autosave failed")
		}
	}

	r.OnMutate(func() {
		c.Submit(save)
	})

	return func() {
		r.OnMutate(nil)
		c.Cancel()
		save()
	}
}

// LoadFrom restores the registry from the persister's most recent
// snapshot, if any.
func (r *Registry) LoadFrom(p Persister) (int, error) {
	data, err := p.Load()
	if err != nil || len(data) == 0 {
		return 0, err
	}

	snapshot, err := DecodeSnapshot(data)
	if err != nil {
		return 0, err
	}

	return r.Restore(snapshot), nil
}
