package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/astrocomm/broker/clock/clocktest"
	"github.com/astrocomm/broker/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDeviceInfo(id string) envelope.DeviceInfo {
	return envelope.DeviceInfo{
		ID:   id,
		Type: "telescope",
		Properties: map[string]interface{}{
			"tracking": false,
		},
	}
}

func TestRegisterRejectsConnectedDuplicate(t *testing.T) {
	assert := assert.New(t)
	r := New()

	assert.True(r.Register(testDeviceInfo("scope-1")))
	assert.True(r.Connected("scope-1"))

	// a second registration while the first is live loses
	assert.False(r.Register(testDeviceInfo("scope-1")))

	// after disconnect the replacement wins
	r.SetConnected("scope-1", false)
	assert.True(r.Register(testDeviceInfo("scope-1")))
	assert.True(r.Connected("scope-1"))
}

func TestSetConnectedStampsTransitions(t *testing.T) {
	var (
		assert = assert.New(t)
		fc     = clocktest.NewFake(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
		r      = New(WithClock(fc))
	)

	r.Register(testDeviceInfo("scope-1"))
	fc.Advance(time.Minute)
	r.SetConnected("scope-1", false)

	record, ok := r.Get("scope-1")
	assert.True(ok)
	assert.False(record.Connected)
	assert.Equal(fc.Now(), record.LastDisconnected)
	assert.True(record.LastConnected.Before(record.LastDisconnected))
}

func TestSetPropertyReturnsPrevious(t *testing.T) {
	assert := assert.New(t)
	r := New()
	r.Register(testDeviceInfo("scope-1"))

	previous, existed, ok := r.SetProperty("scope-1", "temperature", 10)
	assert.True(ok)
	assert.False(existed)
	assert.Nil(previous)

	previous, existed, ok = r.SetProperty("scope-1", "temperature", 11)
	assert.True(ok)
	assert.True(existed)
	assert.Equal(10, previous)

	value, ok := r.GetProperty("scope-1", "temperature")
	assert.True(ok)
	assert.Equal(11, value)

	_, _, ok = r.SetProperty("ghost", "temperature", 1)
	assert.False(ok)
}

func TestListFiltersByType(t *testing.T) {
	assert := assert.New(t)
	r := New()

	r.Register(envelope.DeviceInfo{ID: "scope-1", Type: "telescope"})
	r.Register(envelope.DeviceInfo{ID: "cam-1", Type: "camera"})

	all := r.List()
	assert.Len(all, 2)

	scopes := r.List("telescope")
	assert.Len(scopes, 1)
	assert.Contains(scopes, "scope-1")

	none := r.List("rotator")
	assert.Empty(none)
}

func TestUpdateMergesPartialInfo(t *testing.T) {
	assert := assert.New(t)
	r := New()
	r.Register(testDeviceInfo("scope-1"))

	assert.True(r.Update("scope-1", envelope.DeviceInfo{Model: "EQ6-R"}))
	record, _ := r.Get("scope-1")
	assert.Equal("EQ6-R", record.DeviceInfo.Model)
	assert.Equal("telescope", record.DeviceInfo.Type)

	assert.False(r.Update("ghost", envelope.DeviceInfo{Model: "x"}))
}

func TestSnapshotRestore(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
		r       = New()
	)

	r.Register(testDeviceInfo("scope-1"))
	r.SetProperty("scope-1", "temperature", 10)

	data, err := EncodeSnapshot(r.Snapshot())
	require.NoError(err)

	restored := New()
	snapshot, err := DecodeSnapshot(data)
	require.NoError(err)
	assert.Equal(1, restored.Restore(snapshot))

	record, ok := restored.Get("scope-1")
	require.True(ok)
	assert.False(record.Connected, "restored devices must be disconnected")
	assert.Contains(record.Properties, "temperature")

	// restore never clobbers an existing record
	assert.Zero(restored.Restore(snapshot))
}

type memoryPersister struct {
	lock  sync.Mutex
	data  []byte
	saves int
}

func (m *memoryPersister) Save(data []byte) error {
	m.lock.Lock()
	m.data = append([]byte(nil), data...)
	m.saves++
	m.lock.Unlock()
	return nil
}

func (m *memoryPersister) Load() ([]byte, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.data, nil
}

func (m *memoryPersister) saveCount() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.saves
}

func TestAutosaveDebounces(t *testing.T) {
	var (
		assert    = assert.New(t)
		require   = require.New(t)
		persister = new(memoryPersister)
		r         = New()
	)

	stop := r.EnableAutosave(persister, 50*time.Millisecond)

	r.Register(testDeviceInfo("scope-1"))
	r.SetProperty("scope-1", "temperature", 10)
	r.SetProperty("scope-1", "temperature", 11)

	// stop writes the final snapshot before returning
	stop()
	assert.GreaterOrEqual(persister.saveCount(), 1)

	other := New()
	restored, err := other.LoadFrom(persister)
	require.NoError(err)
	assert.Equal(1, restored)
}

func TestAutosaveStopFlushesPendingMutations(t *testing.T) {
	var (
		assert    = assert.New(t)
		require   = require.New(t)
		persister = new(memoryPersister)
		r         = New()
	)

	// a delay far longer than the test: only the stop flush can save
	stop := r.EnableAutosave(persister, time.Hour)

	r.Register(testDeviceInfo("scope-1"))
	stop()

	require.Equal(1, persister.saveCount())

	other := New()
	restored, err := other.LoadFrom(persister)
	require.NoError(err)
	assert.Equal(1, restored)

	record, ok := other.Get("scope-1")
	require.True(ok)
	assert.False(record.Connected)
}
