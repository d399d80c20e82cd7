package session

import (
	"bytes"
	"fmt"
	"sync"
	"time"
)

// Statistics tracks per-session traffic counters.  All methods are
// safe for concurrent use.
type Statistics struct {
	lock sync.RWMutex

	bytesReceived    uint64
	bytesSent        uint64
	messagesReceived uint64
	messagesSent     uint64
	duplicates       uint64
	decodeFailures   uint64

	now                  func() time.Time
	connectedAt          time.Time
	formattedConnectedAt string
}

// NewStatistics creates a Statistics anchored at the given connection
// time.  If now is nil, time.Now is used.
func NewStatistics(now func() time.Time, connectedAt time.Time) *Statistics {
	if now == nil {
		now = time.Now
	}

	connectedAt = connectedAt.UTC()
	return &Statistics{
		now:                  now,
		connectedAt:          connectedAt,
		formattedConnectedAt: connectedAt.Format(time.RFC3339),
	}
}

func (s *Statistics) AddBytesReceived(delta uint64) {
	s.lock.Lock()
	s.bytesReceived += delta
	s.lock.Unlock()
}

func (s *Statistics) BytesReceived() uint64 {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.bytesReceived
}

func (s *Statistics) AddBytesSent(delta uint64) {
	s.lock.Lock()
	s.bytesSent += delta
	s.lock.Unlock()
}

func (s *Statistics) BytesSent() uint64 {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.bytesSent
}

func (s *Statistics) AddMessagesReceived(delta uint64) {
	s.lock.Lock()
	s.messagesReceived += delta
	s.lock.Unlock()
}

func (s *Statistics) MessagesReceived() uint64 {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.messagesReceived
}

func (s *Statistics) AddMessagesSent(delta uint64) {
	s.lock.Lock()
	s.messagesSent += delta
	s.lock.Unlock()
}

func (s *Statistics) MessagesSent() uint64 {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.messagesSent
}

// AddDuplicates counts envelopes dropped by ExactlyOnce deduplication.
func (s *Statistics) AddDuplicates(delta uint64) {
	s.lock.Lock()
	s.duplicates += delta
	s.lock.Unlock()
}

func (s *Statistics) Duplicates() uint64 {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.duplicates
}

func (s *Statistics) AddDecodeFailures(delta uint64) {
	s.lock.Lock()
	s.decodeFailures += delta
	s.lock.Unlock()
}

func (s *Statistics) DecodeFailures() uint64 {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.decodeFailures
}

func (s *Statistics) ConnectedAt() time.Time {
	return s.connectedAt
}

func (s *Statistics) UpTime() time.Duration {
	return s.now().Sub(s.connectedAt)
}

func (s *Statistics) String() string {
	data, _ := s.MarshalJSON()
	return string(data)
}

func (s *Statistics) MarshalJSON() ([]byte, error) {
	output := bytes.NewBuffer(make([]byte, 0, 200))
	s.lock.RLock()
	fmt.Fprintf(
		output,
		`{"bytesSent": %d, "messagesSent": %d, "bytesReceived": %d, "messagesReceived": %d, "duplicates": %d, "decodeFailures": %d, "connectedAt": "%s", "upTime": "%s"}`,
		s.bytesSent,
		s.messagesSent,
		s.bytesReceived,
		s.messagesReceived,
		s.duplicates,
		s.decodeFailures,
		s.formattedConnectedAt,
		s.UpTime(),
	)

	s.lock.RUnlock()
	return output.Bytes(), nil
}
