// Package queue implements the per-session outbound queue: a priority
// queue with QoS delivery semantics, acknowledgement tracking, and
// exponential backoff retries.  Each peer session owns exactly one
// Queue; the session's writer goroutine is the sole consumer.
package queue

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/astrocomm/broker/clock"
	"github.com/astrocomm/broker/envelope"
	"github.com/astrocomm/broker/logging"
	"github.com/go-kit/log"
)

const (
	DefaultRetryBase   = time.Second
	DefaultRetryMax    = 30 * time.Second
	DefaultMaxAttempts = 3
	DefaultSoftBound   = 10000
	DefaultHardBound   = 50000
)

var (
	// ErrBackpressure indicates the enqueue was rejected by the
	// queue's bounds
	ErrBackpressure = errors.New("queue: backpressure rejection")

	// ErrClosed indicates the queue no longer accepts entries
	ErrClosed = errors.New("queue: closed")
)

// FailureReason describes why an entry left the queue without being
// delivered and acknowledged.
type FailureReason int

const (
	Expired FailureReason = iota
	WriteFailed
	RetriesExhausted
	Cancelled
)

func (fr FailureReason) String() string {
	switch fr {
	case Expired:
		return "expired"
	case WriteFailed:
		return "writeFailed"
	case RetriesExhausted:
		return "retriesExhausted"
	case Cancelled:
		return "cancelled"
	}

	return "unknown"
}

// Code maps a failure reason onto the stable error code surfaced to
// the original sender.
func (fr FailureReason) Code() string {
	switch fr {
	case Cancelled:
		return envelope.CodeCancelled
	default:
		return envelope.CodeTimeout
	}
}

// FailureListener observes entries that the queue gave up on.
type FailureListener func(*envelope.Message, FailureReason)

// Entry is a queued outbound envelope with its retry state.
type Entry struct {
	Message       *envelope.Message
	Attempts      int
	NextAttemptAt time.Time

	sequence uint64
	ackWait  chan struct{}
}

// Options configures a Queue.  The zero value selects the documented
// defaults.
type Options struct {
	// RetryBase is the backoff base; attempt n waits base * 2^n
	RetryBase time.Duration

	// RetryMax caps the computed backoff
	RetryMax time.Duration

	// MaxAttempts bounds delivery attempts for ack-required entries
	MaxAttempts int

	// SoftBound is the queue length above which Low-priority enqueues
	// are rejected
	SoftBound int

	// HardBound is the queue length above which all enqueues are
	// rejected
	HardBound int

	// Jitter scales each backoff by a random factor in
	// [1-Jitter, 1+Jitter].  Zero disables jitter.
	Jitter float64

	Clock   clock.Interface
	Logger  log.Logger
	OnFail  FailureListener
	RandInt func(n int64) int64
}

func (o *Options) retryBase() time.Duration {
	if o != nil && o.RetryBase > 0 {
		return o.RetryBase
	}

	return DefaultRetryBase
}

func (o *Options) retryMax() time.Duration {
	if o != nil && o.RetryMax > 0 {
		return o.RetryMax
	}

	return DefaultRetryMax
}

func (o *Options) maxAttempts() int {
	if o != nil && o.MaxAttempts > 0 {
		return o.MaxAttempts
	}

	return DefaultMaxAttempts
}

func (o *Options) softBound() int {
	if o != nil && o.SoftBound > 0 {
		return o.SoftBound
	}

	return DefaultSoftBound
}

func (o *Options) hardBound() int {
	if o != nil && o.HardBound > 0 {
		return o.HardBound
	}

	return DefaultHardBound
}

func (o *Options) clock() clock.Interface {
	if o != nil && o.Clock != nil {
		return o.Clock
	}

	return clock.System()
}

func (o *Options) logger() log.Logger {
	if o != nil && o.Logger != nil {
		return o.Logger
	}

	return logging.DefaultLogger()
}

func (o *Options) onFail() FailureListener {
	if o != nil && o.OnFail != nil {
		return o.OnFail
	}

	return func(*envelope.Message, FailureReason) {}
}

// New constructs a Queue from a set of Options, which may be nil.
func New(o *Options) *Queue {
	q := &Queue{
		retryBase:   o.retryBase(),
		retryMax:    o.retryMax(),
		maxAttempts: o.maxAttempts(),
		softBound:   o.softBound(),
		hardBound:   o.hardBound(),
		clock:       o.clock(),
		logger:      o.logger(),
		onFail:      o.onFail(),
		notify:      make(chan struct{}, 1),
		stop:        make(chan struct{}),
		pendingAck:  make(map[string]*Entry),
	}

	if o != nil {
		q.jitter = o.Jitter
		q.randInt = o.RandInt
	}

	return q
}

// Queue is a single session's outbound queue.  Entries are ordered by
// (priority descending, nextAttemptAt ascending); entries with equal
// priority preserve enqueue order.
type Queue struct {
	lock    sync.Mutex
	entries entryHeap
	closed  bool

	pendingAck map[string]*Entry

	retryBase   time.Duration
	retryMax    time.Duration
	maxAttempts int
	softBound   int
	hardBound   int
	jitter      float64
	randInt     func(n int64) int64

	sequence uint64

	clock  clock.Interface
	logger log.Logger
	onFail FailureListener

	notify chan struct{}
	stop   chan struct{}
}

// Len returns the number of entries waiting in the queue, excluding
// those awaiting acknowledgement.
func (q *Queue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.entries.Len()
}

// PendingAcks returns the number of entries awaiting acknowledgement.
func (q *Queue) PendingAcks() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.pendingAck)
}

// Enqueue posts an envelope for delivery.  It applies the
// back-pressure bounds: between the soft and hard bounds Low-priority
// envelopes are rejected, above the hard bound everything is.
func (q *Queue) Enqueue(m *envelope.Message) error {
	q.lock.Lock()

	switch {
	case q.closed:
		q.lock.Unlock()
		return ErrClosed
	case q.entries.Len() >= q.hardBound:
		q.lock.Unlock()
		return ErrBackpressure
	case q.entries.Len() >= q.softBound && m.Priority == envelope.Low:
		q.lock.Unlock()
		return ErrBackpressure
	}

	q.sequence++
	entry := &Entry{
		Message:       m,
		NextAttemptAt: q.clock.Now(),
		sequence:      q.sequence,
	}

	heap.Push(&q.entries, entry)
	q.lock.Unlock()

	q.wake()
	return nil
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Next blocks until the queue head is due, then removes and returns
// it.  Expired entries are discarded (with a failure callback) without
// being returned.  Next returns ErrClosed once the queue is closed and
// drained of due work.
func (q *Queue) Next() (*Entry, error) {
	for {
		var wait time.Duration

		q.lock.Lock()
		now := q.clock.Now()

		for q.entries.Len() > 0 {
			head := q.entries.peek()
			if head.NextAttemptAt.After(now) {
				break
			}

			heap.Pop(&q.entries)
			if head.Message.Timestamp.Expired(head.Message.ExpireAfterSeconds, now) {
				q.lock.Unlock()
				q.onFail(head.Message, Expired)
				q.lock.Lock()
				now = q.clock.Now()
				continue
			}

			q.lock.Unlock()
			return head, nil
		}

		closed := q.closed
		if q.entries.Len() > 0 {
			wait = q.entries.peek().NextAttemptAt.Sub(now)
		}
		q.lock.Unlock()

		if closed {
			return nil, ErrClosed
		}

		if wait > 0 {
			timer := q.clock.NewTimer(wait)
			select {
			case <-q.notify:
				timer.Stop()
			case <-timer.C():
			case <-q.stop:
				timer.Stop()
				return nil, ErrClosed
			}
		} else {
			select {
			case <-q.notify:
			case <-q.stop:
				return nil, ErrClosed
			}
		}
	}
}

// Close stops the queue.  Waiting entries and unacknowledged entries
// are failed with the Cancelled reason.
func (q *Queue) Close() {
	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		return
	}

	q.closed = true
	abandoned := make([]*Entry, 0, q.entries.Len()+len(q.pendingAck))
	for q.entries.Len() > 0 {
		abandoned = append(abandoned, heap.Pop(&q.entries).(*Entry))
	}

	for id, entry := range q.pendingAck {
		delete(q.pendingAck, id)
		if entry.ackWait != nil {
			close(entry.ackWait)
		}

		abandoned = append(abandoned, entry)
	}
	q.lock.Unlock()

	close(q.stop)
	for _, entry := range abandoned {
		q.onFail(entry.Message, Cancelled)
	}
}
