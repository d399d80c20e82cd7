package queue

import (
	"container/heap"
	"math/rand"
	"time"

	"github.com/astrocomm/broker/envelope"
	"github.com/astrocomm/broker/logging"
)

// entryHeap orders entries by (priority desc, nextAttemptAt asc) with
// the enqueue sequence as the final tiebreak, which preserves FIFO
// order within a priority level.
type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].Message.Priority != h[j].Message.Priority {
		return h[i].Message.Priority > h[j].Message.Priority
	}

	if !h[i].NextAttemptAt.Equal(h[j].NextAttemptAt) {
		return h[i].NextAttemptAt.Before(h[j].NextAttemptAt)
	}

	return h[i].sequence < h[j].sequence
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x interface{}) {
	*h = append(*h, x.(*Entry))
}

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

func (h entryHeap) peek() *Entry {
	return h[0]
}

// backoff computes the delay before the given attempt number,
// base * 2^attempts capped at retryMax, with optional jitter.
func (q *Queue) backoff(attempts int) time.Duration {
	d := q.retryBase
	for i := 0; i < attempts && d < q.retryMax; i++ {
		d *= 2
	}

	if d > q.retryMax {
		d = q.retryMax
	}

	if q.jitter > 0 {
		span := int64(float64(d) * q.jitter * 2)
		if span > 0 {
			r := q.randInt
			if r == nil {
				r = rand.Int63n
			}

			d = d - time.Duration(span/2) + time.Duration(r(span))
		}
	}

	return d
}

// Sent reports the outcome of a write attempt for an entry returned by
// Next.  The queue applies the entry's QoS contract:
//
//   - AtMostOnce entries are destroyed regardless of outcome; a write
//     error only surfaces through the failure listener.
//   - Ack-required entries move to the pending-ack set on success and
//     are scheduled for retry on failure or ack timeout.
func (q *Queue) Sent(entry *Entry, writeErr error) {
	if !entry.Message.QOS.RequiresAck() {
		if writeErr != nil {
			q.onFail(entry.Message, WriteFailed)
		}

		return
	}

	if writeErr != nil {
		q.requeue(entry)
		return
	}

	entry.ackWait = make(chan struct{})

	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		q.onFail(entry.Message, Cancelled)
		return
	}

	q.pendingAck[entry.Message.MessageID] = entry
	q.lock.Unlock()

	go q.awaitAck(entry)
}

// requeue schedules another delivery attempt, or gives up once the
// failure count exceeds maxAttempts.
func (q *Queue) requeue(entry *Entry) {
	entry.Attempts++
	if entry.Attempts > q.maxAttempts {
		logging.Debug(q.logger).Log(
			logging.MessageKey(), "delivery abandoned",
			"messageId", entry.Message.MessageID,
			"attempts", entry.Attempts,
		)

		q.onFail(entry.Message, RetriesExhausted)
		return
	}

	entry.ackWait = nil
	entry.NextAttemptAt = q.clock.Now().Add(q.backoff(entry.Attempts - 1))

	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		q.onFail(entry.Message, Cancelled)
		return
	}

	q.sequence++
	entry.sequence = q.sequence
	heap.Push(&q.entries, entry)
	q.lock.Unlock()

	q.wake()
}

// awaitAck waits for either an acknowledgement or the ack deadline.
// Timeouts count as failed attempts and requeue the entry.
func (q *Queue) awaitAck(entry *Entry) {
	timer := q.clock.NewTimer(q.backoff(entry.Attempts))
	defer timer.Stop()

	select {
	case <-entry.ackWait:
		// acknowledged or cancelled; nothing further to do

	case <-timer.C():
		q.lock.Lock()
		pending, ok := q.pendingAck[entry.Message.MessageID]
		if ok && pending == entry {
			delete(q.pendingAck, entry.Message.MessageID)
		}
		q.lock.Unlock()

		if ok {
			q.requeue(entry)
		}
	}
}

// Ack completes the pending entry whose messageId matches the given
// correlation id.  It returns true if an entry was completed.
func (q *Queue) Ack(originalMessageID string) bool {
	q.lock.Lock()
	entry, ok := q.pendingAck[originalMessageID]
	delete(q.pendingAck, originalMessageID)
	q.lock.Unlock()

	if !ok {
		return false
	}

	close(entry.ackWait)
	return true
}

// AckFor completes a pending entry from a correlated Response or Error
// envelope.
func (q *Queue) AckFor(m *envelope.Message) bool {
	if !m.Type.SupportsCorrelation() || len(m.OriginalMessageID) == 0 {
		return false
	}

	return q.Ack(m.OriginalMessageID)
}
