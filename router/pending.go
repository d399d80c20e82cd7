package router

import (
	"container/heap"
	"sync"
	"time"

	"github.com/astrocomm/broker/clock"
	"github.com/astrocomm/broker/envelope"
)

// pendingEntry tracks one in-flight Command awaiting its Response or
// Error from a device.
type pendingEntry struct {
	command  *envelope.Message
	clientID string
	deadline time.Time
	index    int
}

// deadlineHeap orders pending entries by deadline.
type deadlineHeap []*pendingEntry

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	return h[i].deadline.Before(h[j].deadline)
}

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x interface{}) {
	entry := x.(*pendingEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[:n-1]
	return entry
}

// expiredFunc is called outside the table lock for each entry whose
// deadline passed.
type expiredFunc func(*pendingEntry)

// pendingTable is the router's correlation table: messageId to the
// originating client and its response deadline.  A single timer
// goroutine wakes for the earliest deadline.
type pendingTable struct {
	clock   clock.Interface
	expired expiredFunc

	lock    sync.Mutex
	entries map[string]*pendingEntry
	order   deadlineHeap
	closed  bool

	wake chan struct{}
	stop chan struct{}
}

func newPendingTable(c clock.Interface, expired expiredFunc) *pendingTable {
	t := &pendingTable{
		clock:   c,
		expired: expired,
		entries: make(map[string]*pendingEntry),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}

	go t.run()
	return t
}

// register adds a pending command.  Duplicate message ids are rejected.
func (t *pendingTable) register(command *envelope.Message, clientID string, deadline time.Time) bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.closed {
		return false
	}

	if _, ok := t.entries[command.MessageID]; ok {
		return false
	}

	entry := &pendingEntry{
		command:  command,
		clientID: clientID,
		deadline: deadline,
	}

	t.entries[command.MessageID] = entry
	heap.Push(&t.order, entry)
	t.notify()
	return true
}

// complete removes and returns the entry correlated to the given
// message id, if any.
func (t *pendingTable) complete(originalMessageID string) (*pendingEntry, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	entry, ok := t.entries[originalMessageID]
	if !ok {
		return nil, false
	}

	delete(t.entries, originalMessageID)
	heap.Remove(&t.order, entry.index)
	return entry, true
}

func (t *pendingTable) len() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.entries)
}

func (t *pendingTable) notify() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *pendingTable) close() {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return
	}

	t.closed = true
	t.lock.Unlock()
	close(t.stop)
}

// run expires entries as their deadlines pass.
func (t *pendingTable) run() {
	for {
		var (
			due  []*pendingEntry
			wait time.Duration
		)

		t.lock.Lock()
		now := t.clock.Now()
		for t.order.Len() > 0 {
			head := t.order[0]
			if head.deadline.After(now) {
				wait = head.deadline.Sub(now)
				break
			}

			heap.Pop(&t.order)
			delete(t.entries, head.command.MessageID)
			due = append(due, head)
		}
		t.lock.Unlock()

		for _, entry := range due {
			t.expired(entry)
		}

		if wait > 0 {
			timer := t.clock.NewTimer(wait)
			select {
			case <-t.wake:
				timer.Stop()
			case <-timer.C():
			case <-t.stop:
				timer.Stop()
				return
			}
		} else {
			select {
			case <-t.wake:
			case <-t.stop:
				return
			}
		}
	}
}
