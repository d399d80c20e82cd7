// Package clocktest provides a deterministic clock for tests.
package clocktest

import (
	"sync"
	"time"

	"github.com/astrocomm/broker/clock"
)

// Fake is a manually advanced clock.Interface.  Timers and tickers
// created from a Fake fire only when Advance moves the fake time past
// their deadlines.
type Fake struct {
	lock   sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

var _ clock.Interface = (*Fake)(nil)

// NewFake creates a Fake positioned at the given instant.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

func (f *Fake) Now() time.Time {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.now
}

// Sleep on a fake clock returns immediately; tests control the passage
// of time through Advance.
func (f *Fake) Sleep(time.Duration) {
}

// Advance moves the fake time forward, firing any timers whose
// deadlines are reached.
func (f *Fake) Advance(d time.Duration) {
	f.lock.Lock()
	f.now = f.now.Add(d)
	now := f.now
	timers := make([]*fakeTimer, len(f.timers))
	copy(timers, f.timers)
	f.lock.Unlock()

	for _, t := range timers {
		t.fireIfDue(now)
	}
}

func (f *Fake) NewTimer(d time.Duration) clock.Timer {
	f.lock.Lock()
	defer f.lock.Unlock()

	t := &fakeTimer{
		parent:   f,
		c:        make(chan time.Time, 1),
		deadline: f.now.Add(d),
		active:   true,
	}

	f.timers = append(f.timers, t)
	if d <= 0 {
		t.fireIfDue(f.now)
	}

	return t
}

func (f *Fake) NewTicker(d time.Duration) clock.Ticker {
	f.lock.Lock()
	defer f.lock.Unlock()

	t := &fakeTimer{
		parent:   f,
		c:        make(chan time.Time, 1),
		deadline: f.now.Add(d),
		period:   d,
		active:   true,
	}

	f.timers = append(f.timers, t)
	return fakeTicker{t}
}

type fakeTimer struct {
	parent   *Fake
	lock     sync.Mutex
	c        chan time.Time
	deadline time.Time
	period   time.Duration
	active   bool
}

func (t *fakeTimer) fireIfDue(now time.Time) {
	t.lock.Lock()
	defer t.lock.Unlock()

	for t.active && !now.Before(t.deadline) {
		select {
		case t.c <- t.deadline:
		default:
		}

		if t.period > 0 {
			t.deadline = t.deadline.Add(t.period)
		} else {
			t.active = false
		}
	}
}

func (t *fakeTimer) C() <-chan time.Time {
	return t.c
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	now := t.parent.Now()

	t.lock.Lock()
	defer t.lock.Unlock()

	wasActive := t.active
	t.deadline = now.Add(d)
	t.active = true
	return wasActive
}

func (t *fakeTimer) Stop() bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	wasActive := t.active
	t.active = false
	return wasActive
}

type fakeTicker struct {
	*fakeTimer
}

func (t fakeTicker) Stop() {
	t.fakeTimer.Stop()
}
