// Package capacitor implements a debouncer: submitted work is delayed
// for a quiet period, and only the most recently submitted function
// runs when the capacitor discharges.  The registry uses one to batch
// persistence snapshots.
package capacitor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/astrocomm/broker/clock"
)

// DefaultDelay is the delay used when no WithDelay option is supplied
const DefaultDelay time.Duration = time.Second

// Interface represents a capacitor of function calls which will
// discharge after a configurable period of time.
type Interface interface {
	// Submit submits a function for execution.  The function will not
	// be executed immediately.  Instead, after the configured delay,
	// the most recent function passed to Submit will be executed.
	Submit(func())

	// Discharge forcibly discharges this capacitor.  The most recent
	// function passed to Submit is executed, and the internal state is
	// reset so that the next call to Submit starts the delay again.
	Discharge()

	// Cancel terminates any waiting function without executing it.
	Cancel()
}

// Option represents a configuration option for a capacitor
type Option func(*capacitor)

// WithDelay configures the time interval used to delay function
// invocations.  Nonpositive values revert to DefaultDelay.
func WithDelay(d time.Duration) Option {
	return func(c *capacitor) {
		if d > 0 {
			c.delay = d
		} else {
			c.delay = DefaultDelay
		}
	}
}

// WithClock configures the clock used to create timers.  A nil clock
// reverts to the system clock.
func WithClock(cl clock.Interface) Option {
	return func(c *capacitor) {
		if cl != nil {
			c.c = cl
		} else {
			c.c = clock.System()
		}
	}
}

// New creates a capacitor with the given options
func New(o ...Option) Interface {
	c := &capacitor{
		delay: DefaultDelay,
		c:     clock.System(),
	}

	for _, f := range o {
		f(c)
	}

	return c
}

// delayer handles the lifetime of a single delay along with the
// function to execute
type delayer struct {
	current   atomic.Value
	timer     clock.Timer
	terminate chan bool
	cleanup   func()
}

func (d *delayer) discharge() {
	d.terminate <- true
}

func (d *delayer) cancel() {
	d.terminate <- false
}

func (d *delayer) execute() {
	if f, ok := d.current.Load().(func()); f != nil && ok {
		f()
	}
}

func (d *delayer) run() {
	defer d.timer.Stop()
	defer d.cleanup()

	for {
		select {
		case <-d.timer.C():
			// barging: a terminate signal sent concurrently with
			// timer expiry wins
			select {
			case discharge := <-d.terminate:
				if discharge {
					d.execute()
				}

			default:
				d.execute()
			}

			return

		case discharge := <-d.terminate:
			if discharge {
				d.execute()
			}

			return
		}
	}
}

type capacitor struct {
	lock  sync.Mutex
	delay time.Duration
	c     clock.Interface
	d     *delayer
}

// cleanup produces a closure that a given delayer calls to clear the
// enclosing capacitor's state, if and only if the capacitor still
// refers to that delayer.
func (c *capacitor) cleanup(d *delayer) func() {
	return func() {
		c.lock.Lock()
		if c.d == d {
			c.d = nil
		}
		c.lock.Unlock()
	}
}

func (c *capacitor) Submit(v func()) {
	c.lock.Lock()
	if c.d == nil {
		c.d = &delayer{
			terminate: make(chan bool, 1),
			timer:     c.c.NewTimer(c.delay),
		}

		c.d.current.Store(v)
		c.d.cleanup = c.cleanup(c.d)
		go c.d.run()
	} else {
		c.d.current.Store(v)
	}

	c.lock.Unlock()
}

func (c *capacitor) Discharge() {
	c.lock.Lock()
	if c.d != nil {
		c.d.discharge()
		c.d = nil
	}

	c.lock.Unlock()
}

func (c *capacitor) Cancel() {
	c.lock.Lock()
	if c.d != nil {
		c.d.cancel()
		c.d = nil
	}

	c.lock.Unlock()
}
