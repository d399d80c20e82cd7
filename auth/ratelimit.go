package auth

import (
	"sync"
	"time"

	"github.com/astrocomm/broker/clock"
)

const (
	DefaultFailureLimit  = 5
	DefaultFailureWindow = 5 * time.Minute
)

// LimiterOptions configures the failure-rate limiter.  The zero value
// selects the documented defaults.
type LimiterOptions struct {
	// Limit is the number of failures within Window that trips the
	// limiter for a peer address.
	Limit int

	// Window is the sliding window width.
	Window time.Duration

	Clock clock.Interface
}

func (o *LimiterOptions) limit() int {
	if o != nil && o.Limit > 0 {
		return o.Limit
	}

	return DefaultFailureLimit
}

func (o *LimiterOptions) window() time.Duration {
	if o != nil && o.Window > 0 {
		return o.Window
	}

	return DefaultFailureWindow
}

func (o *LimiterOptions) clock() clock.Interface {
	if o != nil && o.Clock != nil {
		return o.Clock
	}

	return clock.System()
}

// NewLimited decorates an authenticator with a per-peer-address
// sliding window over failed attempts.  Once the window holds Limit
// failures, further attempts from that address are RateLimited until
// old failures age out.
func NewLimited(next Authenticator, o *LimiterOptions) Authenticator {
	return &limited{
		next:     next,
		limit:    o.limit(),
		window:   o.window(),
		clock:    o.clock(),
		failures: make(map[string][]time.Time),
	}
}

type limited struct {
	next   Authenticator
	limit  int
	window time.Duration
	clock  clock.Interface

	lock     sync.Mutex
	failures map[string][]time.Time
}

func (l *limited) Authenticate(method, credentials, peerHint string) Result {
	if l.tripped(peerHint) {
		return Result{Status: RateLimited, Reason: "too many failures"}
	}

	result := l.next.Authenticate(method, credentials, peerHint)
	if result.Status == Denied {
		l.record(peerHint)
	}

	return result
}

// tripped prunes aged failures and tests the window in one step.
func (l *limited) tripped(peerHint string) bool {
	cutoff := l.clock.Now().Add(-l.window)

	l.lock.Lock()
	defer l.lock.Unlock()

	window := l.failures[peerHint]
	live := window[:0]
	for _, at := range window {
		if at.After(cutoff) {
			live = append(live, at)
		}
	}

	if len(live) == 0 {
		delete(l.failures, peerHint)
	} else {
		l.failures[peerHint] = live
	}

	return len(live) >= l.limit
}

func (l *limited) record(peerHint string) {
	l.lock.Lock()
	l.failures[peerHint] = append(l.failures[peerHint], l.clock.Now())
	l.lock.Unlock()
}
