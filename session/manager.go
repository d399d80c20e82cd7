package session

import (
	"sync"
	"time"

	"github.com/astrocomm/broker/auth"
	"github.com/astrocomm/broker/clock"
	"github.com/astrocomm/broker/envelope"
	"github.com/astrocomm/broker/logging"
	"github.com/astrocomm/broker/metrics"
	"github.com/astrocomm/broker/queue"
	"github.com/astrocomm/broker/transport"
	"github.com/go-kit/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/segmentio/ksuid"
)

const (
	DefaultAuthTimeout  = 10 * time.Second
	DefaultDrainTimeout = 5 * time.Second
	DefaultIdleTimeout  = 30 * time.Minute
	DefaultDecodeLimit  = 5
	DefaultDedupSize    = 4096
)

// Options configures a Manager.  The zero value selects the documented
// defaults with authentication disabled.
type Options struct {
	// Auth gates sessions before they join the live set.  Nil
	// disables authentication.
	Auth auth.Authenticator

	// AuthTimeout bounds the handshake from accept to Authenticated.
	AuthTimeout time.Duration

	// DrainTimeout bounds the Draining state on Stop.
	DrainTimeout time.Duration

	// IdleTimeout is the inactivity deadline applied by ReapIdle.
	IdleTimeout time.Duration

	// DecodeLimit is the number of consecutive decode failures
	// tolerated before the session is closed.
	DecodeLimit int

	// DedupSize bounds the per-session ExactlyOnce LRU.
	DedupSize int

	// Queue configures each session's outbound queue.
	Queue *queue.Options

	Clock    clock.Interface
	Logger   log.Logger
	Measures *metrics.Measures
}

func (o *Options) authTimeout() time.Duration {
	if o != nil && o.AuthTimeout > 0 {
		return o.AuthTimeout
	}

	return DefaultAuthTimeout
}

func (o *Options) drainTimeout() time.Duration {
	if o != nil && o.DrainTimeout > 0 {
		return o.DrainTimeout
	}

	return DefaultDrainTimeout
}

func (o *Options) idleTimeout() time.Duration {
	if o != nil && o.IdleTimeout > 0 {
		return o.IdleTimeout
	}

	return DefaultIdleTimeout
}

func (o *Options) decodeLimit() int {
	if o != nil && o.DecodeLimit > 0 {
		return o.DecodeLimit
	}

	return DefaultDecodeLimit
}

func (o *Options) dedupSize() int {
	if o != nil && o.DedupSize > 0 {
		return o.DedupSize
	}

	return DefaultDedupSize
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

func (o *Options) measures() metrics.Measures {
	if o != nil && o.Measures != nil {
		return *o.Measures
	}

	return metrics.NewTestMeasures()
}

func (o *Options) queueOptions() *queue.Options {
	if o != nil {
		return o.Queue
	}

	return nil
}

func (o *Options) authenticator() auth.Authenticator {
	if o != nil {
		return o.Auth
	}

	return nil
}

// NewManager constructs a session Manager.  The listener, typically
// the router, observes every session's envelopes and closures.
func NewManager(o *Options, listener Listener) *Manager {
	return &Manager{
		auth:         o.authenticator(),
		authTimeout:  o.authTimeout(),
		drainTimeout: o.drainTimeout(),
		idleTimeout:  o.idleTimeout(),
		decodeLimit:  o.decodeLimit(),
		dedupSize:    o.dedupSize(),
		queueOptions: o.queueOptions(),
		clock:        o.clock(),
		logger:       o.logger(),
		measures:     o.measures(),
		listener:     listener,
		sessions:     make(map[string]*Session),
	}
}

// Manager owns the set of live sessions.  It implements
// transport.Acceptor so adaptors can hand it new peers directly.
type Manager struct {
	auth         auth.Authenticator
	authTimeout  time.Duration
	drainTimeout time.Duration
	idleTimeout  time.Duration
	decodeLimit  int
	dedupSize    int
	queueOptions *queue.Options
	clock        clock.Interface
	logger       log.Logger
	measures     metrics.Measures
	listener     Listener

	lock     sync.RWMutex
	sessions map[string]*Session
}

var _ transport.Acceptor = (*Manager)(nil)

// Accept admits a new peer connection, assigns it a session id, and
// starts its writer and handshake watchdog.
func (mgr *Manager) Accept(conn transport.Conn, d transport.Delivery) (transport.Receiver, func(error)) {
	format := envelope.JSON
	if d.Binary {
		format = envelope.Msgpack
	}

	dedup, _ := lru.New[string, struct{}](mgr.dedupSize)
	now := mgr.clock.Now()

	qo := queue.Options{}
	if mgr.queueOptions != nil {
		qo = *mgr.queueOptions
	}
	if qo.Clock == nil {
		qo.Clock = mgr.clock
	}
	if qo.Logger == nil {
		qo.Logger = mgr.logger
	}

	s := &Session{
		conn:         conn,
		meta:         d,
		format:       format,
		auth:         mgr.auth,
		dedup:        dedup,
		clock:        mgr.clock,
		logger:       mgr.logger,
		measures:     mgr.measures,
		listener:     mgr,
		stats:        NewStatistics(mgr.clock.Now, now),
		decodeLimit:  mgr.decodeLimit,
		drainTimeout: mgr.drainTimeout,
		id:           ksuid.New().String(),
		state:        Accepted,
		lastActivity: now,
		done:         make(chan struct{}),
	}

	// undelivered envelopes surface to the listener so the router can
	// fail the original sender
	if qo.OnFail == nil {
		qo.OnFail = func(m *envelope.Message, reason queue.FailureReason) {
			mgr.OnDeliveryFailure(s, m, reason)
		}
	}
	s.queue = queue.New(&qo)

	mgr.lock.Lock()
	mgr.sessions[s.id] = s
	mgr.lock.Unlock()
	mgr.measures.Sessions.Add(1)

	logging.Info(mgr.logger).Log(
		logging.MessageKey(), "session accepted",
		"session", s.id,
		"transport", d.Tag,
		"remoteAddr", d.RemoteAddr,
	)

	go s.writeLoop()
	go s.authWatchdog(mgr.authTimeout)

	closed := func(err error) {
		s.terminate(err)
	}

	return s.receive, closed
}

// OnEnvelope forwards to the configured listener.  Sessions observe
// the manager so it can interpose on lifecycle events.
func (mgr *Manager) OnEnvelope(s *Session, m *envelope.Message) {
	mgr.listener.OnEnvelope(s, m)
}

// OnDeliveryFailure forwards to the configured listener.
func (mgr *Manager) OnDeliveryFailure(s *Session, m *envelope.Message, reason queue.FailureReason) {
	mgr.listener.OnDeliveryFailure(s, m, reason)
}

// OnClose deindexes the session before notifying the listener.
func (mgr *Manager) OnClose(s *Session, err error) {
	mgr.remove(s)
	mgr.listener.OnClose(s, err)
}

// remove drops a session from the index.
func (mgr *Manager) remove(s *Session) {
	mgr.lock.Lock()
	current, ok := mgr.sessions[s.ID()]
	if ok && current == s {
		delete(mgr.sessions, s.ID())
	}
	mgr.lock.Unlock()

	if ok {
		mgr.measures.Sessions.Add(-1)
	}
}

// Get returns the session with the given peer id.
func (mgr *Manager) Get(id string) (*Session, bool) {
	mgr.lock.RLock()
	defer mgr.lock.RUnlock()

	s, ok := mgr.sessions[id]
	return s, ok
}

// Rename rebinds a session under a new peer id, typically the device
// id carried by its Registration.  It fails if another live session
// already holds the id.
func (mgr *Manager) Rename(s *Session, newID string) bool {
	mgr.lock.Lock()
	defer mgr.lock.Unlock()

	if existing, ok := mgr.sessions[newID]; ok && existing != s && !existing.State().Terminal() {
		return false
	}

	delete(mgr.sessions, s.ID())
	mgr.sessions[newID] = s

	s.lock.Lock()
	s.id = newID
	s.lock.Unlock()

	return true
}

// Len returns the number of indexed sessions.
func (mgr *Manager) Len() int {
	mgr.lock.RLock()
	defer mgr.lock.RUnlock()
	return len(mgr.sessions)
}

// Each invokes f for every indexed session.  The iteration works over
// a snapshot, so f may close sessions.
func (mgr *Manager) Each(f func(*Session)) {
	mgr.lock.RLock()
	snapshot := make([]*Session, 0, len(mgr.sessions))
	for _, s := range mgr.sessions {
		snapshot = append(snapshot, s)
	}
	mgr.lock.RUnlock()

	for _, s := range snapshot {
		f(s)
	}
}

// ReapIdle closes authenticated sessions whose last activity is older
// than the idle timeout.  It returns the number of sessions closed.
func (mgr *Manager) ReapIdle() int {
	cutoff := mgr.clock.Now().Add(-mgr.idleTimeout)

	var reaped int
	mgr.Each(func(s *Session) {
		state := s.State()
		if state != Authenticated && state != Live {
			return
		}

		if s.LastActivity().Before(cutoff) {
			logging.Info(mgr.logger).Log(
				logging.MessageKey(), "session idle, closing",
				"session", s.ID(),
				"lastActivity", s.LastActivity(),
			)

			s.terminate(nil)
			reaped++
		}
	})

	return reaped
}

// StopAll drains every session in parallel and waits for completion.
func (mgr *Manager) StopAll() {
	var wg sync.WaitGroup
	mgr.Each(func(s *Session) {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Stop()
		}(s)
	})

	wg.Wait()
}
