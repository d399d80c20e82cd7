// Package broker assembles the full message broker: device registry,
// subscription fan-out, router, session manager, and error-recovery
// supervisor, with transport adaptors attached by the caller.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/astrocomm/broker/capacitor"
	"github.com/astrocomm/broker/clock"
	"github.com/astrocomm/broker/envelope"
	"github.com/astrocomm/broker/logging"
	"github.com/astrocomm/broker/metrics"
	"github.com/astrocomm/broker/recovery"
	"github.com/astrocomm/broker/registry"
	"github.com/astrocomm/broker/router"
	"github.com/astrocomm/broker/session"
	"github.com/astrocomm/broker/subscription"
	"github.com/astrocomm/broker/transport"
	"github.com/go-kit/log"
)

const (
	DefaultStopGrace    = 5 * time.Second
	DefaultReapInterval = time.Minute
)

// Options configures a Broker.  The zero value disables heartbeats and
// persistence and selects the documented component defaults.
type Options struct {
	// HeartbeatInterval is the period at which the broker emits
	// keep-alive heartbeat Events to live sessions.  Zero disables.
	HeartbeatInterval time.Duration

	// ReapInterval is how often idle sessions are checked against the
	// session idle timeout.
	ReapInterval time.Duration

	// StopGrace bounds the parallel session drain on Stop.
	StopGrace time.Duration

	// Persister enables registry persistence: the registry is restored
	// from it on Start and autosaved through the debouncer on every
	// mutation.
	Persister registry.Persister

	// AutosaveDelay is the persistence debounce window.
	AutosaveDelay time.Duration

	// Session configures the session manager, including
	// authentication.
	Session *session.Options

	// Router configures command routing.
	Router *router.Options

	// Recovery configures the error-recovery supervisor.
	Recovery *recovery.Options

	Clock    clock.Interface
	Logger   log.Logger
	Measures *metrics.Measures
}

func (o *Options) heartbeatInterval() time.Duration {
	if o != nil {
		return o.HeartbeatInterval
	}

	return 0
}

func (o *Options) reapInterval() time.Duration {
	if o != nil && o.ReapInterval > 0 {
		return o.ReapInterval
	}

	return DefaultReapInterval
}

func (o *Options) stopGrace() time.Duration {
	if o != nil && o.StopGrace > 0 {
		return o.StopGrace
	}

	return DefaultStopGrace
}

func (o *Options) persister() registry.Persister {
	if o != nil {
		return o.Persister
	}

	return nil
}

func (o *Options) autosaveDelay() time.Duration {
	if o != nil {
		return o.AutosaveDelay
	}

	return 0
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

func (o *Options) measures() *metrics.Measures {
	if o != nil && o.Measures != nil {
		return o.Measures
	}

	m := metrics.NewTestMeasures()
	return &m
}

func (o *Options) sessionOptions(c clock.Interface, logger log.Logger, m *metrics.Measures) *session.Options {
	so := session.Options{}
	if o != nil && o.Session != nil {
		so = *o.Session
	}

	if so.Clock == nil {
		so.Clock = c
	}
	if so.Logger == nil {
		so.Logger = logger
	}
	if so.Measures == nil {
		so.Measures = m
	}

	return &so
}

func (o *Options) routerOptions(c clock.Interface, logger log.Logger, m *metrics.Measures) *router.Options {
	ro := router.Options{}
	if o != nil && o.Router != nil {
		ro = *o.Router
	}

	if ro.Clock == nil {
		ro.Clock = c
	}
	if ro.Logger == nil {
		ro.Logger = logger
	}
	if ro.Measures == nil {
		ro.Measures = m
	}

	return &ro
}

func (o *Options) recoveryOptions(c clock.Interface, logger log.Logger, m *metrics.Measures) *recovery.Options {
	ro := recovery.Options{}
	if o != nil && o.Recovery != nil {
		ro = *o.Recovery
	}

	if ro.Clock == nil {
		ro.Clock = c
	}
	if ro.Logger == nil {
		ro.Logger = logger
	}
	if ro.Measures == nil {
		ro.Measures = m
	}

	return &ro
}

// New wires the broker's components.  Adaptors are attached afterward
// with AddAdaptor, using Acceptor as their session sink.
func New(o *Options) *Broker {
	var (
		c        = o.clock()
		logger   = o.logger()
		measures = o.measures()
	)

	devices := registry.New(registry.WithClock(c), registry.WithLogger(logger))
	subs := subscription.New(&subscription.Options{Logger: logger, Measures: measures})
	rt := router.New(o.routerOptions(c, logger, measures), devices, subs)
	sessions := session.NewManager(o.sessionOptions(c, logger, measures), rt)
	rt.Bind(sessions)

	supervisor := recovery.New(o.recoveryOptions(c, logger, measures), rt, devices, subs)
	rt.SetErrorSink(supervisor)

	return &Broker{
		heartbeatInterval: o.heartbeatInterval(),
		reapInterval:      o.reapInterval(),
		stopGrace:         o.stopGrace(),
		persister:         o.persister(),
		autosaveDelay:     o.autosaveDelay(),
		clock:             c,
		logger:            logger,
		devices:           devices,
		subs:              subs,
		router:            rt,
		sessions:          sessions,
		supervisor:        supervisor,
	}
}

// Broker is the assembled server.
type Broker struct {
	heartbeatInterval time.Duration
	reapInterval      time.Duration
	stopGrace         time.Duration
	persister         registry.Persister
	autosaveDelay     time.Duration
	clock             clock.Interface
	logger            log.Logger

	devices    *registry.Registry
	subs       *subscription.Manager
	router     *router.Router
	sessions   *session.Manager
	supervisor *recovery.Supervisor

	lock         sync.Mutex
	adaptors     []transport.Adaptor
	stopAutosave func()
	stop         chan struct{}
	wg           sync.WaitGroup
	started      bool
}

// Acceptor is the session sink to hand to transport adaptors.
func (b *Broker) Acceptor() transport.Acceptor { return b.sessions }

// Devices exposes the device registry.
func (b *Broker) Devices() *registry.Registry { return b.devices }

// Sessions exposes the session manager.
func (b *Broker) Sessions() *session.Manager { return b.sessions }

// Subscriptions exposes the subscription manager.
func (b *Broker) Subscriptions() *subscription.Manager { return b.subs }

// Router exposes the envelope router.
func (b *Broker) Router() *router.Router { return b.router }

// Supervisor exposes the error-recovery supervisor for strategy
// registration.
func (b *Broker) Supervisor() *recovery.Supervisor { return b.supervisor }

// AddAdaptor attaches a transport.  Adaptors added before Start are
// started by it; adaptors added later must be started by the caller.
func (b *Broker) AddAdaptor(a transport.Adaptor) {
	b.lock.Lock()
	b.adaptors = append(b.adaptors, a)
	b.lock.Unlock()
}

// Start restores persisted registry state, starts the attached
// adaptors, and launches the heartbeat and idle-reaping loops.
func (b *Broker) Start() error {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.started {
		return nil
	}

	if b.persister != nil {
		restored, err := b.devices.LoadFrom(b.persister)
		if err != nil {
			logging.Error(b.logger, logging.ErrorKey(), err).Log(
				logging.MessageKey(), "registry restore failed",
			)
		} else if restored > 0 {
			logging.Info(b.logger).Log(
				logging.MessageKey(), "registry restored",
				"devices", restored,
			)
		}

		b.stopAutosave = b.devices.EnableAutosave(b.persister, b.autosaveDelay, capacitor.WithClock(b.clock))
	}

	for i, a := range b.adaptors {
		if err := a.Start(); err != nil {
			for _, started := range b.adaptors[:i] {
				started.Stop(context.Background())
			}

			return err
		}

		logging.Info(b.logger).Log(logging.MessageKey(), "transport started", "transport", a.Tag())
	}

	b.stop = make(chan struct{})

	if b.heartbeatInterval > 0 {
		b.wg.Add(1)
		go b.heartbeatLoop()
	}

	b.wg.Add(1)
	go b.reapLoop()

	b.started = true
	return nil
}

// Stop shuts the broker down: adaptors first so no new peers arrive,
// then a parallel session drain bounded by the grace period.
func (b *Broker) Stop(ctx context.Context) error {
	b.lock.Lock()
	if !b.started {
		b.lock.Unlock()
		return nil
	}

	b.started = false
	adaptors := b.adaptors
	stopAutosave := b.stopAutosave
	b.stopAutosave = nil
	close(b.stop)
	b.lock.Unlock()

	var firstErr error
	for _, a := range adaptors {
		if err := a.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		b.sessions.StopAll()
	}()

	grace := time.NewTimer(b.stopGrace)
	defer grace.Stop()

	select {
	case <-drained:
	case <-grace.C:
		logging.Warn(b.logger).Log(logging.MessageKey(), "session drain exceeded grace period")
	case <-ctx.Done():
		if firstErr == nil {
			firstErr = ctx.Err()
		}
	}

	b.wg.Wait()
	b.router.Close()

	if stopAutosave != nil {
		stopAutosave()
	}

	return firstErr
}

// heartbeatLoop emits a heartbeat Event to every live session each
// interval.
func (b *Broker) heartbeatLoop() {
	defer b.wg.Done()

	ticker := b.clock.NewTicker(b.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			beat := envelope.NewEvent("", envelope.EventHeartbeat, nil, map[string]interface{}{
				"devices":  b.devices.Len(),
				"sessions": b.sessions.Len(),
			})
			beat.Priority = envelope.Low

			b.sessions.Each(func(s *session.Session) {
				if state := s.State(); state == session.Authenticated || state == session.Live {
					s.Send(beat)
				}
			})

		case <-b.stop:
			return
		}
	}
}

// reapLoop closes idle sessions on a fixed cadence.
func (b *Broker) reapLoop() {
	defer b.wg.Done()

	ticker := b.clock.NewTicker(b.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			b.sessions.ReapIdle()
		case <-b.stop:
			return
		}
	}
}
