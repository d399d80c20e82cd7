// Package recovery applies configurable strategies to device-reported
// errors: ignore, retry, notify, restart, failover, or a custom
// callback.  The router hands it every correlated Error envelope in
// addition to the error's normal delivery to the client.
package recovery

import (
	"sync"
	"time"

	"github.com/astrocomm/broker/clock"
	"github.com/astrocomm/broker/envelope"
	"github.com/astrocomm/broker/logging"
	"github.com/astrocomm/broker/metrics"
	"github.com/astrocomm/broker/registry"
	"github.com/astrocomm/broker/subscription"
	"github.com/go-kit/log"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultHistorySize = 1000
	DefaultRetryLimit  = 3

	// RestartCommand is the command sent to a device by the
	// RestartDevice strategy.
	RestartCommand = "reset"
)

// Action is what the supervisor does with a matched error.
type Action int

const (
	Ignore Action = iota
	Retry
	Notify
	RestartDevice
	Failover
	Custom
)

func (a Action) String() string {
	switch a {
	case Ignore:
		return "ignore"
	case Retry:
		return "retry"
	case Notify:
		return "notify"
	case RestartDevice:
		return "restart"
	case Failover:
		return "failover"
	case Custom:
		return "custom"
	}

	return "unknown"
}

// CustomFunc is a registered callback for the Custom action.  Its
// return value reports whether the error is considered resolved.
// command is nil when the error did not correlate to a command.
type CustomFunc func(failure, command *envelope.Message) bool

// Strategy pairs an action with its action-specific settings.
type Strategy struct {
	Action Action

	// RetryLimit caps redispatches per command for the Retry action.
	// Zero selects DefaultRetryLimit.
	RetryLimit int

	// Handler services the Custom action.
	Handler CustomFunc
}

func (s Strategy) retryLimit() int {
	if s.RetryLimit > 0 {
		return s.RetryLimit
	}

	return DefaultRetryLimit
}

// Outcome is one history entry.
type Outcome struct {
	Time      time.Time `json:"time"`
	DeviceID  string    `json:"deviceId"`
	ErrorCode string    `json:"errorCode"`
	MessageID string    `json:"messageId"`
	Action    string    `json:"action"`
	Resolved  bool      `json:"resolved"`
}

// Dispatcher is the slice of the router the supervisor needs.
type Dispatcher interface {
	// EnqueueToDevice posts an envelope to a connected device.
	EnqueueToDevice(deviceID string, m *envelope.Message) error

	// Redispatch resends a command on behalf of its original client,
	// re-arming response correlation.
	Redispatch(clientID string, m *envelope.Message) error
}

// Options configures a Supervisor.
type Options struct {
	// Default is applied when neither a device-level nor a code-level
	// strategy matches.  The zero value is Ignore.
	Default Strategy

	// HistorySize bounds the outcome history.
	HistorySize int

	Clock    clock.Interface
	Logger   log.Logger
	Measures *metrics.Measures
}

func (o *Options) defaultStrategy() Strategy {
	if o != nil {
		return o.Default
	}

	return Strategy{}
}

func (o *Options) historySize() int {
	if o != nil && o.HistorySize > 0 {
		return o.HistorySize
	}

	return DefaultHistorySize
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

// deviceCode keys device-level strategy overrides.
type deviceCode struct {
	deviceID  string
	errorCode string
}

// New constructs a Supervisor over the dispatcher, registry, and
// subscription manager.
func New(o *Options, dispatcher Dispatcher, devices *registry.Registry, subs *subscription.Manager) *Supervisor {
	attempts, _ := lru.New[string, int](1024)

	return &Supervisor{
		fallback:    o.defaultStrategy(),
		historySize: o.historySize(),
		clock:       o.clock(),
		logger:      o.logger(),
		measures:    o.measures(),
		dispatcher:  dispatcher,
		devices:     devices,
		subs:        subs,
		byDevice:    make(map[deviceCode]Strategy),
		byCode:      make(map[string]Strategy),
		attempts:    attempts,
	}
}

// Supervisor implements the router's ErrorSink.
type Supervisor struct {
	historySize int
	clock       clock.Interface
	logger      log.Logger
	measures    metrics.Measures

	dispatcher Dispatcher
	devices    *registry.Registry
	subs       *subscription.Manager

	lock     sync.RWMutex
	fallback Strategy
	byDevice map[deviceCode]Strategy
	byCode   map[string]Strategy
	history  []Outcome

	// attempts tracks redispatch counts per command id for the Retry
	// action.  An LRU keeps the table bounded.
	attempts *lru.Cache[string, int]
}

// SetDefault replaces the fallback strategy.
func (sup *Supervisor) SetDefault(s Strategy) {
	sup.lock.Lock()
	sup.fallback = s
	sup.lock.Unlock()
}

// SetForCode installs a strategy for one error code on any device.
func (sup *Supervisor) SetForCode(errorCode string, s Strategy) {
	sup.lock.Lock()
	sup.byCode[errorCode] = s
	sup.lock.Unlock()
}

// SetForDevice installs a strategy for one error code on one device.
// Device-level entries take precedence over code-level ones.
func (sup *Supervisor) SetForDevice(deviceID, errorCode string, s Strategy) {
	sup.lock.Lock()
	sup.byDevice[deviceCode{deviceID, errorCode}] = s
	sup.lock.Unlock()
}

// strategyFor resolves (deviceId, errorCode) -> errorCode -> default.
func (sup *Supervisor) strategyFor(deviceID, errorCode string) Strategy {
	sup.lock.RLock()
	defer sup.lock.RUnlock()

	if s, ok := sup.byDevice[deviceCode{deviceID, errorCode}]; ok {
		return s
	}

	if s, ok := sup.byCode[errorCode]; ok {
		return s
	}

	return sup.fallback
}

// HandleError applies the matched strategy to one device error and
// records the outcome.
func (sup *Supervisor) HandleError(failure, command *envelope.Message, clientID string) {
	strategy := sup.strategyFor(failure.DeviceID, failure.ErrorCode)
	resolved := sup.apply(strategy, failure, command, clientID)

	logging.Debug(sup.logger).Log(
		logging.MessageKey(), "device error handled",
		"device", failure.DeviceID,
		"errorCode", failure.ErrorCode,
		"action", strategy.Action,
		"resolved", resolved,
	)

	sup.record(Outcome{
		Time:      sup.clock.Now(),
		DeviceID:  failure.DeviceID,
		ErrorCode: failure.ErrorCode,
		MessageID: failure.MessageID,
		Action:    strategy.Action.String(),
		Resolved:  resolved,
	})
}

func (sup *Supervisor) apply(strategy Strategy, failure, command *envelope.Message, clientID string) bool {
	switch strategy.Action {
	case Ignore:
		return true

	case Retry:
		return sup.retry(strategy, command, clientID)

	case Notify:
		notice := envelope.NewEvent(failure.DeviceID, envelope.EventErrorNotice, nil, map[string]interface{}{
			"errorCode":         failure.ErrorCode,
			"errorMessage":      failure.ErrorMessage,
			"originalMessageId": failure.OriginalMessageID,
		})
		notice.Priority = failure.Priority

		sup.subs.HandleEvent(notice)
		return true

	case RestartDevice:
		err := sup.dispatcher.EnqueueToDevice(failure.DeviceID, envelope.NewCommand(failure.DeviceID, RestartCommand, nil))
		if err != nil {
			logging.Warn(sup.logger, logging.ErrorKey(), err).Log(
				logging.MessageKey(), "device restart failed",
				"device", failure.DeviceID,
			)
		}

		return err == nil

	case Failover:
		sup.devices.SetConnected(failure.DeviceID, false)
		sup.subs.HandleEvent(envelope.NewEvent(failure.DeviceID, envelope.EventDeviceFailover, nil, map[string]interface{}{
			"errorCode": failure.ErrorCode,
		}))

		return true

	case Custom:
		if strategy.Handler == nil {
			return false
		}

		return strategy.Handler(failure, command)
	}

	return false
}

// retry redispatches the failed command until the per-command attempt
// cap is reached.
func (sup *Supervisor) retry(strategy Strategy, command *envelope.Message, clientID string) bool {
	if command == nil {
		return false
	}

	used, _ := sup.attempts.Get(command.MessageID)
	if used >= strategy.retryLimit() {
		sup.attempts.Remove(command.MessageID)
		return false
	}

	if err := sup.dispatcher.Redispatch(clientID, command); err != nil {
		logging.Warn(sup.logger, logging.ErrorKey(), err).Log(
			logging.MessageKey(), "command retry failed",
			"device", command.DeviceID,
			"messageId", command.MessageID,
		)

		return false
	}

	sup.attempts.Add(command.MessageID, used+1)
	return true
}

// record appends an outcome, evicting the oldest beyond the bound.
func (sup *Supervisor) record(o Outcome) {
	sup.lock.Lock()
	defer sup.lock.Unlock()

	sup.history = append(sup.history, o)
	if len(sup.history) > sup.historySize {
		sup.history = sup.history[len(sup.history)-sup.historySize:]
	}
}

// History snapshots the recorded outcomes, oldest first.
func (sup *Supervisor) History() []Outcome {
	sup.lock.RLock()
	defer sup.lock.RUnlock()

	out := make([]Outcome, len(sup.history))
	copy(out, sup.history)
	return out
}
