// Package router dispatches envelopes between peer sessions: commands
// to devices, correlated responses back to clients, events to the
// subscription fan-out, and registrations into the device registry.
package router

import (
	"errors"
	"reflect"
	"time"

	"github.com/astrocomm/broker/clock"
	"github.com/astrocomm/broker/envelope"
	"github.com/astrocomm/broker/logging"
	"github.com/astrocomm/broker/metrics"
	"github.com/astrocomm/broker/queue"
	"github.com/astrocomm/broker/registry"
	"github.com/astrocomm/broker/session"
	"github.com/astrocomm/broker/subscription"
	"github.com/go-kit/log"
	"github.com/spf13/cast"
)

const DefaultCommandTimeout = 10 * time.Second

// errDeviceUnavailable is returned by EnqueueToDevice when the target
// has no live session.
var errDeviceUnavailable = errors.New("router: device unavailable")

// ErrorSink observes Error envelopes correlated to commands, in
// addition to their normal delivery.  The recovery supervisor
// implements this.  command and clientID are zero when the error did
// not correlate to a pending command.
type ErrorSink interface {
	HandleError(failure *envelope.Message, command *envelope.Message, clientID string)
}

// Options configures a Router.
type Options struct {
	// CommandTimeout is the deadline for a device to answer a
	// dispatched Command.
	CommandTimeout time.Duration

	// AllowedCommands restricts the commands the broker forwards when
	// EnableCommandFiltering is set.  The reserved subscription
	// commands are always accepted.
	AllowedCommands []string

	// EnableCommandFiltering turns the AllowedCommands filter on.
	EnableCommandFiltering bool

	Clock    clock.Interface
	Logger   log.Logger
	Measures *metrics.Measures
}

func (o *Options) commandTimeout() time.Duration {
	if o != nil && o.CommandTimeout > 0 {
		return o.CommandTimeout
	}

	return DefaultCommandTimeout
}

func (o *Options) allowedCommands() map[string]struct{} {
	if o == nil || !o.EnableCommandFiltering {
		return nil
	}

	allowed := make(map[string]struct{}, len(o.AllowedCommands))
	for _, command := range o.AllowedCommands {
		allowed[command] = struct{}{}
	}

	return allowed
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

// New constructs a Router over the registry and subscription manager.
// Bind must be called with the session manager before traffic flows.
func New(o *Options, devices *registry.Registry, subs *subscription.Manager) *Router {
	r := &Router{
		commandTimeout: o.commandTimeout(),
		allowed:        o.allowedCommands(),
		clock:          o.clock(),
		logger:         o.logger(),
		measures:       o.measures(),
		devices:        devices,
		subs:           subs,
	}

	r.pending = newPendingTable(r.clock, r.expirePending)
	return r
}

// Router implements session.Listener.
type Router struct {
	commandTimeout time.Duration

	// allowed is the command filter; nil means filtering is off
	allowed map[string]struct{}

	clock          clock.Interface
	logger         log.Logger
	measures       metrics.Measures

	devices  *registry.Registry
	subs     *subscription.Manager
	sessions *session.Manager
	pending  *pendingTable
	sink     ErrorSink
}

var _ session.Listener = (*Router)(nil)

// Bind attaches the session manager.  Construction is two-phase
// because the manager needs the router as its listener.
func (r *Router) Bind(sessions *session.Manager) {
	r.sessions = sessions
}

// SetErrorSink attaches the recovery supervisor.
func (r *Router) SetErrorSink(sink ErrorSink) {
	r.sink = sink
}

// Close stops the deadline timer.
func (r *Router) Close() {
	r.pending.close()
}

// PendingCommands returns the number of commands awaiting responses.
func (r *Router) PendingCommands() int {
	return r.pending.len()
}

// OnEnvelope dispatches one inbound envelope.  Sessions call this in
// wire order.
func (r *Router) OnEnvelope(s *session.Session, m *envelope.Message) {
	switch m.Type {
	case envelope.CommandType:
		r.dispatchCommand(s, m)
	case envelope.ResponseType:
		r.handleResponse(s, m)
	case envelope.ErrorType:
		r.handleError(s, m)
	case envelope.EventType:
		r.handleEvent(s, m)
	case envelope.RegistrationType:
		r.handleRegistration(s, m)
	case envelope.DiscoveryRequestType:
		r.handleDiscovery(s, m)
	default:
		// DiscoveryResponse and Authentication envelopes terminate at
		// the broker
		r.drop(m, "unroutable envelope type")
	}
}

// OnDeliveryFailure surfaces a queue giving up on an outbound
// envelope.  A failed Command completes its pending correlation and
// the originating client receives the mapped Error immediately, rather
// than waiting out the response deadline.
func (r *Router) OnDeliveryFailure(s *session.Session, m *envelope.Message, reason queue.FailureReason) {
	if m.Type != envelope.CommandType {
		r.drop(m, "delivery failed: "+reason.String())
		return
	}

	entry, ok := r.pending.complete(m.MessageID)
	if !ok {
		r.drop(m, "delivery failed: "+reason.String())
		return
	}

	logging.Warn(r.logger).Log(
		logging.MessageKey(), "command delivery failed",
		"messageId", m.MessageID,
		"device", m.DeviceID,
		"reason", reason,
	)

	r.forwardToClient(entry.clientID, m.Fail(reason.Code(), "delivery failed: "+reason.String()))
}

// OnClose tears down routing state tied to the session.
func (r *Router) OnClose(s *session.Session, err error) {
	r.subs.ClearFor(s.ID())

	if s.Role() == session.DeviceRole && r.devices.Connected(s.ID()) {
		r.devices.SetConnected(s.ID(), false)
		r.measures.Devices.Add(-1)

		logging.Info(r.logger).Log(
			logging.MessageKey(), "device disconnected",
			"device", s.ID(),
			logging.ErrorKey(), err,
		)
	}
}

// EnqueueToDevice posts an envelope to a connected device's session.
// The recovery supervisor uses this for reset commands.
func (r *Router) EnqueueToDevice(deviceID string, m *envelope.Message) error {
	target, ok := r.sessions.Get(deviceID)
	if !ok || !r.devices.Connected(deviceID) {
		return errDeviceUnavailable
	}

	return target.Send(m)
}

// Redispatch re-enters a command into the dispatch path on behalf of
// the client that originally issued it, re-arming the response
// correlation under the command's existing message id.  The recovery
// supervisor uses this for the retry strategy.
func (r *Router) Redispatch(clientID string, m *envelope.Message) error {
	target, ok := r.sessions.Get(m.DeviceID)
	if !ok || !r.devices.Connected(m.DeviceID) {
		return errDeviceUnavailable
	}

	deadline := r.clock.Now().Add(r.commandTimeout)
	if !r.pending.register(m, clientID, deadline) {
		return errors.New("router: command still pending: " + m.MessageID)
	}

	if err := target.Send(m); err != nil {
		r.pending.complete(m.MessageID)
		return err
	}

	return nil
}

// Commands handled by the broker itself rather than forwarded to the
// device.  They manage the sender's subscriptions for the addressed
// device.
const (
	CommandSubscribeEvent      = "subscribe_event"
	CommandUnsubscribeEvent    = "unsubscribe_event"
	CommandSubscribeProperty   = "subscribe_property"
	CommandUnsubscribeProperty = "unsubscribe_property"
)

// handleSubscription services the reserved subscription commands.  It
// returns false when the command is not one of them.
func (r *Router) handleSubscription(s *session.Session, m *envelope.Message) bool {
	switch m.Command {
	case CommandSubscribeEvent:
		r.subs.SubscribeEvent(s, m.DeviceID, cast.ToString(m.Parameters["event"]))
	case CommandUnsubscribeEvent:
		r.subs.UnsubscribeEvent(s, m.DeviceID, cast.ToString(m.Parameters["event"]))
	case CommandSubscribeProperty:
		r.subs.SubscribeProperty(s, m.DeviceID, cast.ToString(m.Parameters["property"]))
	case CommandUnsubscribeProperty:
		r.subs.UnsubscribeProperty(s, m.DeviceID, cast.ToString(m.Parameters["property"]))
	default:
		return false
	}

	r.replyTo(s, envelope.NewResponse(m, "ok", nil))
	return true
}

// dispatchCommand routes a client Command to its device, registering
// the correlation before the write so a fast response cannot race it.
func (r *Router) dispatchCommand(s *session.Session, m *envelope.Message) {
	if r.handleSubscription(s, m) {
		return
	}

	if r.allowed != nil {
		if _, ok := r.allowed[m.Command]; !ok {
			r.replyTo(s, m.Fail(envelope.CodeUnsupportedCommand, "command not allowed: "+m.Command))
			return
		}
	}

	record, ok := r.devices.Get(m.DeviceID)
	if !ok || !record.Connected {
		r.replyTo(s, m.Fail(envelope.CodeDeviceUnavailable, "device not connected: "+m.DeviceID))
		return
	}

	target, ok := r.sessions.Get(m.DeviceID)
	if !ok {
		r.replyTo(s, m.Fail(envelope.CodeDeviceUnavailable, "device not connected: "+m.DeviceID))
		return
	}

	if !commandSupported(record.DeviceInfo, m.Command) {
		r.replyTo(s, m.Fail(envelope.CodeUnsupportedCommand, "command not in device capabilities: "+m.Command))
		return
	}

	deadline := r.clock.Now().Add(r.commandTimeout)
	if !r.pending.register(m, s.ID(), deadline) {
		r.drop(m, "duplicate command id")
		return
	}

	if err := target.Send(m); err != nil {
		r.pending.complete(m.MessageID)
		r.replyTo(s, m.Fail(envelope.CodeBackpressure, err.Error()))
	}
}

// commandSupported applies capability filtering: a device that
// declares capabilities only receives commands it listed.
func commandSupported(info envelope.DeviceInfo, command string) bool {
	if len(info.Capabilities) == 0 {
		return true
	}

	for _, capability := range info.Capabilities {
		if capability == command {
			return true
		}
	}

	return false
}

// handleResponse forwards a device Response to the originating client
// and synthesizes property_changed events for any property diffs.
func (r *Router) handleResponse(s *session.Session, m *envelope.Message) {
	r.devices.Touch(s.ID())
	r.diffProperties(s.ID(), m)

	entry, ok := r.pending.complete(m.OriginalMessageID)
	if !ok {
		r.drop(m, "no pending correlation")
		return
	}

	r.forwardToClient(entry.clientID, m)
}

// handleError forwards a device Error like a Response and additionally
// hands it to the recovery supervisor.
func (r *Router) handleError(s *session.Session, m *envelope.Message) {
	r.devices.Touch(s.ID())

	entry, ok := r.pending.complete(m.OriginalMessageID)
	if ok {
		r.forwardToClient(entry.clientID, m)
	} else {
		r.drop(m, "no pending correlation")
	}

	if r.sink != nil {
		var (
			command  *envelope.Message
			clientID string
		)
		if ok {
			command = entry.command
			clientID = entry.clientID
		}

		r.sink.HandleError(m, command, clientID)
	}
}

// handleEvent updates presence and fans the event out to subscribers.
func (r *Router) handleEvent(s *session.Session, m *envelope.Message) {
	r.devices.Touch(m.DeviceID)
	r.subs.HandleEvent(m)
}

// handleRegistration applies the device Registration, renaming the
// session to the device id.  A later registration wins only when the
// earlier session is closed.
func (r *Router) handleRegistration(s *session.Session, m *envelope.Message) {
	info := m.DeviceInfo
	if info == nil || info.ID == "" {
		r.replyTo(s, m.Fail(envelope.CodeInvalidEnvelope, "registration without device info"))
		return
	}

	if !r.sessions.Rename(s, info.ID) {
		logging.Warn(r.logger).Log(
			logging.MessageKey(), "duplicate registration rejected",
			"device", info.ID,
		)

		r.replyTo(s, m.Fail(envelope.CodeDuplicateRegistration, "device already connected: "+info.ID))
		return
	}

	if !r.devices.Register(*info) {
		// the registry still holds a connected record; treat as duplicate
		r.replyTo(s, m.Fail(envelope.CodeDuplicateRegistration, "device already registered: "+info.ID))
		return
	}

	r.devices.SetConnected(info.ID, true)
	r.measures.Devices.Add(1)

	logging.Info(r.logger).Log(
		logging.MessageKey(), "device registered",
		"device", info.ID,
		"type", info.Type,
		"transport", s.Transport(),
	)

	r.replyTo(s, envelope.NewResponse(m, "ok", nil))
}

// handleDiscovery answers from the registry without touching devices.
func (r *Router) handleDiscovery(s *session.Session, m *envelope.Message) {
	devices := r.devices.List(m.DeviceTypes...)
	r.replyTo(s, envelope.NewDiscoveryResponse(m, devices))
}

// diffProperties stores any properties carried by a Response and fans
// out property_changed events for keys whose values differ.  The first
// observation of a property only seeds the cache.
func (r *Router) diffProperties(deviceID string, m *envelope.Message) {
	for name, value := range m.Properties {
		previous, existed, ok := r.devices.SetProperty(deviceID, name, value)
		if !ok {
			continue
		}

		if !existed || reflect.DeepEqual(previous, value) {
			continue
		}

		change := envelope.NewEvent(deviceID, envelope.EventPropertyChanged, nil, map[string]interface{}{
			"property": name,
			"value":    value,
			"old":      previous,
		})
		change.Priority = m.Priority

		r.subs.HandleEvent(change)
	}
}

// expirePending synthesizes a TIMEOUT Error back to the client whose
// command went unanswered.
func (r *Router) expirePending(entry *pendingEntry) {
	failure := entry.command.Fail(envelope.CodeTimeout, "device did not respond")
	r.forwardToClient(entry.clientID, failure)

	logging.Warn(r.logger).Log(
		logging.MessageKey(), "command deadline expired",
		"messageId", entry.command.MessageID,
		"device", entry.command.DeviceID,
	)
}

func (r *Router) forwardToClient(clientID string, m *envelope.Message) {
	if clientID == "" {
		// broker-originated command; nothing to forward
		return
	}

	target, ok := r.sessions.Get(clientID)
	if !ok {
		r.drop(m, "client session gone")
		return
	}

	if err := target.Send(m); err != nil {
		r.drop(m, err.Error())
	}
}

// replyTo sends an immediate reply to the envelope's sender.
func (r *Router) replyTo(s *session.Session, m *envelope.Message) {
	if err := s.Send(m); err != nil {
		r.drop(m, err.Error())
	}
}

func (r *Router) drop(m *envelope.Message, reason string) {
	r.measures.RoutingDrop.Add(1)
	logging.Debug(r.logger).Log(
		logging.MessageKey(), "envelope dropped",
		"messageId", m.MessageID,
		"type", m.Type,
		"reason", reason,
	)
}
