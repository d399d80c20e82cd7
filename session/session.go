// Package session manages peer sessions: one per connected device or
// client, each owning an inbound decode path and an outbound writer
// goroutine over its queue.  Sessions gate the authentication
// handshake before envelopes reach the router.
package session

import (
	"errors"
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
)

var (
	// ErrNotWritable indicates the session no longer accepts outbound
	// envelopes.
	ErrNotWritable = errors.New("session: not writable")

	errAuthTimeout     = errors.New("session: authentication timeout")
	errAuthRequired    = errors.New("session: authentication required")
	errAuthDenied      = errors.New("session: authentication denied")
	errAuthRateLimited = errors.New("session: authentication rate limited")
	errDecodeThreshold = errors.New("session: too many decode failures")
)

// Listener receives session events.  The router implements this.
type Listener interface {
	// OnEnvelope is called for each decoded inbound envelope, in wire
	// order, after authentication gating and deduplication.
	OnEnvelope(s *Session, m *envelope.Message)

	// OnDeliveryFailure is called when the session's outbound queue
	// gives up on an envelope: retries exhausted, expiry, or
	// cancellation at session death.
	OnDeliveryFailure(s *Session, m *envelope.Message, reason queue.FailureReason)

	// OnClose is called exactly once when the session reaches Closed.
	OnClose(s *Session, err error)
}

// Session is one peer's connection state: identity, lifecycle state,
// outbound queue, and traffic counters.
type Session struct {
	conn     transport.Conn
	meta     transport.Delivery
	format   envelope.Format
	auth     auth.Authenticator
	queue    *queue.Queue
	dedup    *lru.Cache[string, struct{}]
	clock    clock.Interface
	logger   log.Logger
	measures metrics.Measures
	listener Listener
	stats    *Statistics

	decodeLimit  int
	drainTimeout time.Duration

	lock           sync.Mutex
	id             string
	role           Role
	state          State
	identity       string
	lastActivity   time.Time
	decodeFailures int

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// ID returns the session's peer id: the server-assigned id for
// clients, or the device id after Registration.
func (s *Session) ID() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.id
}

// Role returns whether the peer registered as a device.
func (s *Session) Role() Role {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.role
}

// State returns the session's lifecycle state.
func (s *Session) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

// Identity returns the authenticated identity, or "" before
// authentication completes.
func (s *Session) Identity() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.identity
}

// Transport returns the tag of the adaptor that accepted this peer.
func (s *Session) Transport() transport.Tag {
	return s.meta.Tag
}

// RemoteAddr returns the peer's transport-level address.
func (s *Session) RemoteAddr() string {
	return s.meta.RemoteAddr
}

// Format returns the negotiated wire format.
func (s *Session) Format() envelope.Format {
	return s.format
}

// Statistics returns the session's traffic counters.
func (s *Session) Statistics() *Statistics {
	return s.stats
}

// Queue exposes the outbound queue, primarily for drain inspection.
func (s *Session) Queue() *queue.Queue {
	return s.queue
}

// LastActivity returns the time of the most recent inbound envelope.
func (s *Session) LastActivity() time.Time {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.lastActivity
}

// Done is closed when the session reaches Closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// CloseReason returns the terminal error after Done is closed; nil for
// an orderly close.
func (s *Session) CloseReason() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closeErr
}

// Send posts an envelope to the outbound queue.  Backpressure and
// closed-queue errors are returned to the caller, which decides how to
// surface them to the peer.
func (s *Session) Send(m *envelope.Message) error {
	s.lock.Lock()
	writable := s.state != Closed && s.state != Draining
	s.lock.Unlock()

	if !writable {
		return ErrNotWritable
	}

	err := s.queue.Enqueue(m)
	if errors.Is(err, queue.ErrBackpressure) {
		s.measures.QueueReject.Add(1)
	}

	return err
}

// receive is the transport.Receiver for this session: decode, gate on
// authentication, deduplicate, and dispatch in wire order.
func (s *Session) receive(frame []byte, d transport.Delivery) {
	s.stats.AddBytesReceived(uint64(len(frame)))

	s.lock.Lock()
	if !s.state.CanReceive() {
		s.lock.Unlock()
		return
	}

	s.lastActivity = s.clock.Now()
	if s.state == Accepted {
		s.state = Authenticating
	}
	s.lock.Unlock()

	m, err := envelope.Decode(frame, s.format)
	if err != nil {
		s.decodeFailed(err)
		return
	}

	s.lock.Lock()
	s.decodeFailures = 0
	s.lock.Unlock()

	s.stats.AddMessagesReceived(1)
	s.measures.Received.Add(1)

	if s.State() == Authenticating {
		if s.handleAuthenticating(m) {
			return
		}
	}

	// duplicate suppression for ExactlyOnce receivers
	if m.QOS == envelope.ExactlyOnce && len(m.MessageID) > 0 {
		if _, seen := s.dedup.Get(m.MessageID); seen {
			s.stats.AddDuplicates(1)
			return
		}

		s.dedup.Add(m.MessageID, struct{}{})
	}

	// correlated Responses and Errors complete pending-ack entries in
	// addition to their normal routing
	if s.queue.AckFor(m) {
		s.measures.Acknowledged.Add(1)
	}

	s.promote(m)
	s.listener.OnEnvelope(s, m)
}

// handleAuthenticating consumes an envelope while the session awaits
// credentials.  It returns true when the envelope has been fully
// handled here.
func (s *Session) handleAuthenticating(m *envelope.Message) bool {
	if s.auth == nil {
		// authentication disabled: admit the peer under its address
		s.lock.Lock()
		s.state = Authenticated
		s.identity = s.meta.RemoteAddr
		s.lock.Unlock()

		if m.Type != envelope.AuthenticationType {
			return false
		}

		s.acceptAuth(m)
		return true
	}

	if m.Type != envelope.AuthenticationType {
		// transports without a connect handshake must authenticate
		// with their first envelope
		s.rejectNow(m, envelope.CodeUnauthenticated, "authentication required")
		s.terminate(errAuthRequired)
		return true
	}

	result := s.auth.Authenticate(m.Method, m.Credentials, s.meta.RemoteAddr)
	switch result.Status {
	case auth.Ok:
		s.lock.Lock()
		s.state = Authenticated
		s.identity = result.Identity
		s.lock.Unlock()

		s.acceptAuth(m)

	case auth.RateLimited:
		s.measures.AuthDenied.Add(1)
		s.rejectNow(m, envelope.CodeRateLimited, result.Reason)
		s.terminate(errAuthRateLimited)

	default:
		s.measures.AuthDenied.Add(1)
		logging.Warn(s.logger).Log(
			logging.MessageKey(), "authentication denied",
			"session", s.ID(),
			"remoteAddr", s.meta.RemoteAddr,
			"reason", result.Reason,
		)

		s.rejectNow(m, envelope.CodeUnauthenticated, result.Reason)
		s.terminate(errAuthDenied)
	}

	return true
}

// acceptAuth answers a successful handshake with a correlated Response.
func (s *Session) acceptAuth(m *envelope.Message) {
	if err := s.queue.Enqueue(envelope.NewResponse(m, "ok", nil)); err != nil {
		logging.Debug(s.logger, logging.ErrorKey(), err).Log(
			logging.MessageKey(), "could not enqueue auth response",
			"session", s.ID(),
		)
	}
}

// promote advances Authenticated sessions to Live: devices on their
// Registration, clients on any envelope.
func (s *Session) promote(m *envelope.Message) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.state != Authenticated {
		return
	}

	if m.Type == envelope.RegistrationType {
		s.role = DeviceRole
	}

	s.state = Live
}

func (s *Session) decodeFailed(err error) {
	s.stats.AddDecodeFailures(1)
	s.measures.DecodeFail.Add(1)

	logging.Warn(s.logger, logging.ErrorKey(), err).Log(
		logging.MessageKey(), "envelope decode failed",
		"session", s.ID(),
	)

	s.lock.Lock()
	s.decodeFailures++
	exceeded := s.decodeFailures >= s.decodeLimit
	s.lock.Unlock()

	if exceeded {
		s.rejectNow(nil, envelope.CodeInvalidEnvelope, err.Error())
		s.terminate(errDecodeThreshold)
		return
	}

	s.reject(nil, envelope.CodeInvalidEnvelope, err.Error())
}

// reject sends an Error envelope to the peer.  The original message
// may be nil when the failure was not attributable to one envelope.
func (s *Session) reject(m *envelope.Message, code, reason string) {
	var failure *envelope.Message
	if m != nil {
		failure = m.Fail(code, reason)
	} else {
		failure = envelope.NewError("", "", code, reason)
	}

	if err := s.queue.Enqueue(failure); err != nil {
		logging.Debug(s.logger, logging.ErrorKey(), err).Log(
			logging.MessageKey(), "could not enqueue error reply",
			"session", s.ID(),
		)
	}
}

// rejectNow writes an Error envelope directly, bypassing the queue.
// Used when the session is about to close and the queue would cancel
// the entry before the writer could flush it.
func (s *Session) rejectNow(m *envelope.Message, code, reason string) {
	var failure *envelope.Message
	if m != nil {
		failure = m.Fail(code, reason)
	} else {
		failure = envelope.NewError("", "", code, reason)
	}

	frame, err := envelope.Encode(failure, s.format)
	if err == nil {
		err = s.conn.Send(frame)
	}

	if err != nil {
		logging.Debug(s.logger, logging.ErrorKey(), err).Log(
			logging.MessageKey(), "could not deliver error reply",
			"session", s.ID(),
		)
	}
}

// writeLoop is the sole consumer of the outbound queue.  A write
// failure is fatal to the session; the queue fails remaining entries
// through its cancellation path.
func (s *Session) writeLoop() {
	for {
		entry, err := s.queue.Next()
		if err != nil {
			return
		}

		frame, err := envelope.Encode(entry.Message, s.format)
		if err != nil {
			s.queue.Sent(entry, err)
			logging.Error(s.logger, logging.ErrorKey(), err).Log(
				logging.MessageKey(), "envelope encode failed",
				"messageId", entry.Message.MessageID,
			)
			continue
		}

		err = s.conn.Send(frame)
		if err == nil {
			s.stats.AddBytesSent(uint64(len(frame)))
			s.stats.AddMessagesSent(1)
			s.measures.Sent.Add(1)
		} else {
			s.measures.Failed.Add(1)
		}

		s.queue.Sent(entry, err)
		if err != nil {
			s.terminate(err)
			return
		}
	}
}

// authWatchdog closes sessions that fail to authenticate within the
// deadline.
func (s *Session) authWatchdog(timeout time.Duration) {
	timer := s.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.done:
	case <-timer.C():
		s.lock.Lock()
		pending := s.state == Accepted || s.state == Authenticating
		s.lock.Unlock()

		if pending {
			s.terminate(errAuthTimeout)
		}
	}
}

// Stop drains the outbound queue up to the grace timeout, then closes.
func (s *Session) Stop() {
	s.lock.Lock()
	if s.state == Closed || s.state == Draining {
		s.lock.Unlock()
		return
	}

	s.state = Draining
	s.lock.Unlock()

	deadline := s.clock.Now().Add(s.drainTimeout)
	for s.clock.Now().Before(deadline) {
		if s.queue.Len() == 0 && s.queue.PendingAcks() == 0 {
			break
		}

		s.clock.Sleep(10 * time.Millisecond)
	}

	s.terminate(nil)
}

// terminate moves the session to Closed exactly once: the queue fails
// its remaining entries with CANCELLED, the connection is closed, and
// the listener is notified.
func (s *Session) terminate(err error) {
	s.closeOnce.Do(func() {
		s.lock.Lock()
		s.state = Closed
		s.closeErr = err
		s.lock.Unlock()

		s.queue.Close()
		s.conn.Close()
		close(s.done)

		s.listener.OnClose(s, err)
	})
}
