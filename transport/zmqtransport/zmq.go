// Package zmqtransport provides the ZeroMQ transport adaptor.  Three
// socket pairings are supported: REQ/REP for synchronous
// command/response, PUB/SUB for event broadcast, and PUSH/PULL for
// telemetry pipelines.
package zmqtransport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/astrocomm/broker/logging"
	"github.com/astrocomm/broker/transport"
	"github.com/go-kit/log"
	"github.com/luxfi/zmq/v4"
)

// Pattern selects the socket type the adaptor runs.
type Pattern int

const (
	// Rep binds a REP socket: each inbound request is delivered to
	// the session layer, which must answer with exactly one Send.
	Rep Pattern = iota

	// Req dials a REQ socket: each Send is a request whose reply is
	// delivered back through the receiver.
	Req

	// Pub binds a PUB socket: Send broadcasts to all subscribers.
	// Nothing is received.
	Pub

	// Sub dials a SUB socket subscribed to everything: inbound
	// publications are delivered.  Send is not supported.
	Sub

	// Push dials a PUSH socket: Send distributes frames downstream.
	// Nothing is received.
	Push

	// Pull binds a PULL socket: inbound frames are delivered.  Send
	// is not supported.
	Pull
)

func (p Pattern) String() string {
	switch p {
	case Rep:
		return "rep"
	case Req:
		return "req"
	case Pub:
		return "pub"
	case Sub:
		return "sub"
	case Push:
		return "push"
	case Pull:
		return "pull"
	default:
		return fmt.Sprintf("pattern(%d)", int(p))
	}
}

func (p Pattern) receives() bool {
	switch p {
	case Rep, Sub, Pull:
		return true
	default:
		return false
	}
}

func (p Pattern) sends() bool {
	switch p {
	case Rep, Req, Pub, Push:
		return true
	default:
		return false
	}
}

// binds reports whether the adaptor listens (true) or dials (false).
func (p Pattern) binds() bool {
	switch p {
	case Rep, Pub, Pull:
		return true
	default:
		return false
	}
}

var errSendUnsupported = errors.New("zmq: pattern does not send")

// New constructs a ZeroMQ adaptor.  The Options endpoint carries the
// zmq address, e.g. "tcp://127.0.0.1:5555".
func New(o *transport.Options, pattern Pattern, acceptor transport.Acceptor, logger log.Logger) (*Adaptor, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = logging.DefaultLogger()
	}

	return &Adaptor{
		options:  o,
		pattern:  pattern,
		acceptor: acceptor,
		logger:   logger,
	}, nil
}

// Adaptor runs a single ZeroMQ socket in the configured pattern and
// surfaces it to the session layer as one connection.
type Adaptor struct {
	options  *transport.Options
	pattern  Pattern
	acceptor transport.Acceptor
	logger   log.Logger

	lock    sync.Mutex
	socket  zmq4.Socket
	conn    *zmqConn
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func (a *Adaptor) Tag() transport.Tag {
	return transport.TagZeroMQ
}

func (a *Adaptor) newSocket(ctx context.Context) zmq4.Socket {
	switch a.pattern {
	case Rep:
		return zmq4.NewRep(ctx)
	case Req:
		return zmq4.NewReq(ctx)
	case Pub:
		return zmq4.NewPub(ctx)
	case Sub:
		socket := zmq4.NewSub(ctx)
		socket.SetOption(zmq4.OptionSubscribe, "")
		return socket
	case Push:
		return zmq4.NewPush(ctx)
	default:
		return zmq4.NewPull(ctx)
	}
}

func (a *Adaptor) Start() error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.started {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	socket := a.newSocket(ctx)

	var err error
	if a.pattern.binds() {
		err = socket.Listen(a.options.Endpoint)
	} else {
		err = socket.Dial(a.options.Endpoint)
	}

	if err != nil {
		cancel()
		socket.Close()
		return err
	}

	conn := &zmqConn{
		socket:  socket,
		pattern: a.pattern,
		remote:  a.options.Endpoint,
		binary:  a.options.Binary,
	}

	receiver, closed := a.acceptor.Accept(conn, conn.delivery())
	conn.receiver = receiver

	a.socket = socket
	a.conn = conn
	a.cancel = cancel
	a.started = true

	if a.pattern.receives() {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.recvLoop(ctx, socket, conn, receiver, closed)
		}()
	}

	logging.Info(a.logger).Log(
		logging.MessageKey(), "zeromq transport started",
		"endpoint", a.options.Endpoint,
		"pattern", a.pattern.String(),
	)

	return nil
}

func (a *Adaptor) recvLoop(ctx context.Context, socket zmq4.Socket, conn *zmqConn, receiver transport.Receiver, closed func(error)) {
	for {
		msg, err := socket.Recv()
		if err != nil {
			select {
			case <-ctx.Done():
				closed(nil)
			default:
				closed(err)
			}

			return
		}

		d := conn.delivery()
		d.ReceivedAt = time.Now()
		receiver(msg.Bytes(), d)
	}
}

func (a *Adaptor) Stop(ctx context.Context) error {
	a.lock.Lock()
	if !a.started {
		a.lock.Unlock()
		return nil
	}

	a.started = false
	cancel := a.cancel
	socket := a.socket
	a.socket = nil
	a.conn = nil
	a.lock.Unlock()

	cancel()
	socket.Close()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// zmqConn adapts a zmq socket to transport.Conn.
type zmqConn struct {
	socket   zmq4.Socket
	pattern  Pattern
	remote   string
	binary   bool
	receiver transport.Receiver

	writeLock sync.Mutex
}

func (c *zmqConn) Send(frame []byte) error {
	if !c.pattern.sends() {
		return errSendUnsupported
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	if err := c.socket.Send(zmq4.NewMsg(frame)); err != nil {
		return err
	}

	// REQ sockets alternate strictly: the reply belongs to this
	// request and is delivered through the receiver.
	if c.pattern == Req {
		reply, err := c.socket.Recv()
		if err != nil {
			return err
		}

		d := c.delivery()
		d.ReceivedAt = time.Now()
		c.receiver(reply.Bytes(), d)
	}

	return nil
}

func (c *zmqConn) Close() error {
	return c.socket.Close()
}

func (c *zmqConn) RemoteAddr() string {
	return c.remote
}

func (c *zmqConn) delivery() transport.Delivery {
	return transport.Delivery{
		Tag:        transport.TagZeroMQ,
		RemoteAddr: c.remote,
		Binary:     c.binary,
	}
}
