package linetransport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/astrocomm/broker/logging"
	"github.com/astrocomm/broker/transport"
	"github.com/go-kit/log"
	"gopkg.in/retry.v1"
)

// NewServer constructs a TCP server adaptor.  Options must carry the
// listen endpoint.
func NewServer(o *transport.Options, acceptor transport.Acceptor, logger log.Logger) (*Server, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = logging.DefaultLogger()
	}

	return &Server{
		options:  o,
		acceptor: acceptor,
		logger:   logger,
	}, nil
}

// Server accepts line-framed TCP connections and hands each to the
// session layer.
type Server struct {
	options  *transport.Options
	acceptor transport.Acceptor
	logger   log.Logger

	lock     sync.Mutex
	listener net.Listener
	conns    map[*conn]struct{}
	wg       sync.WaitGroup
	started  bool
}

func (s *Server) Tag() transport.Tag {
	return transport.TagTCP
}

func (s *Server) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.started {
		return nil
	}

	listener, err := net.Listen("tcp", s.options.Endpoint)
	if err != nil {
		return err
	}

	s.listener = listener
	s.conns = make(map[*conn]struct{})
	s.started = true

	s.wg.Add(1)
	go s.acceptLoop(listener)

	logging.Info(s.logger).Log(logging.MessageKey(), "tcp transport started", "endpoint", s.options.Endpoint)
	return nil
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		raw, err := listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logging.Error(s.logger, logging.ErrorKey(), err).Log(logging.MessageKey(), "accept failed")
			}

			return
		}

		c := newConn(raw, raw, s.options, transport.TagTCP, raw.RemoteAddr().String())

		s.lock.Lock()
		if !s.started {
			s.lock.Unlock()
			c.Close()
			return
		}

		s.conns[c] = struct{}{}
		s.lock.Unlock()

		receiver, closed := s.acceptor.Accept(c, c.delivery())
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.readLoop(receiver, func(err error) {
				s.lock.Lock()
				delete(s.conns, c)
				s.lock.Unlock()
				closed(err)
			})
		}()
	}
}

// Stop closes the listener and every live connection, then waits for
// the read loops up to the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.lock.Lock()
	if !s.started {
		s.lock.Unlock()
		return nil
	}

	s.started = false
	listener := s.listener
	s.listener = nil
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.lock.Unlock()

	listener.Close()
	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DefaultReconnectStrategy governs client-role redials: exponential
// growth from 500ms capped at 30s, ending after 10 attempts.
func DefaultReconnectStrategy() retry.Strategy {
	return retry.LimitCount(10, retry.Exponential{
		Initial:  500 * time.Millisecond,
		Factor:   2,
		MaxDelay: 30 * time.Second,
	})
}

// NewClient constructs a client-role TCP adaptor that dials the
// configured endpoint and surfaces exactly one peer connection.
func NewClient(o *transport.Options, acceptor transport.Acceptor, strategy retry.Strategy, logger log.Logger) (*Client, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = logging.DefaultLogger()
	}

	if strategy == nil {
		strategy = DefaultReconnectStrategy()
	}

	return &Client{
		options:  o,
		acceptor: acceptor,
		strategy: strategy,
		logger:   logger,
	}, nil
}

// Client dials a remote broker over TCP, redialing with the configured
// retry strategy when the connection drops.
type Client struct {
	options  *transport.Options
	acceptor transport.Acceptor
	strategy retry.Strategy
	logger   log.Logger

	lock    sync.Mutex
	current *conn
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func (c *Client) Tag() transport.Tag {
	return transport.TagTCP
}

func (c *Client) Start() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.started {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.started = true

	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		raw := c.dial(ctx)
		if raw == nil {
			// attempts exhausted or shutdown requested
			return
		}

		cn := newConn(raw, raw, c.options, transport.TagTCP, raw.RemoteAddr().String())

		c.lock.Lock()
		c.current = cn
		c.lock.Unlock()

		receiver, closed := c.acceptor.Accept(cn, cn.delivery())

		terminal := make(chan error, 1)
		go cn.readLoop(receiver, func(err error) { terminal <- err })

		select {
		case err := <-terminal:
			closed(err)
		case <-ctx.Done():
			cn.Close()
			closed(<-terminal)
			return
		}

		c.lock.Lock()
		c.current = nil
		c.lock.Unlock()
	}
}

// dial attempts a connection under the retry strategy, returning nil
// when the attempt budget is spent or the context is cancelled.
func (c *Client) dial(ctx context.Context) net.Conn {
	for a := retry.StartWithCancel(c.strategy, nil, ctx.Done()); a.Next(); {
		raw, err := net.DialTimeout("tcp", c.options.Endpoint, c.options.WriteWait())
		if err == nil {
			return raw
		}

		logging.Warn(c.logger, logging.ErrorKey(), err).Log(
			logging.MessageKey(), "dial failed", "endpoint", c.options.Endpoint)
	}

	return nil
}

func (c *Client) Stop(ctx context.Context) error {
	c.lock.Lock()
	if !c.started {
		c.lock.Unlock()
		return nil
	}

	c.started = false
	cancel := c.cancel
	current := c.current
	c.lock.Unlock()

	cancel()
	if current != nil {
		current.Close()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
