package wstransport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/astrocomm/broker/logging"
	"github.com/astrocomm/broker/transport"
	"github.com/go-kit/log"
	"github.com/gorilla/websocket"
	"gopkg.in/retry.v1"
)

// DefaultReconnectStrategy governs client-role redials: exponential
// growth from 500ms capped at 30s, ending after 10 attempts.
func DefaultReconnectStrategy() retry.Strategy {
	return retry.LimitCount(10, retry.Exponential{
		Initial:  500 * time.Millisecond,
		Factor:   2,
		MaxDelay: 30 * time.Second,
	})
}

// NewClient constructs a client-role WebSocket adaptor dialing the
// given URL, e.g. "ws://host:port/ws".
func NewClient(o *transport.Options, url string, acceptor transport.Acceptor, strategy retry.Strategy, logger log.Logger) (*Client, error) {
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
		url:      url,
		acceptor: acceptor,
		strategy: strategy,
		logger:   logger,
		dialer: &websocket.Dialer{
			HandshakeTimeout: o.WriteWait(),
			ReadBufferSize:   o.Buffer(),
			WriteBufferSize:  o.Buffer(),
		},
	}, nil
}

// Client maintains a single WebSocket connection to a remote broker,
// redialing with the configured retry strategy when it drops.
type Client struct {
	options  *transport.Options
	url      string
	acceptor transport.Acceptor
	strategy retry.Strategy
	logger   log.Logger
	dialer   *websocket.Dialer

	lock    sync.Mutex
	current *wsConn
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func (c *Client) Tag() transport.Tag {
	return transport.TagWebsocket
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
		ws := c.dial(ctx)
		if ws == nil {
			return
		}

		cn := newWSConn(ws, c.options)

		c.lock.Lock()
		c.current = cn
		c.lock.Unlock()

		receiver, closed := c.acceptor.Accept(cn, cn.delivery())

		go cn.pingLoop()

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

func (c *Client) dial(ctx context.Context) *websocket.Conn {
	for a := retry.StartWithCancel(c.strategy, nil, ctx.Done()); a.Next(); {
		ws, _, err := c.dialer.DialContext(ctx, c.url, http.Header{})
		if err == nil {
			return ws
		}

		logging.Warn(c.logger, logging.ErrorKey(), err).Log(
			logging.MessageKey(), "websocket dial failed", "url", c.url)
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
