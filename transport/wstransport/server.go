package wstransport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/astrocomm/broker/logging"
	"github.com/astrocomm/broker/transport"
	"github.com/go-kit/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/justinas/alice"
)

// DefaultPath is the upgrade endpoint served by the WebSocket adaptor.
const DefaultPath = "/ws"

// NewServer constructs a WebSocket server adaptor listening on the
// Options endpoint and upgrading requests at path (DefaultPath when
// empty).
func NewServer(o *transport.Options, path string, acceptor transport.Acceptor, logger log.Logger) (*Server, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}

	if path == "" {
		path = DefaultPath
	}

	if logger == nil {
		logger = logging.DefaultLogger()
	}

	s := &Server{
		options:  o,
		path:     path,
		acceptor: acceptor,
		logger:   logger,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: o.ReadWait(),
			ReadBufferSize:   o.Buffer(),
			WriteBufferSize:  o.Buffer(),
		},
	}

	router := mux.NewRouter()
	router.Handle(path, alice.New(s.logConnect).ThenFunc(s.upgrade)).Methods("GET")
	s.router = router

	return s, nil
}

// Server upgrades HTTP requests to WebSocket connections and hands each
// to the session layer.
type Server struct {
	options  *transport.Options
	path     string
	acceptor transport.Acceptor
	logger   log.Logger
	upgrader websocket.Upgrader
	router   *mux.Router

	lock     sync.Mutex
	listener net.Listener
	server   *http.Server
	conns    map[*wsConn]struct{}
	wg       sync.WaitGroup
	started  bool
}

func (s *Server) Tag() transport.Tag {
	return transport.TagWebsocket
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

func (s *Server) logConnect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(response http.ResponseWriter, request *http.Request) {
		logging.Debug(s.logger).Log(
			logging.MessageKey(), "websocket upgrade request",
			"remoteAddr", request.RemoteAddr,
		)

		next.ServeHTTP(response, request)
	})
}

func (s *Server) upgrade(response http.ResponseWriter, request *http.Request) {
	ws, err := s.upgrader.Upgrade(response, request, nil)
	if err != nil {
		// Upgrade already writes to the response
		logging.Error(s.logger, logging.ErrorKey(), err).Log(logging.MessageKey(), "upgrade failed")
		return
	}

	c := newWSConn(ws, s.options)

	s.lock.Lock()
	if !s.started {
		s.lock.Unlock()
		c.Close()
		return
	}

	s.conns[c] = struct{}{}
	s.lock.Unlock()

	receiver, closed := s.acceptor.Accept(c, c.delivery())

	go c.pingLoop()
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
	s.server = &http.Server{Handler: s.router}
	s.conns = make(map[*wsConn]struct{})
	s.started = true

	s.wg.Add(1)
	go func(server *http.Server) {
		defer s.wg.Done()
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(s.logger, logging.ErrorKey(), err).Log(logging.MessageKey(), "websocket server exited")
		}
	}(s.server)

	logging.Info(s.logger).Log(
		logging.MessageKey(), "websocket transport started",
		"endpoint", listener.Addr().String(),
		"path", s.path,
	)

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.lock.Lock()
	if !s.started {
		s.lock.Unlock()
		return nil
	}

	s.started = false
	server := s.server
	s.server = nil
	s.listener = nil
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.lock.Unlock()

	server.Shutdown(ctx)
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
