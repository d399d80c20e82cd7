package grpctransport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/astrocomm/broker/logging"
	"github.com/astrocomm/broker/transport"
	"github.com/go-kit/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"
)

// ServiceName is the fully qualified gRPC service.
const ServiceName = "astrocomm.Broker"

// ExchangeFunc answers a single request envelope with a single
// response envelope.  It backs the unary Exchange RPC.
type ExchangeFunc func(ctx context.Context, request []byte) ([]byte, error)

// EventsFunc streams event envelopes for a subscription request until
// the context ends or it returns.  It backs the server-streaming
// Events RPC.
type EventsFunc func(ctx context.Context, request []byte, send func([]byte) error) error

// NewServer constructs the gRPC server adaptor.  Relay streams are
// handed to the acceptor as full-duplex connections; Exchange and
// Events delegate to the supplied functions.
func NewServer(o *transport.Options, acceptor transport.Acceptor, exchange ExchangeFunc, events EventsFunc, logger log.Logger) (*Server, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = logging.DefaultLogger()
	}

	return &Server{
		options:  o,
		acceptor: acceptor,
		exchange: exchange,
		events:   events,
		logger:   logger,
	}, nil
}

// Server exposes the broker service over gRPC.
type Server struct {
	options  *transport.Options
	acceptor transport.Acceptor
	exchange ExchangeFunc
	events   EventsFunc
	logger   log.Logger

	lock     sync.Mutex
	listener net.Listener
	server   *grpc.Server
	wg       sync.WaitGroup
	started  bool
}

func (s *Server) Tag() transport.Tag {
	return transport.TagGRPC
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

func (s *Server) serviceDesc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "Exchange",
				Handler:    s.exchangeHandler,
			},
		},
		Streams: []grpc.StreamDesc{
			{
				StreamName:    "Events",
				Handler:       s.eventsHandler,
				ServerStreams: true,
			},
			{
				StreamName:    "Relay",
				Handler:       s.relayHandler,
				ServerStreams: true,
				ClientStreams: true,
			},
		},
	}
}

func (s *Server) exchangeHandler(_ interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	request := new(Frame)
	if err := dec(request); err != nil {
		return nil, err
	}

	invoke := func(ctx context.Context, req interface{}) (interface{}, error) {
		response, err := s.exchange(ctx, req.(*Frame).Data)
		if err != nil {
			return nil, err
		}

		return &Frame{Data: response}, nil
	}

	if interceptor == nil {
		return invoke(ctx, request)
	}

	info := &grpc.UnaryServerInfo{FullMethod: "/" + ServiceName + "/Exchange"}
	return interceptor(ctx, request, info, invoke)
}

func (s *Server) eventsHandler(_ interface{}, stream grpc.ServerStream) error {
	request := new(Frame)
	if err := stream.RecvMsg(request); err != nil {
		return err
	}

	return s.events(stream.Context(), request.Data, func(frame []byte) error {
		return stream.SendMsg(&Frame{Data: frame})
	})
}

func (s *Server) relayHandler(_ interface{}, stream grpc.ServerStream) error {
	remote := "unknown"
	if p, ok := peer.FromContext(stream.Context()); ok {
		remote = p.Addr.String()
	}

	conn := &streamConn{
		stream: stream,
		remote: remote,
		binary: s.options.Binary,
		done:   make(chan struct{}),
	}

	receiver, closed := s.acceptor.Accept(conn, conn.delivery())

	for {
		frame := new(Frame)
		if err := stream.RecvMsg(frame); err != nil {
			conn.Close()
			if errors.Is(err, io.EOF) {
				closed(nil)
				return nil
			}

			closed(err)
			return err
		}

		d := conn.delivery()
		d.ReceivedAt = time.Now()
		receiver(frame.Data, d)
	}
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

	server := grpc.NewServer(
		grpc.ForceServerCodec(rawCodec{}),
		grpc.MaxRecvMsgSize(s.options.MaxFrame()),
		grpc.MaxSendMsgSize(s.options.MaxFrame()),
	)
	server.RegisterService(s.serviceDesc(), s)

	s.listener = listener
	s.server = server
	s.started = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := server.Serve(listener); err != nil {
			logging.Error(s.logger, logging.ErrorKey(), err).Log(logging.MessageKey(), "grpc server exited")
		}
	}()

	logging.Info(s.logger).Log(
		logging.MessageKey(), "grpc transport started",
		"endpoint", listener.Addr().String(),
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
	s.lock.Unlock()

	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		server.Stop()
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

// streamConn adapts a bidirectional Relay stream to transport.Conn.
type streamConn struct {
	stream grpc.ServerStream
	remote string
	binary bool

	writeLock sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (c *streamConn) Send(frame []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}

	return c.stream.SendMsg(&Frame{Data: frame})
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})

	return nil
}

func (c *streamConn) RemoteAddr() string {
	return c.remote
}

func (c *streamConn) delivery() transport.Delivery {
	return transport.Delivery{
		Tag:        transport.TagGRPC,
		RemoteAddr: c.remote,
		Binary:     c.binary,
	}
}
