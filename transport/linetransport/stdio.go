package linetransport

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/astrocomm/broker/logging"
	"github.com/astrocomm/broker/transport"
	"github.com/go-kit/log"
)

// NewStdio constructs the stdio adaptor: a single peer speaking
// line-framed envelopes over stdin/stdout.  The reader and writer may
// be overridden for tests; nil selects os.Stdin/os.Stdout.
func NewStdio(o *transport.Options, acceptor transport.Acceptor, logger log.Logger) *Stdio {
	return NewStdioStreams(o, acceptor, nil, nil, logger)
}

// NewStdioStreams is NewStdio with explicit streams.
func NewStdioStreams(o *transport.Options, acceptor transport.Acceptor, in io.Reader, out io.Writer, logger log.Logger) *Stdio {
	if in == nil {
		in = os.Stdin
	}

	if out == nil {
		out = os.Stdout
	}

	if logger == nil {
		logger = logging.DefaultLogger()
	}

	return &Stdio{
		options:  o,
		acceptor: acceptor,
		in:       in,
		out:      out,
		logger:   logger,
	}
}

// Stdio is the single-peer stdio transport.  Reads happen on a
// dedicated goroutine, since stdin has no deadline support.
type Stdio struct {
	options  *transport.Options
	acceptor transport.Acceptor
	in       io.Reader
	out      io.Writer
	logger   log.Logger

	lock    sync.Mutex
	current *conn
	wg      sync.WaitGroup
	started bool
}

func (s *Stdio) Tag() transport.Tag {
	return transport.TagStdio
}

type stdioStream struct {
	io.Reader
	io.Writer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func (s *Stdio) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.started {
		return nil
	}

	closer := io.Closer(nopCloser{})
	if c, ok := s.in.(io.Closer); ok {
		closer = c
	}

	cn := newConn(stdioStream{s.in, s.out}, closer, s.options, transport.TagStdio, "stdio")
	s.current = cn
	s.started = true

	receiver, closed := s.acceptor.Accept(cn, cn.delivery())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		cn.readLoop(receiver, closed)
	}()

	logging.Info(s.logger).Log(logging.MessageKey(), "stdio transport started")
	return nil
}

func (s *Stdio) Stop(ctx context.Context) error {
	s.lock.Lock()
	if !s.started {
		s.lock.Unlock()
		return nil
	}

	s.started = false
	current := s.current
	s.current = nil
	s.lock.Unlock()

	current.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// the read goroutine may be pinned on stdin; it exits with
		// the process
		return ctx.Err()
	}
}
