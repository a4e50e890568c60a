package server

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/valyala/tcplisten"
	"golang.org/x/sync/errgroup"

	"github.com/halcyon-oss/coroproxy/internal/telemetry"
	"github.com/halcyon-oss/coroproxy/pkg/wire"
)

// DefaultIdleTimeout bounds how long a connection may sit without making
// read progress, on either the request head or body, before it is dropped.
const DefaultIdleTimeout = 60 * time.Second

// Option configures a Server at construction time, mirroring the DialOpt
// pattern used for the client-role WebSocket Conn.
type Option func(*Server)

// WithLogger overrides the Server's base logger, which is otherwise the
// global zerolog logger. Per-connection loggers are derived from it with a
// conn_id and remote_addr field attached.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.Logger = l
	}
}

// WithIdleTimeout overrides DefaultIdleTimeout. A timeout of zero disables
// idle eviction entirely.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.IdleTimeout = d
	}
}

// WithTLSConfig serves the listener over TLS using the given configuration.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(s *Server) {
		s.TLSConfig = cfg
	}
}

// WithReusePort binds the listen address with SO_REUSEPORT, letting
// multiple Server instances (e.g. one per CPU) share the same port instead
// of contending on one listener's accept queue.
func WithReusePort(enabled bool) Option {
	return func(s *Server) {
		s.ReusePort = enabled
	}
}

// WithMaxHeadBody overrides wire.MaxHeadBody as the combined head+body size
// cap this Server enforces before a request is handed to the Handler (the
// incremental parser in pkg/wire still enforces wire.MaxHeadBody as an
// absolute ceiling regardless of this setting).
func WithMaxHeadBody(n int64) Option {
	return func(s *Server) {
		s.MaxHeadBody = n
	}
}

// WithRecorder installs a telemetry.Recorder other than the default one
// New always constructs, letting multiple Servers share a single Recorder
// (and its CSV flush loop).
func WithRecorder(r *telemetry.Recorder) Option {
	return func(s *Server) {
		s.Recorder = r
	}
}

// Server is an embeddable HTTP/1.1 server with WebSocket upgrade support
// (§4). Unlike the teacher's fixed-size io_context thread pool, it runs one
// goroutine per accepted connection (§5) and leaves scheduling to the Go
// runtime.
type Server struct {
	// Handler dispatches every request/response round and every WebSocket
	// message on every connection accepted by this Server.
	Handler Handler

	Logger      zerolog.Logger
	IdleTimeout time.Duration
	TLSConfig   *tls.Config
	ReusePort   bool

	// MaxHeadBody overrides wire.MaxHeadBody when non-zero.
	MaxHeadBody int64

	// Recorder counts connection and request events. New always populates
	// this with a fresh telemetry.Recorder; override with WithRecorder to
	// share one across Servers.
	Recorder *telemetry.Recorder

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[*conn]struct{}
	closed    bool
	eg        errgroup.Group
}

// New constructs a Server around h. A Server constructed directly rather
// than through New is also valid: its zero Logger discards output, a zero
// IdleTimeout disables idle eviction, and a nil Recorder counts nothing.
func New(h Handler, opts ...Option) *Server {
	s := &Server{
		Handler:     h,
		Logger:      log.Logger,
		IdleTimeout: DefaultIdleTimeout,
		Recorder:    telemetry.New(),
		conns:       map[*conn]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// maxHeadBody returns the configured head+body size cap, or wire.MaxHeadBody
// if none was set via WithMaxHeadBody.
func (s *Server) maxHeadBody() int64 {
	if s.MaxHeadBody > 0 {
		return s.MaxHeadBody
	}
	return wire.MaxHeadBody
}

func (s *Server) listen(addr string) (net.Listener, error) {
	if s.ReusePort {
		cfg := &tcplisten.Config{ReusePort: true}
		ln, err := cfg.NewListener("tcp", addr)
		if err != nil {
			return nil, err
		}
		if s.TLSConfig != nil {
			ln = tls.NewListener(ln, s.TLSConfig)
		}
		return ln, nil
	}

	if s.TLSConfig != nil {
		return tls.Listen("tcp", addr, s.TLSConfig)
	}
	return net.Listen("tcp", addr)
}

// Serve accepts connections on addr until ctx is canceled or Shutdown is
// called, spawning one goroutine per accepted connection. It blocks until
// all connections have been closed.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := s.listen(addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return errClosed
	}
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	s.Logger.Info().Str("addr", addr).Bool("reuse_port", s.ReusePort).Msg("server listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	return s.acceptLoop(ctx, ln)
}

// acceptLoop accepts connections until the listener closes, spawning each
// connection's serving goroutine on s.eg so Shutdown can wait for every one
// of them to return via a single errgroup.Wait call.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		rwc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return s.eg.Wait()
			default:
			}
			if s.isClosed() {
				return s.eg.Wait()
			}
			s.Logger.Warn().Err(err).Msg("accept failed")
			continue
		}

		c := newConn(s, rwc)
		if !s.track(c) {
			_ = rwc.Close()
			continue
		}

		s.eg.Go(func() error {
			defer s.untrack(c)
			c.serve(ctx)
			return nil
		})
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.conns == nil {
		s.conns = map[*conn]struct{}{}
	}
	s.conns[c] = struct{}{}
	if s.Recorder != nil {
		s.Recorder.ConnectionOpened()
	}
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	if s.Recorder != nil {
		s.Recorder.ConnectionClosed()
	}
}

// Shutdown closes every listener and every open connection, then waits for
// their serving goroutines to return. It does not wait for in-flight
// responses to finish; callers wanting a graceful drain should cancel the
// Serve context first and give connections time to reach a natural
// keep-alive boundary before calling Shutdown.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	listeners := s.listeners
	s.listeners = nil
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, c := range conns {
		_ = c.rwc.Close()
	}

	_ = s.eg.Wait()
}
