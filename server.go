package rofsock

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Handler is the interface for handling incoming connections.
// Implementations should handle the connection lifecycle and message processing.
type Handler interface {
	// Handle is called in its own goroutine for each new connection.
	// ctx is canceled when the server stops.
	Handle(ctx context.Context, conn net.Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn net.Conn)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, conn net.Conn) {
	f(ctx, conn)
}

// Server accepts peers on a listener and hands each connection to a Handler.
type Server struct {
	listener        net.Listener
	logger          Logger
	shutdownTimeout time.Duration
	tlsConfig       *tls.Config

	mu          sync.Mutex
	shutdown    bool
	shutdownNow chan struct{} // signals immediate shutdown, bypassing timeout
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context is canceled, the server will wait up to this duration
// before closing the listener. Default is 0 (immediate shutdown).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// ServerTLSOption wraps accepted connections in TLS.
func ServerTLSOption(cfg *tls.Config) ServerOption {
	return func(s *Server) {
		s.tlsConfig = cfg
	}
}

// New creates a server listening on the TCP address addr.
// Returns an error if the address cannot be bound.
func New(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, errors.Wrap(err, "server: listen")
	}
	return NewWithListener(listener, opts...), nil
}

// NewWithListener creates a server that accepts on l.
func NewWithListener(l net.Listener, opts ...ServerOption) *Server {
	s := &Server{
		listener:    l,
		logger:      slog.Default(),
		shutdownNow: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.tlsConfig != nil {
		s.listener = tls.NewListener(s.listener, s.tlsConfig)
	}
	return s
}

// Serve starts accepting connections and dispatching them to the handler.
// It blocks until the context is canceled or an unrecoverable error occurs.
// If ServerShutdownTimeoutOption is set, the server waits up to that
// duration after cancellation before it stops accepting. Call Close() to
// bypass the timeout and shut down immediately.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	go func() {
		<-ctx.Done()

		if s.shutdownTimeout > 0 {
			s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
			select {
			case <-time.After(s.shutdownTimeout):
			case <-s.shutdownNow:
				s.logger.Debug("shutdown timeout bypassed via Close()")
			}
		}

		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			isShutdown := s.shutdown
			s.mu.Unlock()

			if isShutdown {
				s.logger.Info("server stopped", "addr", s.listener.Addr())
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return errors.Wrap(err, "server: accept")
		}

		s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}
		go handler.Handle(ctx, conn)
	}
}

// Close stops the server by closing the underlying listener.
// If a shutdown timeout is configured, Close() bypasses the remaining timeout.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	select {
	case s.shutdownNow <- struct{}{}:
	default:
	}

	return s.listener.Close()
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// SessionHandler runs every accepted connection as its own Session.
// The session stops when its connection closes or the server stops.
type SessionHandler struct {
	env  SessionEnvironment
	opts []Option

	mu       sync.Mutex
	sessions map[uint64]*Session
}

// NewSessionHandler returns a Handler creating sessions with opts that
// report to env.
func NewSessionHandler(env SessionEnvironment, opts ...Option) *SessionHandler {
	return &SessionHandler{
		env:      env,
		opts:     opts,
		sessions: make(map[uint64]*Session),
	}
}

// acceptedEnv ends the session's Run once its connection is gone, since
// an accepted connection is never redialed.
type acceptedEnv struct {
	SessionEnvironment
	cancel context.CancelFunc
}

func (e acceptedEnv) OnClosed(s *Session) {
	e.SessionEnvironment.OnClosed(s)
	e.cancel()
}

// Handle implements Handler.
func (h *SessionHandler) Handle(ctx context.Context, conn net.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s, err := NewSession(acceptedEnv{SessionEnvironment: h.env, cancel: cancel}, h.opts...)
	if err != nil {
		_ = conn.Close()
		return
	}

	h.mu.Lock()
	h.sessions[s.ID()] = s
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.sessions, s.ID())
		h.mu.Unlock()
	}()

	if err := s.Accept(conn); err != nil {
		return
	}
	_ = s.Run(ctx)
}

// Sessions returns the live sessions ordered by id.
func (h *SessionHandler) Sessions() []*Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID() < out[j].ID()
	})
	return out
}
