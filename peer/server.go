package peer

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// Handler handles accepted connections. It owns conn and must close it.
type Handler interface {
	Handle(conn net.Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(conn net.Conn)

// Handle calls f.
func (f HandlerFunc) Handle(conn net.Conn) { f(conn) }

// deadliner is implemented by the listeners of the net package.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// Server accepts clients and dispatches them to a Handler.
type Server struct {
	listener        net.Listener
	logger          Logger
	shutdownTimeout time.Duration

	mu          sync.Mutex
	shutdown    bool
	shutdownNow chan struct{} // bypasses the shutdown timeout
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption delays closing the listener by timeout after
// the serving context is canceled. Close skips the remaining delay.
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// New listens on address. For unix networks a stale socket file left by an
// earlier run is removed first.
func New(network, address string, opts ...ServerOption) (*Server, error) {
	if strings.HasPrefix(network, "unix") {
		removeStaleSocket(network, address)
	}

	listener, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}

	s := &Server{
		listener:    listener,
		logger:      slog.Default(),
		shutdownNow: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

func removeStaleSocket(network, path string) {
	fi, err := os.Lstat(path)
	if err != nil || fi.Mode()&os.ModeSocket == 0 {
		return
	}
	if c, err := net.Dial(network, path); err == nil {
		c.Close()
		return
	}
	_ = os.Remove(path)
}

// Serve accepts connections and runs handler for each in its own goroutine.
// It returns ctx.Err() once ctx is canceled and the listener has stopped.
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

		if d, ok := s.listener.(deadliner); ok {
			_ = d.SetDeadline(time.Now())
			return
		}
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
				return net.ErrClosed
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return err
		}

		s.logger.Debug("accepted connection", "addr", s.listener.Addr())
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}
		go handler.Handle(conn)
	}
}

// Close stops the server immediately, skipping any shutdown timeout.
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
