package transport

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cuihairu/chirp/internal/metrics"
)

// Mode selects the session variant a Server produces.
type Mode int

const (
	ModeTCP Mode = iota
	ModeWebSocket
)

// Server accepts connections on one port and turns each into a session.
// Accept errors are logged and retried; only closing the listener stops the
// loop.
type Server struct {
	addr    string
	mode    Mode
	onFrame FrameHandler
	onClose CloseHandler
	logger  zerolog.Logger

	// Optional accept-burst limiter. Connections arriving over the limit
	// are closed immediately.
	limiter *rate.Limiter

	listener net.Listener
	closed   atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithAcceptLimit installs a token-bucket limit on accepted connections.
func WithAcceptLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewServer builds a listener-less server; Start binds the port.
func NewServer(addr string, mode Mode, onFrame FrameHandler, onClose CloseHandler, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		mode:    mode,
		onFrame: onFrame,
		onClose: onClose,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the TCP listener and launches the accept loop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.listener = ln
	s.logger.Info().Str("addr", s.addr).Bool("websocket", s.mode == ModeWebSocket).Msg("listening")
	go s.acceptLoop()
	return nil
}

// Addr returns the bound address, useful when the port was 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}

		if s.limiter != nil && !s.limiter.Allow() {
			s.logger.Warn().Str("remote", conn.RemoteAddr().String()).Msg("accept rate limit exceeded")
			conn.Close()
			continue
		}

		metrics.ConnectionsTotal.Inc()
		metrics.ConnectionsCurrent.Inc()
		onClose := func(sess Session) {
			metrics.ConnectionsCurrent.Dec()
			if s.onClose != nil {
				s.onClose(sess)
			}
		}

		switch s.mode {
		case ModeWebSocket:
			NewWSSession(conn, s.onFrame, onClose).Start()
		default:
			NewTCPSession(conn, s.onFrame, onClose).Start()
		}
	}
}

// Stop closes the listener. Live sessions are unaffected.
func (s *Server) Stop() {
	s.closed.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
}
