package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aeolun/offmsg/pkg/database"
	"github.com/aeolun/offmsg/pkg/protocol"
)

// Server is the messenger server
type Server struct {
	store      database.Store
	config     ServerConfig
	dispatcher *Dispatcher
	sessions   *SessionManager
	metrics    *Metrics
	events     EventLog
	startTime  time.Time

	listener      net.Listener
	httpServer    *http.Server
	metricsServer *http.Server

	// ctx is cancelled on Stop so blocked store calls and limiter waits return
	ctx    context.Context
	cancel context.CancelFunc

	shutdown chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex // Protects stopping and orders session creation against Stop
	stopping bool
	stopOnce sync.Once
}

// Option configures a Server
type Option func(*Server)

// WithEventLog sends one audit event per handled request to events
func WithEventLog(events EventLog) Option {
	return func(s *Server) {
		s.events = events
	}
}

// NewServer creates a server over store. The server owns store and event
// log from here on and closes both in Stop.
func NewServer(store database.Store, config ServerConfig, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		store:      store,
		config:     config,
		dispatcher: NewDispatcher(store, Limits{MaxMessageLength: config.MaxMessageLength, MaxNameLength: config.MaxNameLength}),
		sessions:   NewSessionManager(config.RequestsPerSecond, config.RequestBurst),
		events:     NopEventLog{},
		ctx:        ctx,
		cancel:     cancel,
		shutdown:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	s.sessions.SetMetrics(s.metrics)
	return s
}

// Start opens the TCP listener, plus the WebSocket and metrics endpoints
// when their ports are configured, and begins accepting connections
func (s *Server) Start() error {
	s.startTime = time.Now()

	addr := net.JoinHostPort(s.config.BindAddress, fmt.Sprint(s.config.TCPPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	logger.Info().Str("addr", listener.Addr().String()).Msg("TCP server listening")

	if s.config.HTTPPort > 0 {
		if err := s.startHTTPServer(); err != nil {
			s.listener.Close()
			return err
		}
	}

	// Internal only, never expose publicly
	if s.config.MetricsPort > 0 {
		s.metricsServer = &http.Server{
			Addr:              net.JoinHostPort(s.config.BindAddress, fmt.Sprint(s.config.MetricsPort)),
			Handler:           s.MetricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", s.metricsServer.Addr).Msg("metrics server listening (/metrics, /health)")
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

func (s *Server) startHTTPServer() error {
	addr := net.JoinHostPort(s.config.BindAddress, fmt.Sprint(s.config.HTTPPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", ln.Addr().String()).Msg("WebSocket server listening (/ws)")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("WebSocket server error")
		}
	}()
	return nil
}

// MetricsMux serves /metrics and /health
func (s *Server) MetricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/health", s.HealthHandler)
	return mux
}

type healthStatus struct {
	Status        string  `json:"status"`
	Sessions      int     `json:"sessions"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// HealthHandler reports liveness and the number of connected sessions
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := healthStatus{
		Status:   "ok",
		Sessions: s.sessions.Count(),
	}
	if !s.startTime.IsZero() {
		status.UptimeSeconds = time.Since(s.startTime).Seconds()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		logger.Debug().Err(err).Msg("failed to write health response")
	}
}

// Addr returns the TCP listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Sessions exposes the session manager
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		err = s.stop()
	})
	return err
}

func (s *Server) stop() error {
	logger.Info().Msg("graceful shutdown initiated")

	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	close(s.shutdown)
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("WebSocket server shutdown")
		}
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("metrics server shutdown")
		}
	}

	logger.Info().Int("sessions", s.sessions.Count()).Msg("closing client sessions")
	s.sessions.CloseAll()

	s.wg.Wait()

	if err := s.events.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close audit log")
	}
	if err := s.store.Close(); err != nil {
		logger.Error().Err(err).Msg("error during database close")
		return err
	}

	logger.Info().Msg("graceful shutdown complete")
	return nil
}

// openSession registers a session for conn unless the server is stopping.
// Registration happens under s.mu so Stop's CloseAll always sees it.
func (s *Server) openSession(conn FrameConn, transport string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return nil, false
	}
	s.wg.Add(1)
	return s.sessions.CreateSession(conn, transport), true
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				logger.Warn().Err(err).Msg("accept error")
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

// handleConnection registers a TCP connection and runs its message loop
func (s *Server) handleConnection(conn net.Conn) {
	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	sess, ok := s.openSession(NewSafeConn(conn), "tcp")
	if !ok {
		conn.Close()
		return
	}
	defer s.wg.Done()

	logger.Debug().
		Uint64("session", sess.ID).
		Str("trace", sess.TraceID.String()).
		Str("remote", sess.RemoteAddr).
		Msg("new connection")
	s.messageLoop(sess)
}

// messageLoop serves one session until the client quits or the connection fails
func (s *Server) messageLoop(sess *Session) {
	defer s.sessions.RemoveSession(sess.ID)

	log := logger.With().
		Uint64("session", sess.ID).
		Str("trace", sess.TraceID.String()).
		Logger()

	for {
		if s.config.SessionTimeout > 0 {
			sess.Conn.SetReadDeadline(time.Now().Add(s.config.SessionTimeout))
		}

		data, err := sess.Conn.ReadFrame()
		if err != nil {
			s.handleReadError(sess, log, err)
			return
		}

		if err := s.waitForToken(sess); err != nil {
			// Only fails once the server is stopping
			return
		}

		resp, err := s.handleFrame(sess, log, data)
		out := protocol.EncodeResponse(resp)
		if len(out) > protocol.MaxFrameSize {
			log.Warn().Int("bytes", len(out)).Int("status", resp.Status).Msg("response too large for one frame")
			out = protocol.EncodeResponse(protocol.Response{
				Status:  protocol.StatusInternalError,
				Content: "Response too large",
			})
		}
		if werr := sess.Conn.WriteFrame(out); werr != nil {
			log.Debug().Err(werr).Msg("write failed, closing session")
			return
		}
		if errors.Is(err, ErrClientDisconnecting) {
			log.Debug().Msg("client disconnected gracefully")
			return
		}
	}
}

func (s *Server) handleReadError(sess *Session, log zerolog.Logger, err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		log.Debug().Msg("client disconnected")
	case errors.Is(err, os.ErrDeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		log.Debug().Dur("timeout", s.config.SessionTimeout).Msg("session idle, closing")
	case errors.Is(err, net.ErrClosed):
		// Closed by Stop or RemoveSession
	default:
		s.metrics.RecordReadError()
		log.Warn().Err(err).Msg("read error, closing session")
		// Best effort; the connection is going away regardless
		_ = sess.Conn.WriteFrame(protocol.EncodeResponse(protocol.Response{
			Status:  protocol.StatusInternalError,
			Content: "Read error",
		}))
	}
}

// waitForToken blocks until the session's rate limiter admits one request
func (s *Server) waitForToken(sess *Session) error {
	if sess.limiter == nil || sess.limiter.Allow() {
		return nil
	}
	s.metrics.RecordRateLimited()
	return sess.limiter.Wait(s.ctx)
}

// handleFrame decodes and dispatches one frame, then records it
func (s *Server) handleFrame(sess *Session, log zerolog.Logger, data []byte) (protocol.Response, error) {
	start := time.Now()

	var (
		resp    protocol.Response
		err     error
		command = "invalid"
	)

	req, decodeErr := protocol.DecodeRequest(data)
	if decodeErr != nil {
		s.metrics.RecordDecodeError()
		log.Debug().Err(decodeErr).Int("bytes", len(data)).Msg("malformed frame")
		resp = badRequest(decodeErr)
	} else {
		if name, ok := protocol.LookupCommand(req.Command); ok {
			command = string(name)
		} else {
			command = "unknown"
		}
		resp, err = s.dispatcher.Dispatch(s.ctx, sess, req)
	}

	s.metrics.RecordRequest(command, resp.Status, time.Since(start))

	username, _ := sess.Username()
	s.events.LogEvent(sess.ID, fmt.Sprintf("trace=%s transport=%s user=%s command=%s status=%d",
		sess.TraceID, sess.Transport, username, command, resp.Status))

	log.Debug().Str("command", command).Int("status", resp.Status).Msg("handled request")
	return resp, err
}
