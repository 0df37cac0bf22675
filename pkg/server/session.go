package server

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Session represents an active client connection
type Session struct {
	ID         uint64
	TraceID    uuid.UUID // Correlates log lines and audit events across restarts
	Conn       FrameConn
	RemoteAddr string
	Transport  string // "tcp" or "websocket"

	limiter *rate.Limiter // nil when rate limiting is disabled

	mu            sync.RWMutex // Protects authenticated and username
	authenticated bool
	username      string
}

// Username returns the bound username and whether the session is authenticated
func (s *Session) Username() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username, s.authenticated
}

// Authenticated reports whether the session is in the authenticated region
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// bind moves the session into the authenticated region
func (s *Session) bind(username string) {
	s.mu.Lock()
	s.authenticated = true
	s.username = username
	s.mu.Unlock()
}

// clear moves the session back to the unauthenticated region
func (s *Session) clear() {
	s.mu.Lock()
	s.authenticated = false
	s.username = ""
	s.mu.Unlock()
}

// SessionManager manages all active sessions
type SessionManager struct {
	sessions map[uint64]*Session
	nextID   uint64
	mu       sync.RWMutex
	metrics  *Metrics

	requestsPerSecond float64
	requestBurst      int
}

// NewSessionManager creates a new session manager. A zero requestsPerSecond
// disables per-session rate limiting.
func NewSessionManager(requestsPerSecond float64, requestBurst int) *SessionManager {
	return &SessionManager{
		sessions:          make(map[uint64]*Session),
		nextID:            1,
		requestsPerSecond: requestsPerSecond,
		requestBurst:      requestBurst,
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// CreateSession registers a new unauthenticated session for conn
func (sm *SessionManager) CreateSession(conn FrameConn, transport string) *Session {
	sessionID := atomic.AddUint64(&sm.nextID, 1) - 1

	sess := &Session{
		ID:         sessionID,
		TraceID:    uuid.New(),
		Conn:       conn,
		RemoteAddr: conn.RemoteAddr(),
		Transport:  transport,
	}
	if sm.requestsPerSecond > 0 {
		burst := sm.requestBurst
		if burst < 1 {
			burst = 1
		}
		sess.limiter = rate.NewLimiter(rate.Limit(sm.requestsPerSecond), burst)
	}

	sm.mu.Lock()
	sm.sessions[sessionID] = sess
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sessionCount)
		sm.metrics.RecordSessionCreated(transport)
	}

	return sess
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(sessionID uint64) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.sessions[sessionID]
	return sess, ok
}

// GetAllSessions returns all active sessions
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Count returns the number of active sessions
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// RemoveSession removes a session and closes its connection. Removing an
// unknown or already removed session is a no-op.
func (sm *SessionManager) RemoveSession(sessionID uint64) {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	if ok {
		delete(sm.sessions, sessionID)
	}
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	if !ok {
		return
	}

	sess.Conn.Close()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sessionCount)
		sm.metrics.RecordSessionClosed(sess.Transport)
	}
}

// CloseAll closes every session; used during shutdown
func (sm *SessionManager) CloseAll() {
	for _, sess := range sm.GetAllSessions() {
		sm.RemoveSession(sess.ID)
	}
}
