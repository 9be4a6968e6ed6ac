// Package push delivers progress records to connected clients over
// server-sent event streams. Each user may hold several concurrent
// sessions (multiple tabs); a broadcast reaches all of them.
package push

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/justapithecus/spriteforge/log"
	"github.com/justapithecus/spriteforge/types"
)

// DefaultKeepAliveInterval is the idle comment cadence that keeps
// intermediaries from closing quiet streams.
const DefaultKeepAliveInterval = 30 * time.Second

// keepAliveFrame is a comment line; clients ignore it.
const keepAliveFrame = ":keep-alive\n\n"

// connectedHello is the first frame on every new session.
type connectedHello struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
}

// session is one client stream. Writes are serialized through mu so
// keep-alives never interleave with broadcast frames.
type session struct {
	id     string
	userID string

	mu sync.Mutex
	w  http.ResponseWriter

	stop     chan struct{}
	stopOnce sync.Once
}

// write sends one pre-framed chunk and flushes.
func (s *session) write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (s *session) close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Manager tracks push sessions per user and fans broadcasts out to
// them. Write failures remove the offending session and never surface
// to the broadcaster.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]map[string]*session

	keepAlive time.Duration
	logger    *log.Logger
	clock     func() time.Time
	wg        sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithKeepAliveInterval overrides the keep-alive cadence.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.keepAlive = d
		}
	}
}

// NewManager creates a session manager.
func NewManager(logger *log.Logger, opts ...Option) *Manager {
	m := &Manager{
		sessions:  make(map[string]map[string]*session),
		keepAlive: DefaultKeepAliveInterval,
		logger:    logger,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register attaches a new push session for the user: writes the event
// stream headers, emits the connected hello, and starts the keep-alive
// ticker. Returns the assigned session ID.
func (m *Manager) Register(userID string, w http.ResponseWriter) (string, error) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	s := &session{
		id:     uuid.NewString(),
		userID: userID,
		w:      w,
		stop:   make(chan struct{}),
	}

	hello, err := json.Marshal(connectedHello{
		Type:      "connected",
		SessionID: s.id,
		Timestamp: m.clock(),
	})
	if err != nil {
		return "", err
	}
	if err := s.write(frame(hello)); err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.sessions[userID] == nil {
		m.sessions[userID] = make(map[string]*session)
	}
	m.sessions[userID][s.id] = s
	m.mu.Unlock()

	m.wg.Add(1)
	go m.keepAliveLoop(s)

	m.logger.Info("push_session_opened", map[string]any{
		"userId": userID, "sessionId": s.id,
	})
	return s.id, nil
}

// Broadcast encodes the record once and writes it to every session of
// the user. A session whose sink fails is logged and removed; the
// broadcast itself never fails.
func (m *Manager) Broadcast(userID string, record *types.ProgressRecord) {
	payload, err := json.Marshal(record)
	if err != nil {
		m.logger.Warn("push_encode_failed", map[string]any{
			"userId": userID, "jobId": record.JobID, "error": err,
		})
		return
	}
	f := frame(payload)

	for _, s := range m.userSessions(userID) {
		if err := s.write(f); err != nil {
			m.logger.Warn("push_write_failed", map[string]any{
				"userId": userID, "sessionId": s.id, "error": err,
			})
			m.CloseSession(userID, s.id)
		}
	}
}

// CloseSession stops the session's keep-alive and drops it from
// tracking. Idempotent.
func (m *Manager) CloseSession(userID, sessionID string) {
	m.mu.Lock()
	s := m.sessions[userID][sessionID]
	if s != nil {
		delete(m.sessions[userID], sessionID)
		if len(m.sessions[userID]) == 0 {
			delete(m.sessions, userID)
		}
	}
	m.mu.Unlock()

	if s == nil {
		return
	}
	s.close()
	m.logger.Info("push_session_closed", map[string]any{
		"userId": userID, "sessionId": sessionID,
	})
}

// CloseAll tears down every session. Used for graceful shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*session, 0)
	for _, byID := range m.sessions {
		for _, s := range byID {
			all = append(all, s)
		}
	}
	m.sessions = make(map[string]map[string]*session)
	m.mu.Unlock()

	for _, s := range all {
		s.close()
	}
	m.wg.Wait()
}

// SessionCount returns the number of open sessions for the user.
func (m *Manager) SessionCount(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions[userID])
}

func (m *Manager) userSessions(userID string) []*session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*session, 0, len(m.sessions[userID]))
	for _, s := range m.sessions[userID] {
		out = append(out, s)
	}
	return out
}

func (m *Manager) keepAliveLoop(s *session) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.write([]byte(keepAliveFrame)); err != nil {
				m.logger.Warn("push_keepalive_failed", map[string]any{
					"userId": s.userID, "sessionId": s.id, "error": err,
				})
				m.CloseSession(s.userID, s.id)
				return
			}
		}
	}
}

// frame wraps a JSON payload in the event stream wire format.
func frame(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+8)
	out = append(out, "data: "...)
	out = append(out, payload...)
	out = append(out, '\n', '\n')
	return out
}
