package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrSessionUnknown is returned when a session id is not found: it
// expired, was deleted, or never existed.
var ErrSessionUnknown = errors.New("session unknown")

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTimeout sets the inactivity window before a session is reaped.
func WithTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.timeout = d }
}

// WithEventBufferSize sets the per-session ring buffer capacity.
func WithEventBufferSize(n int) ManagerOption {
	return func(m *Manager) { m.bufferSize = n }
}

// WithQueueSize sets the per-session SSE delivery channel capacity.
func WithQueueSize(n int) ManagerOption {
	return func(m *Manager) { m.queueSize = n }
}

// WithCleanupInterval sets how often expired sessions are reaped.
func WithCleanupInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.cleanupInterval = d }
}

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithCloseHook registers a callback invoked after a session closes,
// used for audit emission and metrics. Called outside manager locks.
func WithCloseHook(hook func(s *Session, reason CloseReason)) ManagerOption {
	return func(m *Manager) { m.closeHook = hook }
}

// Manager owns all live sessions. Session table access is
// many-readers/single-writer; insertions are serialized by the write
// lock. A background goroutine reaps sessions past the inactivity
// timeout.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	timeout         time.Duration
	bufferSize      int
	queueSize       int
	cleanupInterval time.Duration
	logger          *slog.Logger
	closeHook       func(*Session, CloseReason)

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a session manager and starts its cleanup loop.
// Call Shutdown to stop it and close all sessions.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions:        make(map[string]*Session),
		timeout:         30 * time.Minute,
		bufferSize:      256,
		queueSize:       64,
		cleanupInterval: time.Minute,
		logger:          slog.Default(),
		stopChan:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.wg.Add(1)
	go m.cleanupLoop()
	return m
}

// Create registers a new session for the negotiated protocol version
// and returns it. The generated id is unique for the process lifetime:
// 32 random bytes leave collisions out of practical reach, and the
// insertion path double-checks anyway.
func (m *Manager) Create(protocolVersion string, client ClientInfo, userID string) (*Session, error) {
	for {
		id, err := GenerateSessionID()
		if err != nil {
			return nil, err
		}

		s := newSession(id, protocolVersion, client, userID, m.bufferSize, m.queueSize)
		s.onClose = m.detach

		m.mu.Lock()
		if _, exists := m.sessions[id]; exists {
			m.mu.Unlock()
			continue
		}
		m.sessions[id] = s
		m.mu.Unlock()

		m.logger.Debug("session created", "session_id", id, "user_id", userID)
		return s, nil
	}
}

// Get returns the session for id and refreshes its activity clock.
// Returns ErrSessionUnknown for absent or closed sessions.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok || s.State() == StateClosed {
		return nil, ErrSessionUnknown
	}
	s.touch()
	return s, nil
}

// Peek returns the session without refreshing activity. Used by
// listings and health reporting.
func (m *Manager) Peek(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionUnknown
	}
	return s, nil
}

// Close terminates a session with the given reason. Removal from the
// table and the close hook run through the session's onClose callback,
// the same path a backpressure or timeout close takes. Closing an
// unknown session returns ErrSessionUnknown.
func (m *Manager) Close(id string, reason CloseReason) error {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		return ErrSessionUnknown
	}

	s.close(reason)
	return nil
}

// detach removes a closed session from the table and fires the close
// hook. Installed as every session's onClose callback; runs with no
// manager locks held when the hook is invoked.
func (m *Manager) detach(s *Session, reason CloseReason) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	m.logger.Debug("session closed", "session_id", s.ID, "reason", string(reason))
	if m.closeHook != nil {
		m.closeHook(s, reason)
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown stops the cleanup loop and closes every remaining session
// with ReasonShutdown. Safe to call more than once.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	m.wg.Wait()

	m.mu.RLock()
	remaining := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		remaining = append(remaining, s)
	}
	m.mu.RUnlock()

	for _, s := range remaining {
		s.close(ReasonShutdown)
	}
}

// cleanupLoop periodically reaps sessions past the inactivity timeout.
func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reapExpired()
		case <-m.stopChan:
			return
		}
	}
}

func (m *Manager) reapExpired() {
	cutoff := time.Now().Add(-m.timeout)

	m.mu.RLock()
	var expired []*Session
	for _, s := range m.sessions {
		if s.LastActivity().Before(cutoff) {
			expired = append(expired, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range expired {
		m.logger.Info("session expired", "session_id", s.ID)
		s.close(ReasonTimeout)
	}
}

// Sessions returns a snapshot of live sessions for admin listings.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
