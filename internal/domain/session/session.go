package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the session lifecycle state.
type State int

const (
	StateCreating State = iota
	StateActive
	StateClosing
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason records why a session ended.
type CloseReason string

const (
	ReasonNone         CloseReason = ""
	ReasonExplicit     CloseReason = "explicit_delete"
	ReasonTimeout      CloseReason = "inactivity_timeout"
	ReasonBackpressure CloseReason = "backpressure_exceeded"
	ReasonShutdown     CloseReason = "shutdown"
)

// Session errors.
var (
	ErrSessionClosed = errors.New("session is closed")
	ErrStreamGap     = errors.New("resume point is older than the event buffer")
	ErrSubscribed    = errors.New("session already has an active subscriber")
)

// ClientInfo is the client identification from the initialize request.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Session is one MCP conversation. The manager owns it; dispatch tasks
// borrow the id and publish through the manager, never holding a
// reference across requests.
type Session struct {
	// ID is the opaque session identifier, fixed at creation.
	ID string

	// ProtocolVersion negotiated at initialize.
	ProtocolVersion string

	// Client is the clientInfo supplied at initialize.
	Client ClientInfo

	// UserID is the identity resolved at initialize time; empty when
	// the session was initialized anonymously.
	UserID string

	CreatedAt time.Time

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	reason       CloseReason
	events       *ring
	queue        chan Event
	subscribed   bool
	closeOnce    sync.Once

	// ctx is canceled when the session closes; in-flight upstream calls
	// derive from it so session close aborts them.
	ctx    context.Context
	cancel context.CancelFunc

	// onClose runs once after the session transitions to Closed, no
	// locks held. The manager installs it at creation so every close
	// path (explicit, timeout, backpressure, shutdown) detaches the
	// session from the table and fires the close hook.
	onClose func(*Session, CloseReason)
}

// GenerateSessionID returns a 32-byte random id, base64url-encoded.
func GenerateSessionID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func newSession(id, protocolVersion string, client ClientInfo, userID string, bufferSize, queueSize int) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Session{
		ID:              id,
		ProtocolVersion: protocolVersion,
		Client:          client,
		UserID:          userID,
		CreatedAt:       now,
		state:           StateActive,
		lastActivity:    now,
		events:          newRing(bufferSize),
		queue:           make(chan Event, queueSize),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason returns why the session closed, or ReasonNone while open.
func (s *Session) Reason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// LastActivity returns the time of the most recent in-session request.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Context returns the session-scoped context, canceled at close.
func (s *Session) Context() context.Context {
	return s.ctx
}

// LatestEventID returns the most recently assigned event id.
func (s *Session) LatestEventID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events.latestID()
}

// touch records request activity, keeping the session alive.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Publish appends a payload to the event buffer and offers it to the
// live subscriber. When the subscriber's queue is already full the
// client is not draining: the session closes with ReasonBackpressure
// and Publish reports the closure.
func (s *Session) Publish(data []byte) (eventID uint64, err error) {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return 0, ErrSessionClosed
	}

	id := s.events.append(data)
	s.lastActivity = time.Now()

	select {
	case s.queue <- Event{ID: id, Data: data}:
		s.mu.Unlock()
		return id, nil
	default:
	}
	s.mu.Unlock()

	// Queue full: the consumer has fallen too far behind.
	s.close(ReasonBackpressure)
	return id, ErrSessionClosed
}

// Subscribe attaches the single SSE consumer. lastEventID is the
// client's resume point (0 for a fresh subscription). It returns the
// events to replay immediately and the live channel to drain afterward.
// The channel is closed when the session closes.
//
// Only one subscriber may be attached at a time; the previous consumer
// must Unsubscribe (or the session must close) first.
func (s *Session) Subscribe(lastEventID uint64) (replay []Event, live <-chan Event, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosing || s.state == StateClosed {
		return nil, nil, ErrSessionClosed
	}
	if s.subscribed {
		return nil, nil, ErrSubscribed
	}

	replay, ok := s.events.replayAfter(lastEventID)
	if !ok {
		return nil, nil, ErrStreamGap
	}

	// Anything sitting in the queue is covered by the replay slice
	// (the ring retains at least everything still queued), so drain it
	// to avoid duplicate delivery.
	for {
		select {
		case <-s.queue:
			continue
		default:
		}
		break
	}

	s.subscribed = true
	s.lastActivity = time.Now()
	return replay, s.queue, nil
}

// Unsubscribe detaches the SSE consumer so a later GET may re-attach.
func (s *Session) Unsubscribe() {
	s.mu.Lock()
	s.subscribed = false
	s.mu.Unlock()
}

// close transitions the session to Closed exactly once: records the
// reason, cancels the session context, closes the live channel so the
// SSE writer unblocks, and runs the onClose callback.
func (s *Session) close(reason CloseReason) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.reason = reason
		onClose := s.onClose
		s.mu.Unlock()

		s.cancel()
		close(s.queue)

		if onClose != nil {
			onClose(s, reason)
		}
	})
}
