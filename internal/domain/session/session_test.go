package session

import (
	"fmt"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()
	base := []ManagerOption{
		WithTimeout(time.Minute),
		WithEventBufferSize(8),
		WithQueueSize(4),
		WithCleanupInterval(10 * time.Millisecond),
	}
	m := NewManager(append(base, opts...)...)
	t.Cleanup(m.Shutdown)
	return m
}

func TestGenerateSessionID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := GenerateSessionID()
		if err != nil {
			t.Fatalf("GenerateSessionID: %v", err)
		}
		if len(id) != 43 { // 32 bytes base64url, no padding
			t.Fatalf("id length = %d, want 43: %q", len(id), id)
		}
		if seen[id] {
			t.Fatalf("duplicate session id %q", id)
		}
		seen[id] = true
	}
}

func TestCreateAndGet(t *testing.T) {
	m := newTestManager(t)

	s, err := m.Create("2025-06-18", ClientInfo{Name: "t", Version: "1"}, "u1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.State() != StateActive {
		t.Errorf("state = %v, want active", s.State())
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != s.ID || got.UserID != "u1" {
		t.Errorf("Get returned wrong session")
	}

	if _, err := m.Get("nonexistent"); err != ErrSessionUnknown {
		t.Errorf("Get(unknown) = %v, want ErrSessionUnknown", err)
	}
}

func TestCloseSession(t *testing.T) {
	var hookReason CloseReason
	m := newTestManager(t, WithCloseHook(func(_ *Session, r CloseReason) {
		hookReason = r
	}))

	s, err := m.Create("2025-06-18", ClientInfo{}, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.Close(s.ID, ReasonExplicit); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if hookReason != ReasonExplicit {
		t.Errorf("close hook reason = %q, want explicit_delete", hookReason)
	}
	if _, err := m.Get(s.ID); err != ErrSessionUnknown {
		t.Errorf("Get after close = %v, want ErrSessionUnknown", err)
	}
	if err := m.Close(s.ID, ReasonExplicit); err != ErrSessionUnknown {
		t.Errorf("double close = %v, want ErrSessionUnknown", err)
	}
}

func TestEventIDsMonotonic(t *testing.T) {
	m := newTestManager(t)
	s, _ := m.Create("2025-06-18", ClientInfo{}, "")

	_, live, err := s.Subscribe(0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := s.Publish([]byte(fmt.Sprintf("event-%d", i))); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	var last uint64
	for i := 0; i < 3; i++ {
		e := <-live
		if e.ID <= last {
			t.Fatalf("event id %d not greater than previous %d", e.ID, last)
		}
		last = e.ID
	}
}

func TestResumeWithinBuffer(t *testing.T) {
	m := newTestManager(t, WithEventBufferSize(32))
	s, _ := m.Create("2025-06-18", ClientInfo{}, "")

	// Seed events 1..15 directly into the ring; the buffer holds 32 so
	// nothing is evicted.
	for i := 1; i <= 15; i++ {
		s.mu.Lock()
		s.events.append([]byte(fmt.Sprintf("e%d", i)))
		s.mu.Unlock()
	}

	replay, _, err := s.Subscribe(10)
	if err != nil {
		t.Fatalf("Subscribe(10): %v", err)
	}
	if len(replay) != 5 {
		t.Fatalf("replay = %d events, want 5 (11..15)", len(replay))
	}
	for i, e := range replay {
		want := uint64(11 + i)
		if e.ID != want {
			t.Errorf("replay[%d].ID = %d, want %d", i, e.ID, want)
		}
	}
}

func TestResumeBeyondBuffer(t *testing.T) {
	m := newTestManager(t, WithEventBufferSize(4))
	s, _ := m.Create("2025-06-18", ClientInfo{}, "")

	// Events 1..15 with capacity 4: buffer retains 12..15.
	for i := 1; i <= 15; i++ {
		s.mu.Lock()
		s.events.append([]byte(fmt.Sprintf("e%d", i)))
		s.mu.Unlock()
	}

	if _, _, err := s.Subscribe(10); err != ErrStreamGap {
		t.Fatalf("Subscribe(10) = %v, want ErrStreamGap", err)
	}

	// Resuming at the oldest boundary still works: after=11 needs 12+.
	replay, _, err := s.Subscribe(11)
	if err != nil {
		t.Fatalf("Subscribe(11): %v", err)
	}
	if len(replay) != 4 || replay[0].ID != 12 {
		t.Fatalf("replay = %v, want ids 12..15", replay)
	}
}

func TestBackpressureClosesSession(t *testing.T) {
	m := newTestManager(t, WithQueueSize(2))
	s, _ := m.Create("2025-06-18", ClientInfo{}, "")

	// No subscriber draining: the third publish overflows the queue.
	var lastErr error
	for i := 0; i < 3; i++ {
		_, lastErr = s.Publish([]byte("x"))
	}
	if lastErr != ErrSessionClosed {
		t.Fatalf("overflow publish = %v, want ErrSessionClosed", lastErr)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %v, want closed", s.State())
	}
	if s.Reason() != ReasonBackpressure {
		t.Errorf("reason = %q, want backpressure_exceeded", s.Reason())
	}
}

func TestBackpressureCloseDetachesFromManager(t *testing.T) {
	var hookReason CloseReason
	m := newTestManager(t, WithQueueSize(2), WithCloseHook(func(_ *Session, r CloseReason) {
		hookReason = r
	}))
	s, _ := m.Create("2025-06-18", ClientInfo{}, "")

	for i := 0; i < 3; i++ {
		_, _ = s.Publish([]byte("x"))
	}

	// The overflow close must run the full lifecycle: out of the table,
	// hook fired with the overflow reason, not left for the reaper to
	// find later.
	if m.Count() != 0 {
		t.Errorf("Count after backpressure close = %d, want 0", m.Count())
	}
	if _, err := m.Get(s.ID); err != ErrSessionUnknown {
		t.Errorf("Get after backpressure close = %v, want ErrSessionUnknown", err)
	}
	if hookReason != ReasonBackpressure {
		t.Errorf("close hook reason = %q, want backpressure_exceeded", hookReason)
	}
}

func TestSingleSubscriber(t *testing.T) {
	m := newTestManager(t)
	s, _ := m.Create("2025-06-18", ClientInfo{}, "")

	if _, _, err := s.Subscribe(0); err != nil {
		t.Fatalf("first Subscribe: %v", err)
	}
	if _, _, err := s.Subscribe(0); err != ErrSubscribed {
		t.Fatalf("second Subscribe = %v, want ErrSubscribed", err)
	}

	s.Unsubscribe()
	if _, _, err := s.Subscribe(0); err != nil {
		t.Fatalf("Subscribe after Unsubscribe: %v", err)
	}
}

func TestInactivityTimeout(t *testing.T) {
	m := newTestManager(t, WithTimeout(20*time.Millisecond), WithCleanupInterval(5*time.Millisecond))

	s, _ := m.Create("2025-06-18", ClientInfo{}, "")

	// Wait out the timeout without touching the session.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.State() == StateClosed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if s.State() != StateClosed {
		t.Fatal("session not reaped after inactivity timeout")
	}
	if s.Reason() != ReasonTimeout {
		t.Errorf("reason = %q, want inactivity_timeout", s.Reason())
	}
	if _, err := m.Get(s.ID); err != ErrSessionUnknown {
		t.Fatalf("expired session still present: %v", err)
	}
}

func TestShutdownClosesAll(t *testing.T) {
	m := NewManager(WithCleanupInterval(10 * time.Millisecond))

	s1, _ := m.Create("2025-06-18", ClientInfo{}, "")
	s2, _ := m.Create("2025-06-18", ClientInfo{}, "")

	m.Shutdown()

	for _, s := range []*Session{s1, s2} {
		if s.State() != StateClosed {
			t.Errorf("session %s not closed after shutdown", s.ID)
		}
		if s.Reason() != ReasonShutdown {
			t.Errorf("session %s reason = %q, want shutdown", s.ID, s.Reason())
		}
	}
	if m.Count() != 0 {
		t.Errorf("Count after shutdown = %d, want 0", m.Count())
	}

	// Second shutdown is a no-op.
	m.Shutdown()
}

func TestSubscribeClosedSession(t *testing.T) {
	m := newTestManager(t)
	s, _ := m.Create("2025-06-18", ClientInfo{}, "")
	_ = m.Close(s.ID, ReasonExplicit)

	if _, _, err := s.Subscribe(0); err != ErrSessionClosed {
		t.Errorf("Subscribe on closed = %v, want ErrSessionClosed", err)
	}
	if _, err := s.Publish([]byte("x")); err != ErrSessionClosed {
		t.Errorf("Publish on closed = %v, want ErrSessionClosed", err)
	}
}
