package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeUpstream is a minimal Streamable HTTP MCP server.
type fakeUpstream struct {
	t *testing.T

	mu          sync.Mutex
	initialized int
	calls       int

	sessionID string
	streamed  bool
	callDelay time.Duration
}

func (f *fakeUpstream) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     *json.RawMessage `json:"id"`
			Method string           `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}

		switch req.Method {
		case "initialize":
			f.mu.Lock()
			f.initialized++
			f.mu.Unlock()
			if f.sessionID != "" {
				w.Header().Set("Mcp-Session-Id", f.sessionID)
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2025-06-18"}}`)

		case "notifications/initialized":
			w.WriteHeader(http.StatusAccepted)

		case "tools/list":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"tools":[{"name":"search","description":"find things"},{"name":"fetch"}]}}`)

		case "ping":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{}}`)

		case "tools/call":
			f.mu.Lock()
			f.calls++
			f.mu.Unlock()
			if f.sessionID != "" && r.Header.Get("Mcp-Session-Id") != f.sessionID {
				http.Error(w, "unknown session", http.StatusNotFound)
				return
			}
			if f.callDelay > 0 {
				time.Sleep(f.callDelay)
			}
			if f.streamed {
				w.Header().Set("Content-Type", "text/event-stream")
				fmt.Fprint(w, "event: message\n")
				fmt.Fprint(w, "id: 7\n")
				fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\",\"params\":{\"progress\":50}}\n\n")
				fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{\"content\":[{\"type\":\"text\",\"text\":\"done\"}]}}\n\n")
				return
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"done"}]}}`)

		default:
			http.Error(w, "unknown method", http.StatusBadRequest)
		}
	}
}

func newTestClient(t *testing.T, f *fakeUpstream, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return New("srv-test", srv.URL, nil, opts...)
}

func callBody() []byte {
	return []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"search","arguments":{}}}`)
}

func TestInitializeCachesSessionID(t *testing.T) {
	f := &fakeUpstream{t: t, sessionID: "up-session-1"}
	c := newTestClient(t, f)

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	c.mu.Lock()
	sid := c.sessionID
	c.mu.Unlock()
	if sid != "up-session-1" {
		t.Errorf("cached session id = %q, want up-session-1", sid)
	}
}

func TestCallUnaryForwardsVerbatim(t *testing.T) {
	f := &fakeUpstream{t: t}
	c := newTestClient(t, f)

	resp, err := c.Call(context.Background(), callBody(), nil)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(resp, &envelope); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if envelope.Result == nil {
		t.Errorf("missing result: %s", resp)
	}
}

func TestCallRelaysStreamEvents(t *testing.T) {
	f := &fakeUpstream{t: t, streamed: true}
	c := newTestClient(t, f)

	var events [][]byte
	resp, err := c.Call(context.Background(), callBody(), func(data []byte) {
		events = append(events, data)
	})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	if len(events) != 1 {
		t.Fatalf("got %d intermediate events, want 1", len(events))
	}
	var notif struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(events[0], &notif); err != nil || notif.Method != "notifications/progress" {
		t.Errorf("unexpected intermediate event: %s", events[0])
	}

	var final struct {
		ID     int             `json:"id"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(resp, &final); err != nil || final.Result == nil {
		t.Errorf("unexpected final response: %s", resp)
	}
}

func TestCallReinitializesOnExpiredSession(t *testing.T) {
	f := &fakeUpstream{t: t, sessionID: "up-session-2"}
	c := newTestClient(t, f)

	// Poison the cached session id to simulate upstream expiry.
	c.mu.Lock()
	c.sessionID = "stale"
	c.mu.Unlock()

	if _, err := c.Call(context.Background(), callBody(), nil); err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initialized == 0 {
		t.Error("client did not re-initialize after 404")
	}
}

func TestSaturationRejectsOverflow(t *testing.T) {
	f := &fakeUpstream{t: t, callDelay: 200 * time.Millisecond}
	c := newTestClient(t, f, WithMaxInflight(1), WithQueueSize(0))

	// Occupy the single in-flight slot.
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := c.Call(context.Background(), callBody(), nil)
		done <- err
	}()
	<-started
	time.Sleep(50 * time.Millisecond)

	if _, err := c.Call(context.Background(), callBody(), nil); !errors.Is(err, ErrSaturated) {
		t.Errorf("expected ErrSaturated, got %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("first call failed: %v", err)
	}
}

func TestListTools(t *testing.T) {
	f := &fakeUpstream{t: t}
	c := newTestClient(t, f)

	tools, err := c.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(tools) != 2 || tools[0].Name != "search" || tools[1].Name != "fetch" {
		t.Errorf("unexpected tools: %+v", tools)
	}
}

func TestPing(t *testing.T) {
	f := &fakeUpstream{t: t}
	c := newTestClient(t, f)

	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestUpstreamErrorIsSanitized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "stack trace: secret internals", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New("srv-test", srv.URL, nil)
	_, err := c.Call(context.Background(), callBody(), nil)
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

func TestStaticHeadersNeverIncludeOrigin(t *testing.T) {
	var gotOrigin, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOrigin = r.Header.Get("Origin")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{}}`)
	}))
	defer srv.Close()

	c := New("srv-test", srv.URL, map[string]string{
		"Origin":        "https://evil.example.com",
		"Authorization": "Bearer upstream-cred",
	})
	if _, err := c.Call(context.Background(), callBody(), nil); err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	if gotOrigin != "" {
		t.Errorf("Origin forwarded upstream: %q", gotOrigin)
	}
	if gotAuth != "Bearer upstream-cred" {
		t.Errorf("per-server credential not sent: %q", gotAuth)
	}
}
