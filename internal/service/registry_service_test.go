package service

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Aegis-Gate/aegisgate/internal/adapter/outbound/keys"
	"github.com/Aegis-Gate/aegisgate/internal/domain/upstream"
)

// memServers is an in-memory ServerStore.
type memServers struct {
	mu      sync.Mutex
	servers map[string]*upstream.Server
	blobs   map[string][]byte
}

func newMemServers() *memServers {
	return &memServers{
		servers: make(map[string]*upstream.Server),
		blobs:   make(map[string][]byte),
	}
}

func (m *memServers) Create(ctx context.Context, srv *upstream.Server, headersEnc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *srv
	m.servers[srv.ID] = &cp
	if headersEnc != nil {
		m.blobs[srv.ID] = headersEnc
	}
	return nil
}

func (m *memServers) UpdateTools(ctx context.Context, id string, tools []upstream.Tool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	srv, ok := m.servers[id]
	if !ok {
		return errors.New("not found")
	}
	srv.Tools = tools
	return nil
}

func (m *memServers) UpdateHealth(ctx context.Context, id string, health upstream.Health, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	srv, ok := m.servers[id]
	if !ok {
		return errors.New("not found")
	}
	srv.Health = health
	srv.LastHealthCheck = at
	return nil
}

func (m *memServers) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.servers, id)
	delete(m.blobs, id)
	return nil
}

func (m *memServers) List(ctx context.Context) ([]*upstream.Server, map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*upstream.Server, 0, len(m.servers))
	for _, srv := range m.servers {
		cp := *srv
		out = append(out, &cp)
	}
	blobs := make(map[string][]byte, len(m.blobs))
	for k, v := range m.blobs {
		blobs[k] = v
	}
	return out, blobs, nil
}

// fakeClient is an in-memory UpstreamClient. When block is set, Call
// waits on it (or context cancellation) before responding.
type fakeClient struct {
	mu       sync.Mutex
	tools    []upstream.Tool
	initErr  error
	pingErr  error
	callErr  error
	callResp []byte
	events   [][]byte
	calls    int
	block    chan struct{}
}

func (f *fakeClient) Initialize(ctx context.Context) error { return f.initErr }

func (f *fakeClient) ListTools(ctx context.Context) ([]upstream.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upstream.Tool(nil), f.tools...), nil
}

func (f *fakeClient) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeClient) Call(ctx context.Context, raw []byte, onEvent func(data []byte)) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	resp, err, events, block := f.callResp, f.callErr, f.events, f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-block:
		}
	}
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		if onEvent != nil {
			onEvent(e)
		}
	}
	return resp, nil
}

func testCipher(t *testing.T) *keys.Cipher {
	t.Helper()
	c, err := keys.NewCipher(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}
	return c
}

func registryFixture(t *testing.T, client *fakeClient) (*RegistryService, *memServers, func()) {
	t.Helper()
	store := newMemServers()
	auditSvc := NewAuditService(&memAuditWriter{}, discardLogger(), WithAuditRetention(0))
	auditSvc.Start()
	factory := func(srv *upstream.Server) UpstreamClient { return client }
	svc := NewRegistryService(store, testCipher(t), factory, auditSvc, discardLogger())
	return svc, store, func() {
		svc.Stop()
		auditSvc.Stop()
	}
}

func TestRegisterDiscoversAndCatalogs(t *testing.T) {
	client := &fakeClient{tools: []upstream.Tool{{Name: "search"}, {Name: "fetch"}}}
	svc, store, stop := registryFixture(t, client)
	defer stop()

	srv, err := svc.Register(context.Background(), "search-box", "https://mcp.example.com/mcp", nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if srv.Health != upstream.HealthHealthy || len(srv.Tools) != 2 {
		t.Errorf("unexpected server: %+v", srv)
	}

	if svc.Catalog().Len() != 2 {
		t.Errorf("catalog size = %d, want 2", svc.Catalog().Len())
	}

	store.mu.Lock()
	_, persisted := store.servers[srv.ID]
	store.mu.Unlock()
	if !persisted {
		t.Error("server not persisted")
	}
}

func TestRegisterRejectsDuplicateAndBadURL(t *testing.T) {
	client := &fakeClient{tools: []upstream.Tool{{Name: "search"}}}
	svc, _, stop := registryFixture(t, client)
	defer stop()
	ctx := context.Background()

	if _, err := svc.Register(ctx, "", "not a url", nil); err == nil {
		t.Error("invalid URL accepted")
	}

	if _, err := svc.Register(ctx, "a", "https://mcp.example.com/mcp", nil); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	if _, err := svc.Register(ctx, "b", "https://mcp.example.com/mcp/", nil); !errors.Is(err, ErrServerExists) {
		t.Errorf("expected ErrServerExists for same normalized URL, got %v", err)
	}
}

func TestRegisterFailsWhenHandshakeFails(t *testing.T) {
	client := &fakeClient{initErr: errors.New("connection refused")}
	svc, _, stop := registryFixture(t, client)
	defer stop()

	if _, err := svc.Register(context.Background(), "", "https://mcp.example.com/mcp", nil); err == nil {
		t.Error("unreachable upstream registered")
	}
	if svc.Catalog().Len() != 0 {
		t.Error("failed registration reached the catalog")
	}
}

func TestRemoveDropsFromCatalog(t *testing.T) {
	client := &fakeClient{tools: []upstream.Tool{{Name: "search"}}}
	svc, store, stop := registryFixture(t, client)
	defer stop()
	ctx := context.Background()

	srv, err := svc.Register(ctx, "", "https://mcp.example.com/mcp", nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := svc.Remove(ctx, srv.ID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if svc.Catalog().Len() != 0 {
		t.Error("removed server still in catalog")
	}
	store.mu.Lock()
	_, still := store.servers[srv.ID]
	store.mu.Unlock()
	if still {
		t.Error("removed server still persisted")
	}

	if err := svc.Remove(ctx, srv.ID); !errors.Is(err, ErrServerNotFound) {
		t.Errorf("expected ErrServerNotFound, got %v", err)
	}
}

func TestRemoveCancelsInFlightCalls(t *testing.T) {
	client := &fakeClient{
		tools: []upstream.Tool{{Name: "search"}},
		block: make(chan struct{}),
	}
	svc, _, stop := registryFixture(t, client)
	defer stop()
	ctx := context.Background()

	srv, err := svc.Register(ctx, "", "https://mcp.example.com/mcp", nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	c, err := svc.Client(srv.ID)
	if err != nil {
		t.Fatalf("Client failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, callErr := c.Call(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call"}`), nil)
		done <- callErr
	}()

	// Wait for the call to reach the upstream before removing.
	deadline := time.Now().Add(time.Second)
	for {
		client.mu.Lock()
		started := client.calls > 0
		client.mu.Unlock()
		if started {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("call never reached the upstream")
		}
		time.Sleep(time.Millisecond)
	}

	if err := svc.Remove(ctx, srv.ID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	select {
	case callErr := <-done:
		if !errors.Is(callErr, context.Canceled) {
			t.Fatalf("in-flight call returned %v, want context.Canceled", callErr)
		}
	case <-time.After(time.Second):
		t.Fatal("in-flight call still blocked after Remove")
	}
}

func TestRefreshSwapsCatalog(t *testing.T) {
	client := &fakeClient{tools: []upstream.Tool{{Name: "search"}}}
	svc, _, stop := registryFixture(t, client)
	defer stop()
	ctx := context.Background()

	srv, err := svc.Register(ctx, "", "https://mcp.example.com/mcp", nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	client.mu.Lock()
	client.tools = []upstream.Tool{{Name: "search"}, {Name: "summarize"}}
	client.mu.Unlock()

	if err := svc.Refresh(ctx, srv.ID); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if got := svc.Catalog().Len(); got != 2 {
		t.Errorf("catalog size = %d, want 2", got)
	}
	if entries := svc.Catalog().Lookup("summarize"); len(entries) != 1 {
		t.Error("new tool not in catalog")
	}
}

func TestProbeMarksUnhealthyAfterThreeFailures(t *testing.T) {
	client := &fakeClient{tools: []upstream.Tool{{Name: "search"}}}
	svc, _, stop := registryFixture(t, client)
	defer stop()

	srv, err := svc.Register(context.Background(), "", "https://mcp.example.com/mcp", nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	client.mu.Lock()
	client.pingErr = errors.New("timeout")
	client.mu.Unlock()

	svc.mu.RLock()
	entry := svc.entries[srv.ID]
	svc.mu.RUnlock()

	for i := 0; i < upstream.UnhealthyThreshold; i++ {
		svc.probe(entry)
	}

	if entry.server.Health != upstream.HealthUnhealthy {
		t.Fatalf("health = %s after %d failures", entry.server.Health, upstream.UnhealthyThreshold)
	}
	if svc.Catalog().Len() != 0 {
		t.Error("unhealthy server's tools still listed")
	}

	// Recovery puts it back.
	client.mu.Lock()
	client.pingErr = nil
	client.mu.Unlock()
	svc.probe(entry)

	if svc.Catalog().Len() != 1 {
		t.Error("recovered server not restored to catalog")
	}
}

func TestLoadDecryptsHeaders(t *testing.T) {
	client := &fakeClient{tools: []upstream.Tool{{Name: "search"}}}
	svc, store, stop := registryFixture(t, client)

	headers := map[string]string{"Authorization": "Bearer upstream-cred"}
	if _, err := svc.Register(context.Background(), "", "https://mcp.example.com/mcp", headers); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	stop()

	// Persisted blob must not hold plaintext.
	store.mu.Lock()
	for _, blob := range store.blobs {
		if bytes.Contains(blob, []byte("upstream-cred")) {
			t.Error("credential stored in plaintext")
		}
	}
	store.mu.Unlock()

	// A fresh registry hydrates the headers through the cipher.
	var gotHeaders map[string]string
	auditSvc := NewAuditService(&memAuditWriter{}, discardLogger(), WithAuditRetention(0))
	auditSvc.Start()
	defer auditSvc.Stop()
	reloaded := NewRegistryService(store, testCipher(t), func(srv *upstream.Server) UpstreamClient {
		gotHeaders = srv.Headers
		return client
	}, auditSvc, discardLogger())
	defer reloaded.Stop()

	if err := reloaded.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if gotHeaders["Authorization"] != "Bearer upstream-cred" {
		t.Errorf("headers not restored: %v", gotHeaders)
	}
}
