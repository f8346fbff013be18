package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Aegis-Gate/aegisgate/internal/adapter/outbound/sqlite"
	"github.com/Aegis-Gate/aegisgate/internal/domain/guard"
)

// memGuards is an in-memory GuardStore.
type memGuards struct {
	mu     sync.Mutex
	guards map[string]guard.Guard
}

func newMemGuards() *memGuards {
	return &memGuards{guards: make(map[string]guard.Guard)}
}

func (m *memGuards) key(serverID, toolName string) string { return serverID + ":" + toolName }

func (m *memGuards) Put(ctx context.Context, g guard.Guard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guards[m.key(g.ServerID, g.ToolName)] = g
	return nil
}

func (m *memGuards) Delete(ctx context.Context, serverID, toolName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(serverID, toolName)
	if _, ok := m.guards[k]; !ok {
		return sqlite.ErrNotFound
	}
	delete(m.guards, k)
	return nil
}

func (m *memGuards) Get(ctx context.Context, serverID, toolName string) (*guard.Guard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.guards[m.key(serverID, toolName)]
	if !ok {
		return nil, sqlite.ErrNotFound
	}
	return &g, nil
}

func (m *memGuards) List(ctx context.Context) ([]guard.Guard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]guard.Guard, 0, len(m.guards))
	for _, g := range m.guards {
		out = append(out, g)
	}
	return out, nil
}

func guardFixture(t *testing.T) (*GuardService, *memGuards, func()) {
	t.Helper()
	store := newMemGuards()
	auditSvc := NewAuditService(&memAuditWriter{}, discardLogger(), WithAuditRetention(0))
	auditSvc.Start()
	svc, err := NewGuardService(store, auditSvc, discardLogger())
	if err != nil {
		t.Fatalf("NewGuardService failed: %v", err)
	}
	return svc, store, auditSvc.Stop
}

func TestMissingGuardAllows(t *testing.T) {
	svc, _, stop := guardFixture(t)
	defer stop()

	allowed, err := svc.Check(context.Background(), guard.Input{ServerID: "srv-a", ToolName: "search"})
	if err != nil || !allowed {
		t.Errorf("Check = %v, %v; want true, nil", allowed, err)
	}
}

func TestGuardAllowsAndDenies(t *testing.T) {
	svc, _, stop := guardFixture(t)
	defer stop()
	ctx := context.Background()

	err := svc.Put(ctx, guard.Guard{
		ServerID: "srv-a", ToolName: "delete_file",
		Expression: `arguments.path.startsWith("/tmp/")`,
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	allowed, err := svc.Check(ctx, guard.Input{
		ServerID: "srv-a", ToolName: "delete_file",
		Arguments: map[string]interface{}{"path": "/tmp/scratch"},
	})
	if err != nil || !allowed {
		t.Errorf("matching args denied: %v, %v", allowed, err)
	}

	allowed, err = svc.Check(ctx, guard.Input{
		ServerID: "srv-a", ToolName: "delete_file",
		Arguments: map[string]interface{}{"path": "/etc/passwd"},
	})
	if err != nil || allowed {
		t.Errorf("non-matching args allowed: %v, %v", allowed, err)
	}
}

func TestGuardEvalErrorDenies(t *testing.T) {
	svc, _, stop := guardFixture(t)
	defer stop()
	ctx := context.Background()

	// References a missing argument key; evaluation errors must deny.
	err := svc.Put(ctx, guard.Guard{
		ServerID: "srv-a", ToolName: "search",
		Expression: `arguments.missing_key == "x"`,
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	allowed, err := svc.Check(ctx, guard.Input{
		ServerID: "srv-a", ToolName: "search",
		Arguments: map[string]interface{}{},
	})
	if err != nil {
		t.Fatalf("Check returned hard error: %v", err)
	}
	if allowed {
		t.Error("failing evaluation allowed the call")
	}
}

func TestPutRejectsInvalidExpression(t *testing.T) {
	svc, store, stop := guardFixture(t)
	defer stop()

	err := svc.Put(context.Background(), guard.Guard{
		ServerID: "srv-a", ToolName: "search",
		Expression: `this is not CEL ((`,
	})
	if err == nil {
		t.Fatal("invalid expression accepted")
	}
	if _, gerr := store.Get(context.Background(), "srv-a", "search"); !errors.Is(gerr, sqlite.ErrNotFound) {
		t.Error("invalid guard reached the store")
	}
}

func TestPutRecompilesRewrittenGuard(t *testing.T) {
	svc, _, stop := guardFixture(t)
	defer stop()
	ctx := context.Background()
	in := guard.Input{
		ServerID: "srv-a", ToolName: "search",
		Arguments: map[string]interface{}{"q": "hello"},
	}

	if err := svc.Put(ctx, guard.Guard{ServerID: "srv-a", ToolName: "search", Expression: `true`}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if allowed, _ := svc.Check(ctx, in); !allowed {
		t.Fatal("true guard denied")
	}

	if err := svc.Put(ctx, guard.Guard{ServerID: "srv-a", ToolName: "search", Expression: `false`}); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}
	if allowed, _ := svc.Check(ctx, in); allowed {
		t.Error("stale compiled guard used after rewrite")
	}
}
