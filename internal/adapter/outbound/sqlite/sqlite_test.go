package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Aegis-Gate/aegisgate/internal/domain/audit"
	"github.com/Aegis-Gate/aegisgate/internal/domain/guard"
	"github.com/Aegis-Gate/aegisgate/internal/domain/identity"
	"github.com/Aegis-Gate/aegisgate/internal/domain/rbac"
	"github.com/Aegis-Gate/aegisgate/internal/domain/upstream"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state", "gateway.db")
	db, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestUserStoreCRUD(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	users := db.Users()
	now := time.Now()

	u := &identity.User{
		ID:           "u-1",
		Email:        "alice@example.com",
		Name:         "Alice",
		Provider:     identity.ProviderLocal,
		PasswordHash: "$argon2id$fake",
		Enabled:      true,
		RoleIDs:      []string{"admin"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	// The admin role must exist for the FK on user_roles.
	seedRole(t, db, "admin")

	if err := users.Create(ctx, u); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := users.GetByEmail(ctx, "ALICE@example.com")
	if err != nil {
		t.Fatalf("GetByEmail failed: %v", err)
	}
	if got.ID != "u-1" || got.PasswordHash != "$argon2id$fake" {
		t.Errorf("unexpected user: %+v", got)
	}
	if len(got.RoleIDs) != 1 || got.RoleIDs[0] != "admin" {
		t.Errorf("expected roles [admin], got %v", got.RoleIDs)
	}

	// Duplicate email is rejected.
	dup := *u
	dup.ID = "u-2"
	dup.RoleIDs = nil
	if err := users.Create(ctx, &dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}

	n, err := users.Count(ctx)
	if err != nil || n != 1 {
		t.Errorf("Count = %d, %v; want 1, nil", n, err)
	}

	if err := users.Delete(ctx, "u-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := users.GetByID(ctx, "u-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func seedRole(t *testing.T, db *DB, id string) {
	t.Helper()
	now := time.Now()
	err := db.Roles().Create(context.Background(), &rbac.Role{
		ID: id, Name: id, IsSystem: true,
		Permissions: []rbac.Permission{rbac.PermUserManage},
		CreatedAt:   now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seedRole(%s) failed: %v", id, err)
	}
}

func TestRoleStoreSystemDeleteRefused(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedRole(t, db, "admin")

	if err := db.Roles().Delete(ctx, "admin"); !errors.Is(err, rbac.ErrSystemRoleDelete) {
		t.Errorf("expected ErrSystemRoleDelete, got %v", err)
	}
}

func TestGrantIdempotence(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedRole(t, db, "admin")
	roles := db.Roles()

	g := rbac.Grant{RoleID: "admin", ServerID: "srv-1", ToolName: "search", GrantedAt: time.Now()}

	changed, err := roles.AddGrant(ctx, g)
	if err != nil || !changed {
		t.Fatalf("first AddGrant = %v, %v; want true, nil", changed, err)
	}
	changed, err = roles.AddGrant(ctx, g)
	if err != nil || changed {
		t.Errorf("second AddGrant = %v, %v; want false, nil", changed, err)
	}

	changed, err = roles.RemoveGrant(ctx, g)
	if err != nil || !changed {
		t.Fatalf("first RemoveGrant = %v, %v; want true, nil", changed, err)
	}
	changed, err = roles.RemoveGrant(ctx, g)
	if err != nil || changed {
		t.Errorf("second RemoveGrant = %v, %v; want false, nil", changed, err)
	}
}

func TestServerStoreRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	servers := db.Servers()
	now := time.Now()

	srv := &upstream.Server{
		ID:              "srv-0011223344556677",
		Name:            "search",
		URL:             "https://mcp.example.com/search",
		Enabled:         true,
		Tools:           []upstream.Tool{{Name: "web_search", Description: "search the web"}},
		Health:          upstream.HealthHealthy,
		LastHealthCheck: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	blob := []byte("encrypted-headers")

	if err := servers.Create(ctx, srv, blob); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, gotBlob, err := servers.GetByID(ctx, srv.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.URL != srv.URL || len(got.Tools) != 1 || got.Tools[0].Name != "web_search" {
		t.Errorf("unexpected server: %+v", got)
	}
	if string(gotBlob) != "encrypted-headers" {
		t.Errorf("headers blob = %q", gotBlob)
	}

	if err := servers.UpdateHealth(ctx, srv.ID, upstream.HealthUnhealthy, now.Add(time.Minute)); err != nil {
		t.Fatalf("UpdateHealth failed: %v", err)
	}
	got, _, err = servers.GetByID(ctx, srv.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Health != upstream.HealthUnhealthy {
		t.Errorf("health = %s, want unhealthy", got.Health)
	}

	if err := servers.UpdateHealth(ctx, "srv-missing", upstream.HealthHealthy, now); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestConfigStoreVersioning(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	cfg := db.Config()

	if _, _, err := cfg.Get(ctx, ConfigKeyOriginPolicy); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing key, got %v", err)
	}

	v1, err := cfg.Set(ctx, ConfigKeyOriginPolicy, []byte(`{"allowed":["a.example.com"]}`))
	if err != nil || v1 != 1 {
		t.Fatalf("first Set = %d, %v; want 1, nil", v1, err)
	}
	v2, err := cfg.Set(ctx, ConfigKeyOriginPolicy, []byte(`{"allowed":[]}`))
	if err != nil || v2 != 2 {
		t.Fatalf("second Set = %d, %v; want 2, nil", v2, err)
	}

	value, version, err := cfg.Get(ctx, ConfigKeyOriginPolicy)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if version != 2 || string(value) != `{"allowed":[]}` {
		t.Errorf("Get = %q, v%d", value, version)
	}
}

func TestGuardStore(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	guards := db.Guards()

	g := guard.Guard{ServerID: "srv-1", ToolName: "delete_file", Expression: `!arguments.path.startsWith("/etc")`}
	if err := guards.Put(ctx, g); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Put is an upsert.
	g.Expression = `arguments.path.startsWith("/tmp")`
	if err := guards.Put(ctx, g); err != nil {
		t.Fatalf("upsert Put failed: %v", err)
	}
	got, err := guards.Get(ctx, "srv-1", "delete_file")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Expression != g.Expression {
		t.Errorf("expression = %q", got.Expression)
	}

	if err := guards.Delete(ctx, "srv-1", "delete_file"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := guards.Delete(ctx, "srv-1", "delete_file"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAuditAppendAssignsMonotonicIDs(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	log := db.Audit()
	now := time.Now()

	events := []*audit.Event{
		{Timestamp: now, Kind: audit.KindLogin, Severity: audit.SeverityInfo, UserID: "u-1", Success: true},
		{Timestamp: now, Kind: audit.KindToolCalled, Severity: audit.SeverityInfo, UserID: "u-1",
			Details: map[string]interface{}{"tool": "search"}, Success: true},
		{Timestamp: now, Kind: audit.KindLoginFailed, Severity: audit.SeverityWarn, UserID: "u-2"},
	}
	ids, err := log.AppendBatch(ctx, events)
	if err != nil {
		t.Fatalf("AppendBatch failed: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("got %d ids, want 3", len(ids))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Errorf("ids not monotonic: %v", ids)
		}
	}
}

func TestAuditQueryFilters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	log := db.Audit()
	now := time.Now()

	_, err := log.AppendBatch(ctx, []*audit.Event{
		{Timestamp: now.Add(-2 * time.Hour), Kind: audit.KindLogin, Severity: audit.SeverityInfo, UserID: "u-1", Success: true},
		{Timestamp: now, Kind: audit.KindToolCalled, Severity: audit.SeverityInfo, UserID: "u-1", Success: true},
		{Timestamp: now, Kind: audit.KindToolCalled, Severity: audit.SeverityInfo, UserID: "u-2", Success: true},
	})
	if err != nil {
		t.Fatalf("AppendBatch failed: %v", err)
	}

	byKind, err := log.Query(ctx, audit.Filter{Kind: audit.KindToolCalled})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(byKind) != 2 {
		t.Errorf("kind filter returned %d events, want 2", len(byKind))
	}

	byUser, err := log.Query(ctx, audit.Filter{UserID: "u-2"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(byUser) != 1 || byUser[0].UserID != "u-2" {
		t.Errorf("user filter returned %+v", byUser)
	}

	recent, err := log.Query(ctx, audit.Filter{Since: now.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(recent) != 2 {
		t.Errorf("since filter returned %d events, want 2", len(recent))
	}

	// Newest first.
	all, err := log.Query(ctx, audit.Filter{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(all) != 3 || all[0].ID <= all[2].ID {
		t.Errorf("expected descending ids, got %+v", all)
	}
}

func TestAuditStatsAndRetention(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	log := db.Audit()
	now := time.Now()

	_, err := log.AppendBatch(ctx, []*audit.Event{
		{Timestamp: now.Add(-100 * 24 * time.Hour), Kind: audit.KindLogin, Severity: audit.SeverityInfo, Success: true},
		{Timestamp: now, Kind: audit.KindLogin, Severity: audit.SeverityInfo, Success: true},
		{Timestamp: now, Kind: audit.KindLoginFailed, Severity: audit.SeverityWarn},
	})
	if err != nil {
		t.Fatalf("AppendBatch failed: %v", err)
	}

	stats, err := log.Stats(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 2 {
		t.Errorf("Total = %d, want 2", stats.Total)
	}
	if stats.ByKind[audit.KindLogin] != 1 || stats.BySeverity[audit.SeverityWarn] != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	deleted, err := log.DeleteBefore(ctx, now.Add(-90*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteBefore failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	all, err := log.Query(ctx, audit.Filter{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("got %d events after sweep, want 2", len(all))
	}
}

func TestAuditDetailsRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	log := db.Audit()

	details := audit.Redact(map[string]interface{}{
		"tool":     "search",
		"password": "hunter2",
	})
	_, err := log.Append(ctx, &audit.Event{
		Timestamp: time.Now(), Kind: audit.KindToolCalled,
		Severity: audit.SeverityInfo, Details: details, Success: true,
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	events, err := log.Query(ctx, audit.Filter{Kind: audit.KindToolCalled})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Details["tool"] != "search" {
		t.Errorf("details = %v", events[0].Details)
	}
	if events[0].Details["password"] != "***REDACTED***" {
		t.Errorf("password not redacted: %v", events[0].Details)
	}
}
