package upstream

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestServerIDFromURL(t *testing.T) {
	a := ServerIDFromURL("http://localhost:3000/mcp")
	b := ServerIDFromURL("http://localhost:3000/mcp/")
	if a != b {
		t.Errorf("trailing slash changed id: %q vs %q", a, b)
	}
	if ServerIDFromURL("http://localhost:3001/mcp") == a {
		t.Error("different URLs produced the same id")
	}
	if len(a) != 20 || a[:4] != "srv-" {
		t.Errorf("unexpected id shape %q", a)
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "http://localhost:3000/mcp", want: "http://localhost:3000/mcp"},
		{raw: "https://tools.example.com/sse/", want: "https://tools.example.com/sse"},
		{raw: "ftp://example.com", wantErr: true},
		{raw: "not a url", wantErr: true},
		{raw: "/relative/path", wantErr: true},
		{raw: "", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ValidateURL(tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ValidateURL(%q) = %q, want error", tt.raw, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ValidateURL(%q): %v", tt.raw, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ValidateURL(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestValidateTools(t *testing.T) {
	if err := ValidateTools([]Tool{{Name: "a"}, {Name: "b"}}); err != nil {
		t.Errorf("unique tools rejected: %v", err)
	}
	if err := ValidateTools([]Tool{{Name: "a"}, {Name: "a"}}); !errors.Is(err, ErrDuplicateTool) {
		t.Errorf("duplicate tools: got %v, want ErrDuplicateTool", err)
	}

	many := make([]Tool, MaxToolsPerServer+1)
	for i := range many {
		many[i] = Tool{Name: fmt.Sprintf("t%d", i)}
	}
	if err := ValidateTools(many); !errors.Is(err, ErrTooManyTools) {
		t.Errorf("oversized list: got %v, want ErrTooManyTools", err)
	}
}

func TestRecordHealthCheck(t *testing.T) {
	s := &Server{Health: HealthUnknown}
	now := time.Now()

	// Two failures keep the server in the catalog; the third marks it
	// unhealthy.
	s.RecordHealthCheck(false, now)
	s.RecordHealthCheck(false, now)
	if s.Health == HealthUnhealthy {
		t.Fatal("unhealthy before third consecutive failure")
	}
	if got := s.RecordHealthCheck(false, now); got != HealthUnhealthy {
		t.Fatalf("after 3 failures: %v, want unhealthy", got)
	}

	// One success resets the streak.
	if got := s.RecordHealthCheck(true, now); got != HealthHealthy {
		t.Fatalf("after success: %v, want healthy", got)
	}
	if s.ConsecutiveFails != 0 {
		t.Errorf("fail streak = %d, want 0", s.ConsecutiveFails)
	}
}

func catalogFixture() *Catalog {
	srvA := &Server{
		ID: "srv-a", Enabled: true, Health: HealthHealthy,
		Tools: []Tool{{Name: "search"}, {Name: "fetch"}},
	}
	srvB := &Server{
		ID: "srv-b", Enabled: true, Health: HealthHealthy,
		Tools: []Tool{{Name: "search"}},
	}
	srvDown := &Server{
		ID: "srv-down", Enabled: true, Health: HealthUnhealthy,
		Tools: []Tool{{Name: "hidden"}},
	}
	return NewCatalog([]*Server{srvA, srvB, srvDown}, nil)
}

func TestCatalogExcludesUnhealthy(t *testing.T) {
	c := catalogFixture()
	if c.Len() != 3 {
		t.Fatalf("catalog size = %d, want 3 (unhealthy server excluded)", c.Len())
	}
	if got := c.Lookup("hidden"); got != nil {
		t.Errorf("unhealthy server's tool is listed: %v", got)
	}
}

func TestResolveUnambiguous(t *testing.T) {
	c := catalogFixture()

	entry, err := c.Resolve("fetch", nil)
	if err != nil {
		t.Fatalf("Resolve(fetch): %v", err)
	}
	if entry.ServerID != "srv-a" {
		t.Errorf("routed to %q, want srv-a", entry.ServerID)
	}
}

func TestResolveCollision(t *testing.T) {
	c := catalogFixture()

	// Both servers visible: ambiguous.
	_, err := c.Resolve("search", nil)
	if !errors.Is(err, ErrToolAmbiguous) {
		t.Fatalf("Resolve(search) all visible = %v, want ErrToolAmbiguous", err)
	}

	// Only srv-a visible: resolves there.
	onlyA := func(e CatalogTool) bool { return e.ServerID == "srv-a" }
	entry, err := c.Resolve("search", onlyA)
	if err != nil {
		t.Fatalf("Resolve(search) visible=srv-a: %v", err)
	}
	if entry.ServerID != "srv-a" {
		t.Errorf("routed to %q, want srv-a", entry.ServerID)
	}
}

func TestResolveInvisibleIsUnknown(t *testing.T) {
	c := catalogFixture()

	none := func(CatalogTool) bool { return false }
	_, err := c.Resolve("search", none)
	if !errors.Is(err, ErrToolUnknown) {
		t.Errorf("invisible tool = %v, want ErrToolUnknown (not denied)", err)
	}

	_, err = c.Resolve("no_such_tool", nil)
	if !errors.Is(err, ErrToolUnknown) {
		t.Errorf("absent tool = %v, want ErrToolUnknown", err)
	}
}
