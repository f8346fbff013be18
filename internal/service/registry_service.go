package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Aegis-Gate/aegisgate/internal/adapter/outbound/keys"
	"github.com/Aegis-Gate/aegisgate/internal/domain/audit"
	"github.com/Aegis-Gate/aegisgate/internal/domain/upstream"
)

// Registry errors.
var (
	ErrServerNotFound = errors.New("upstream server not found")
	ErrServerExists   = errors.New("upstream server already registered")
)

// ServerStore is the persistence the registry writes through.
type ServerStore interface {
	Create(ctx context.Context, srv *upstream.Server, headersEnc []byte) error
	UpdateTools(ctx context.Context, id string, tools []upstream.Tool) error
	UpdateHealth(ctx context.Context, id string, health upstream.Health, at time.Time) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*upstream.Server, map[string][]byte, error)
}

// UpstreamClient is the transport the registry probes and discovers
// through. Matches *mcpclient.Client.
type UpstreamClient interface {
	Initialize(ctx context.Context) error
	ListTools(ctx context.Context) ([]upstream.Tool, error)
	Ping(ctx context.Context) error
	Call(ctx context.Context, raw []byte, onEvent func(data []byte)) ([]byte, error)
}

// ClientFactory builds a transport client for a registered server.
type ClientFactory func(srv *upstream.Server) UpstreamClient

// serverEntry couples a registered server with its live client and the
// lifetime context whose cancellation aborts in-flight calls on
// removal.
type serverEntry struct {
	server *upstream.Server
	client UpstreamClient
	cancel context.CancelFunc

	// backoff state for the health loop
	failBackoff time.Duration
	nextProbe   time.Time
}

// newServerEntry builds an entry whose client is bound to a lifetime
// context; Remove and Stop cancel it, aborting calls still in flight.
func newServerEntry(srv *upstream.Server, client UpstreamClient) *serverEntry {
	ctx, cancel := context.WithCancel(context.Background())
	return &serverEntry{
		server: srv,
		client: &lifetimeClient{next: client, lifetime: ctx},
		cancel: cancel,
	}
}

// lifetimeClient ties every call on a transport client to the server's
// registration lifetime in addition to the caller's context.
type lifetimeClient struct {
	next     UpstreamClient
	lifetime context.Context
}

// bind derives a call context canceled by either the caller or the
// server lifetime. The returned func releases both.
func (c *lifetimeClient) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.lifetime, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (c *lifetimeClient) Initialize(ctx context.Context) error {
	ctx, done := c.bind(ctx)
	defer done()
	return c.next.Initialize(ctx)
}

func (c *lifetimeClient) ListTools(ctx context.Context) ([]upstream.Tool, error) {
	ctx, done := c.bind(ctx)
	defer done()
	return c.next.ListTools(ctx)
}

func (c *lifetimeClient) Ping(ctx context.Context) error {
	ctx, done := c.bind(ctx)
	defer done()
	return c.next.Ping(ctx)
}

func (c *lifetimeClient) Call(ctx context.Context, raw []byte, onEvent func(data []byte)) ([]byte, error) {
	ctx, done := c.bind(ctx)
	defer done()
	return c.next.Call(ctx, raw, onEvent)
}

// RegistryService owns the upstream server registry: registration with
// handshake + discovery, removal with in-flight cancellation, the
// periodic health loop with exponential backoff, and the immutable
// aggregated catalog swapped copy-on-write.
type RegistryService struct {
	store   ServerStore
	cipher  *keys.Cipher
	factory ClientFactory
	audit   *AuditService
	logger  *slog.Logger

	healthInterval   time.Duration
	healthBackoffMax time.Duration

	// accessRoles derives the _access_roles metadata for catalog
	// entries; wired to the RBAC snapshot by the composition root.
	accessRoles func(serverID, toolName string) []string

	mu      sync.RWMutex
	entries map[string]*serverEntry
	catalog *upstream.Catalog

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// RegistryOption configures RegistryService.
type RegistryOption func(*RegistryService)

// WithHealthInterval sets the base health probe interval.
func WithHealthInterval(d time.Duration) RegistryOption {
	return func(s *RegistryService) {
		if d > 0 {
			s.healthInterval = d
		}
	}
}

// WithHealthBackoffMax caps the probe backoff for failing servers.
func WithHealthBackoffMax(d time.Duration) RegistryOption {
	return func(s *RegistryService) {
		if d > 0 {
			s.healthBackoffMax = d
		}
	}
}

// WithAccessRoles sets the role-grant lookup used to annotate catalog
// entries with _access_roles metadata.
func WithAccessRoles(fn func(serverID, toolName string) []string) RegistryOption {
	return func(s *RegistryService) { s.accessRoles = fn }
}

// NewRegistryService creates the registry. Call Load to hydrate from
// storage and Start to launch the health loop.
func NewRegistryService(store ServerStore, cipher *keys.Cipher, factory ClientFactory, auditSvc *AuditService, logger *slog.Logger, opts ...RegistryOption) *RegistryService {
	s := &RegistryService{
		store:            store,
		cipher:           cipher,
		factory:          factory,
		audit:            auditSvc,
		logger:           logger,
		healthInterval:   30 * time.Second,
		healthBackoffMax: 10 * time.Minute,
		entries:          make(map[string]*serverEntry),
		catalog:          upstream.NewCatalog(nil, nil),
		stop:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load hydrates the registry from storage, decrypting per-server
// headers and rebuilding the catalog. Unreachable servers stay
// registered; the health loop will probe them.
func (s *RegistryService) Load(ctx context.Context) error {
	servers, blobs, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load servers: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, srv := range servers {
		if blob, ok := blobs[srv.ID]; ok && len(blob) > 0 {
			headers, err := s.decryptHeaders(blob)
			if err != nil {
				s.logger.Error("failed to decrypt server headers, skipping credentials",
					"server_id", srv.ID, "error", err)
			} else {
				srv.Headers = headers
			}
		}
		s.entries[srv.ID] = newServerEntry(srv, s.factory(srv))
	}
	s.rebuildCatalogLocked()
	s.logger.Info("upstream registry loaded", "servers", len(servers))
	return nil
}

// Start launches the health loop.
func (s *RegistryService) Start() {
	s.wg.Add(1)
	go s.healthLoop()
}

// Stop halts the health loop and cancels all in-flight upstream calls.
func (s *RegistryService) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		e.cancel()
	}
}

// Register validates the URL, performs the initialize handshake,
// discovers tools, persists the record, and swaps the catalog.
func (s *RegistryService) Register(ctx context.Context, name, rawURL string, headers map[string]string) (*upstream.Server, error) {
	normalized, err := upstream.ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}

	id := upstream.ServerIDFromURL(normalized)
	s.mu.RLock()
	_, exists := s.entries[id]
	s.mu.RUnlock()
	if exists {
		return nil, ErrServerExists
	}

	now := time.Now()
	srv := &upstream.Server{
		ID:              id,
		Name:            name,
		URL:             normalized,
		Headers:         headers,
		Enabled:         true,
		Health:          upstream.HealthUnknown,
		LastHealthCheck: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	client := s.factory(srv)
	if err := client.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize handshake failed: %w", err)
	}
	tools, err := client.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("tool discovery failed: %w", err)
	}
	if err := upstream.ValidateTools(tools); err != nil {
		return nil, err
	}
	srv.Tools = tools
	srv.Health = upstream.HealthHealthy

	blob, err := s.encryptHeaders(headers)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, srv, blob); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.entries[id] = newServerEntry(srv, client)
	s.rebuildCatalogLocked()
	s.mu.Unlock()

	s.audit.Emit(&audit.Event{
		Kind:         audit.KindServerAdded,
		UserID:       userIDFromContext(ctx),
		ResourceType: "server",
		ResourceID:   id,
		Details:      map[string]interface{}{"url": normalized, "tools": len(tools)},
		Success:      true,
	})
	return srv, nil
}

// Remove unregisters a server, cancelling its in-flight calls.
func (s *RegistryService) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	entry, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
		s.rebuildCatalogLocked()
	}
	s.mu.Unlock()
	if !ok {
		return ErrServerNotFound
	}

	entry.cancel()
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}

	s.audit.Emit(&audit.Event{
		Kind:         audit.KindServerRemoved,
		UserID:       userIDFromContext(ctx),
		ResourceType: "server",
		ResourceID:   id,
		Success:      true,
	})
	return nil
}

// Refresh re-discovers one server's tools and swaps the catalog.
func (s *RegistryService) Refresh(ctx context.Context, id string) error {
	s.mu.RLock()
	entry, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return ErrServerNotFound
	}

	tools, err := entry.client.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("tool discovery failed: %w", err)
	}
	if err := upstream.ValidateTools(tools); err != nil {
		return err
	}
	if err := s.store.UpdateTools(ctx, id, tools); err != nil {
		return err
	}

	s.mu.Lock()
	entry.server.Tools = tools
	entry.server.UpdatedAt = time.Now()
	s.rebuildCatalogLocked()
	s.mu.Unlock()

	s.audit.Emit(&audit.Event{
		Kind:         audit.KindServerRefreshed,
		UserID:       userIDFromContext(ctx),
		ResourceType: "server",
		ResourceID:   id,
		Details:      map[string]interface{}{"tools": len(tools)},
		Success:      true,
	})
	return nil
}

// Catalog returns the current immutable catalog snapshot.
func (s *RegistryService) Catalog() *upstream.Catalog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.catalog
}

// Client returns the transport client for a registered server.
func (s *RegistryService) Client(id string) (UpstreamClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[id]
	if !ok {
		return nil, ErrServerNotFound
	}
	return entry.client, nil
}

// Servers lists registered servers, credentials omitted.
func (s *RegistryService) Servers() []*upstream.Server {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*upstream.Server, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.server)
	}
	return out
}

// rebuildCatalogLocked swaps in a fresh catalog. Callers hold s.mu.
func (s *RegistryService) rebuildCatalogLocked() {
	servers := make([]*upstream.Server, 0, len(s.entries))
	for _, e := range s.entries {
		servers = append(servers, e.server)
	}
	s.catalog = upstream.NewCatalog(servers, s.accessRoles)
}

// healthLoop probes registered servers. Healthy servers are probed at
// the base interval; failing ones back off exponentially up to the
// cap so a dead upstream does not burn cycles.
func (s *RegistryService) healthLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.probeAll()
		}
	}
}

func (s *RegistryService) probeAll() {
	now := time.Now()

	s.mu.RLock()
	due := make([]*serverEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.server.Enabled && now.After(e.nextProbe) {
			due = append(due, e)
		}
	}
	s.mu.RUnlock()

	for _, entry := range due {
		s.probe(entry)
	}
}

func (s *RegistryService) probe(entry *serverEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := entry.client.Ping(ctx)
	cancel()

	now := time.Now()
	s.mu.Lock()
	wasInCatalog := entry.server.InCatalog()
	health := entry.server.RecordHealthCheck(err == nil, now)

	if err == nil {
		entry.failBackoff = 0
		entry.nextProbe = now.Add(s.healthInterval)
	} else {
		if entry.failBackoff == 0 {
			entry.failBackoff = s.healthInterval
		} else {
			entry.failBackoff *= 2
			if entry.failBackoff > s.healthBackoffMax {
				entry.failBackoff = s.healthBackoffMax
			}
		}
		entry.nextProbe = now.Add(entry.failBackoff)
	}

	catalogChanged := wasInCatalog != entry.server.InCatalog()
	if catalogChanged {
		s.rebuildCatalogLocked()
	}
	id := entry.server.ID
	s.mu.Unlock()

	storeCtx, storeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if uerr := s.store.UpdateHealth(storeCtx, id, health, now); uerr != nil {
		s.logger.Error("failed to persist health", "server_id", id, "error", uerr)
	}
	storeCancel()

	if err != nil {
		s.logger.Warn("upstream health probe failed",
			"server_id", id, "health", health, "error", err)
		if catalogChanged {
			s.audit.Emit(&audit.Event{
				Kind:         audit.KindUpstreamError,
				Severity:     audit.SeverityError,
				ResourceType: "server",
				ResourceID:   id,
				Details:      map[string]interface{}{"reason": "marked unhealthy after consecutive probe failures"},
			})
		}
	}
}

func (s *RegistryService) encryptHeaders(headers map[string]string) ([]byte, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	plain, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("failed to encode headers: %w", err)
	}
	return s.cipher.Encrypt(plain)
}

func (s *RegistryService) decryptHeaders(blob []byte) (map[string]string, error) {
	plain, err := s.cipher.Decrypt(blob)
	if err != nil {
		return nil, err
	}
	var headers map[string]string
	if err := json.Unmarshal(plain, &headers); err != nil {
		return nil, fmt.Errorf("failed to decode headers: %w", err)
	}
	return headers, nil
}
