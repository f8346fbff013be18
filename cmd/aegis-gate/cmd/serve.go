package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aegis-Gate/aegisgate/internal/adapter/inbound/admin"
	"github.com/Aegis-Gate/aegisgate/internal/adapter/inbound/http"
	"github.com/Aegis-Gate/aegisgate/internal/adapter/outbound/keys"
	"github.com/Aegis-Gate/aegisgate/internal/adapter/outbound/mcpclient"
	"github.com/Aegis-Gate/aegisgate/internal/adapter/outbound/sqlite"
	"github.com/Aegis-Gate/aegisgate/internal/config"
	"github.com/Aegis-Gate/aegisgate/internal/domain/audit"
	"github.com/Aegis-Gate/aegisgate/internal/domain/rbac"
	"github.com/Aegis-Gate/aegisgate/internal/domain/session"
	"github.com/Aegis-Gate/aegisgate/internal/domain/upstream"
	"github.com/Aegis-Gate/aegisgate/internal/service"
	"github.com/Aegis-Gate/aegisgate/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Start the AegisGate gateway.

The gateway serves the MCP Streamable HTTP endpoint on /mcp, the admin
control plane under /admin/api, /health, and /metrics. State lives in a
single SQLite database; on first boot the database, the encryption key
file, and a default admin account are created automatically.

Examples:
  # Start with config file settings
  aegis-gate serve

  # Start with a specific config file
  aegis-gate --config /path/to/config.yaml serve

  # Development mode (debug logging, missing-origin allowance)
  aegis-gate serve --dev`,
	RunE: runServe,
}

var devMode bool

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, missing-origin allowance)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load without validation so the --dev flag can override first.
	cfg, err := config.LoadRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// stop() restores default signal handling so a second Ctrl+C does a
	// hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))
	slog.SetDefault(logger)

	if file := config.FileUsed(); file != "" {
		logger.Info("loaded config", "file", file)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}
	logger.Info("aegis-gate stopped")
	return nil
}

// run wires all components together and serves until ctx is canceled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := sqlite.Open(ctx, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	logger.Info("database opened", "path", cfg.Database.Path)

	// Encryption key for secrets at rest (upstream headers, key ring,
	// directory config). Auto-generated with 0600 on first boot.
	key, err := keys.LoadOrCreateKeyFile(cfg.Auth.EncryptionKeyFile, logger)
	if err != nil {
		return fmt.Errorf("failed to load encryption key: %w", err)
	}
	cipher, err := keys.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}

	// Audit pipeline starts first so everything downstream can emit.
	auditSvc := service.NewAuditService(db.Audit(), logger,
		service.WithAuditChannelSize(cfg.Audit.ChannelSize),
		service.WithAuditBatchSize(cfg.Audit.BatchSize),
		service.WithAuditFlushInterval(cfg.Audit.FlushIntervalDuration()),
		service.WithAuditRetention(time.Duration(cfg.Audit.RetentionDays)*24*time.Hour),
	)
	auditSvc.Start()
	defer auditSvc.Stop()

	configSvc := service.NewConfigService(db.Config(), cipher, auditSvc, logger)
	if err := configSvc.Load(ctx); err != nil {
		return fmt.Errorf("failed to load stored config: %w", err)
	}
	if err := seedOriginPolicy(ctx, cfg, configSvc); err != nil {
		return fmt.Errorf("failed to seed origin policy: %w", err)
	}

	ring, err := configSvc.LoadKeyRing(ctx)
	if err != nil {
		return fmt.Errorf("failed to load signing keys: %w", err)
	}

	// Seed the default roles and the admin account on an empty database.
	if err := service.Bootstrap(ctx, db.Users(), db.Roles(), auditSvc, logger); err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}

	rbacSvc := service.NewRBACService(db.Roles(), logger, cfg.Auth.RBACEnforced())
	if err := rbacSvc.Reload(ctx); err != nil {
		return fmt.Errorf("failed to load roles: %w", err)
	}
	if !rbacSvc.Enforced() {
		logger.Warn("RBAC enforcement disabled: anonymous tools/list is permitted")
	}

	factory := func(srv *upstream.Server) service.UpstreamClient {
		return mcpclient.New(srv.ID, srv.URL, srv.Headers,
			mcpclient.WithTimeout(cfg.Upstream.CallTimeoutDuration()),
			mcpclient.WithMaxInflight(cfg.Upstream.MaxInflight),
			mcpclient.WithQueueSize(cfg.Upstream.QueueSize),
		)
	}
	registry := service.NewRegistryService(db.Servers(), cipher, factory, auditSvc, logger,
		service.WithHealthInterval(cfg.Upstream.HealthIntervalDuration()),
		service.WithHealthBackoffMax(cfg.Upstream.HealthBackoffMaxDuration()),
		service.WithAccessRoles(func(serverID, toolName string) []string {
			return rbacSvc.Snapshot().GrantedRoles(rbac.ToolRef{ServerID: serverID, ToolName: toolName})
		}),
	)
	if err := registry.Load(ctx); err != nil {
		return fmt.Errorf("failed to load upstream registry: %w", err)
	}
	registry.Start()
	defer registry.Stop()

	sessions := session.NewManager(
		session.WithTimeout(cfg.Session.TimeoutDuration()),
		session.WithEventBufferSize(cfg.Session.EventBufferSize),
		session.WithQueueSize(cfg.Session.QueueSize),
		session.WithLogger(logger),
		session.WithCloseHook(func(s *session.Session, reason session.CloseReason) {
			auditSvc.Emit(&audit.Event{
				Timestamp:    time.Now().UTC(),
				Kind:         audit.KindSessionClosed,
				Severity:     audit.SeverityInfo,
				UserID:       s.UserID,
				ResourceType: "session",
				ResourceID:   s.ID,
				Details:      map[string]interface{}{"reason": string(reason)},
				Success:      true,
			})
		}),
	)
	defer sessions.Shutdown()

	guardSvc, err := service.NewGuardService(db.Guards(), auditSvc, logger)
	if err != nil {
		return fmt.Errorf("failed to create guard service: %w", err)
	}

	gateway := service.NewGatewayService(sessions, registry, rbacSvc, guardSvc, auditSvc, logger,
		service.WithCallTimeout(cfg.Upstream.CallTimeoutDuration()),
	)

	tokenOpts := []service.TokenOption{service.WithTokenTTL(cfg.Auth.TokenTTLDuration())}
	if cfg.Auth.LegacySecret != "" {
		logger.Warn("legacy HS256 validation fallback enabled")
		tokenOpts = append(tokenOpts, service.WithLegacySecret(cfg.Auth.LegacySecret))
	}
	tokens := service.NewTokenService(db.Users(), ring, auditSvc, logger, tokenOpts...)

	api := admin.New(
		admin.WithUserStore(db.Users()),
		admin.WithRoleStore(db.Roles()),
		admin.WithRBACService(rbacSvc),
		admin.WithRegistryService(registry),
		admin.WithGuardService(guardSvc),
		admin.WithTokenService(tokens),
		admin.WithConfigService(configSvc),
		admin.WithAuditService(auditSvc),
		admin.WithKeyRing(ring),
		admin.WithLogger(logger),
		admin.WithVersion(Version),
	)

	tel, err := telemetry.New(cfg.Telemetry.TracingEnabled, "aegis-gate", Version,
		telemetry.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shCtx); err != nil {
			logger.Error("tracing shutdown failed", "error", err)
		}
	}()

	opts := []http.Option{
		http.WithAddr(cfg.Server.Addr()),
		http.WithAdminHandler(api.Routes()),
		http.WithHealthChecker(http.NewHealthChecker(sessions, registry, auditSvc, Version)),
		http.WithLogger(logger),
	}
	if tel.Enabled() {
		opts = append(opts, http.WithTracing(tel.HTTPMiddleware()))
	}
	transport := http.NewTransport(gateway, auditSvc, tokens, configSvc.Policy, opts...)

	return transport.Start(ctx)
}

// seedOriginPolicy merges bootstrap origins from file/env config into
// the stored policy. Merge-only: origins removed from the file stay in
// the store until removed via the admin API. Idempotent re-seeding does
// not bump the policy version or emit audit events.
func seedOriginPolicy(ctx context.Context, cfg *config.Config, configSvc *service.ConfigService) error {
	for _, o := range cfg.Origin.AllowedOrigins {
		if _, _, err := configSvc.AddOrigin(ctx, o, ""); err != nil {
			return fmt.Errorf("invalid allowed origin %q: %w", o, err)
		}
	}

	set := func(v bool) *bool { return &v }
	var httpsAny, ngrok, missingOrigin *bool
	if cfg.Origin.AllowHTTPSAny {
		httpsAny = set(true)
	}
	if cfg.Origin.AllowNgrok {
		ngrok = set(true)
	}
	if cfg.Origin.AllowMissingOrigin {
		missingOrigin = set(true)
	}
	if httpsAny != nil || ngrok != nil || missingOrigin != nil {
		if _, err := configSvc.SetPermissiveFlags(ctx, httpsAny, ngrok, missingOrigin, ""); err != nil {
			return err
		}
	}
	return nil
}

// parseLogLevel converts a string log level to slog.Level. Returns
// slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
