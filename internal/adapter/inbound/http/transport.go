package http

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Aegis-Gate/aegisgate/internal/service"
)

// Transport is the inbound HTTP adapter: it exposes /mcp (the MCP
// Streamable HTTP endpoint), /health, /metrics, and optionally the
// admin control plane routes.
type Transport struct {
	gateway  *service.GatewayService
	audit    *service.AuditService
	verifier TokenVerifier
	policy   PolicySource

	server        *http.Server
	addr          string
	certFile      string
	keyFile       string
	adminHandler  http.Handler
	tracing       func(http.Handler) http.Handler
	healthChecker *HealthChecker
	metrics       *Metrics
	logger        *slog.Logger
}

// Option configures Transport.
type Option func(*Transport)

// WithAddr sets the listen address. Default is "127.0.0.1:8080".
func WithAddr(addr string) Option {
	return func(t *Transport) { t.addr = addr }
}

// WithTLS enables TLS with the given certificate and key files.
func WithTLS(certFile, keyFile string) Option {
	return func(t *Transport) {
		t.certFile = certFile
		t.keyFile = keyFile
	}
}

// WithAdminHandler mounts the admin control plane routes (/admin/,
// /auth/, /.well-known/jwks.json).
func WithAdminHandler(h http.Handler) Option {
	return func(t *Transport) { t.adminHandler = h }
}

// WithTracing wraps the MCP and admin routes in a tracing middleware.
func WithTracing(mw func(http.Handler) http.Handler) Option {
	return func(t *Transport) { t.tracing = mw }
}

// WithHealthChecker sets the /health handler.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(t *Transport) { t.healthChecker = hc }
}

// WithLogger sets the transport logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// NewTransport creates the HTTP adapter. policy provides the current
// origin policy snapshot; verifier resolves bearer tokens.
func NewTransport(gateway *service.GatewayService, auditSvc *service.AuditService, verifier TokenVerifier, policy PolicySource, opts ...Option) *Transport {
	t := &Transport{
		gateway:  gateway,
		audit:    auditSvc,
		verifier: verifier,
		policy:   policy,
		addr:     "127.0.0.1:8080",
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Handler builds the full route tree with the middleware chain
// (outermost first): metrics, request id, real ip, origin validation,
// bearer auth, then the MCP handler.
func (t *Transport) Handler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	t.metrics = NewMetrics(reg, t.gateway.Sessions().Count, t.audit.Dropped)

	var mcpH http.Handler = mcpHandler(t.gateway, t.metrics)
	mcpH = BearerAuthMiddleware(t.verifier)(mcpH)
	mcpH = OriginMiddleware(t.policy, t.audit, t.logger)(mcpH)
	mcpH = RealIPMiddleware(mcpH)
	mcpH = RequestIDMiddleware(t.logger)(mcpH)
	mcpH = MetricsMiddleware(t.metrics)(mcpH)
	if t.tracing != nil {
		mcpH = t.tracing(mcpH)
	}

	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpH)
	mux.Handle("/mcp/", mcpH)

	if t.adminHandler != nil {
		admin := BearerAuthMiddleware(t.verifier)(t.adminHandler)
		admin = RealIPMiddleware(admin)
		admin = RequestIDMiddleware(t.logger)(admin)
		if t.tracing != nil {
			admin = t.tracing(admin)
		}
		mux.Handle("/admin/", admin)
		mux.Handle("/auth/", admin)
		mux.Handle("/.well-known/jwks.json", admin)
	}

	if t.healthChecker != nil {
		mux.Handle("/health", t.healthChecker.Handler())
	} else {
		mux.Handle("/health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		}))
	}
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	return mux
}

// Start begins serving. It blocks until ctx is canceled or the server
// fails, then shuts down gracefully.
func (t *Transport) Start(ctx context.Context) error {
	t.server = &http.Server{
		Addr:              t.addr,
		Handler:           t.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if t.certFile != "" && t.keyFile != "" {
		t.server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if t.certFile != "" && t.keyFile != "" {
			t.logger.Info("starting HTTPS server", "addr", t.addr)
			err = t.server.ListenAndServeTLS(t.certFile, t.keyFile)
		} else {
			t.logger.Info("starting HTTP server", "addr", t.addr)
			err = t.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context canceled, shutting down HTTP server")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown drains in-flight requests, then closes remaining sessions so
// SSE writers unblock.
func (t *Transport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.gateway.Sessions().Shutdown()

	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during server shutdown", "error", err)
		return err
	}
	t.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (t *Transport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}
