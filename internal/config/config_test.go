package config

import (
	"strings"
	"testing"
	"time"
)

func TestSetDefaults(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()

	if cfg.Server.Addr() != "127.0.0.1:8080" {
		t.Errorf("default addr = %q, want 127.0.0.1:8080", cfg.Server.Addr())
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("default log level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Session.EventBufferSize != 256 {
		t.Errorf("default event buffer = %d, want 256", cfg.Session.EventBufferSize)
	}
	if cfg.Session.QueueSize != 64 {
		t.Errorf("default queue size = %d, want 64", cfg.Session.QueueSize)
	}
	if cfg.Upstream.MaxInflight != 16 {
		t.Errorf("default max inflight = %d, want 16", cfg.Upstream.MaxInflight)
	}
	if cfg.Audit.RetentionDays != 90 {
		t.Errorf("default retention = %d, want 90", cfg.Audit.RetentionDays)
	}
	if !cfg.Auth.RBACEnforced() {
		t.Error("RBAC must be enforced by default")
	}
	if cfg.Auth.TokenTTLDuration() != 8*time.Hour {
		t.Errorf("default token ttl = %v, want 8h", cfg.Auth.TokenTTLDuration())
	}
	if !strings.HasSuffix(cfg.Database.Path, "aegis-gate.db") {
		t.Errorf("default db path = %q", cfg.Database.Path)
	}
}

func TestDevModeDefaults(t *testing.T) {
	cfg := Config{DevMode: true}
	cfg.SetDefaults()
	cfg.SetDevDefaults()

	if cfg.Server.LogLevel != "debug" {
		t.Errorf("dev mode log level = %q, want debug", cfg.Server.LogLevel)
	}
	if !cfg.Origin.AllowMissingOrigin {
		t.Error("dev mode must allow requests with no origin headers")
	}
}

func TestMissingOriginAllowanceIsOptIn(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()

	if cfg.Origin.AllowMissingOrigin {
		t.Error("missing-origin allowance must be off outside dev mode")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "Port",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Server.LogLevel = "verbose" },
			wantErr: "LogLevel",
		},
		{
			name:    "bad duration",
			mutate:  func(c *Config) { c.Session.Timeout = "30 minutes" },
			wantErr: "session.timeout",
		},
		{
			name:    "origin with scheme rejected",
			mutate:  func(c *Config) { c.Origin.AllowedOrigins = []string{"https://example.com"} },
			wantErr: "AllowedOrigins",
		},
		{
			name:    "origin with injection rejected",
			mutate:  func(c *Config) { c.Origin.AllowedOrigins = []string{"evil.com;drop"} },
			wantErr: "AllowedOrigins",
		},
		{
			name:   "plain hostnames accepted",
			mutate: func(c *Config) { c.Origin.AllowedOrigins = []string{"example.com", "app.internal"} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			cfg.SetDefaults()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("HOST", "0.0.0.0")
	t.Setenv("PORT", "9090")
	t.Setenv("JWT_SECRET", "legacy-secret")
	t.Setenv("ENCRYPTION_KEY_FILE", "/var/lib/aegis-gate/key")
	t.Setenv("ALLOWED_ORIGINS", "a.example.com, b.example.com,")

	var cfg Config
	cfg.SetDefaults()
	cfg.ApplyEnvOverrides()

	if cfg.Server.Addr() != "0.0.0.0:9090" {
		t.Errorf("addr = %q, want 0.0.0.0:9090", cfg.Server.Addr())
	}
	if cfg.Auth.LegacySecret != "legacy-secret" {
		t.Errorf("legacy secret not applied")
	}
	if cfg.Auth.EncryptionKeyFile != "/var/lib/aegis-gate/key" {
		t.Errorf("key file = %q", cfg.Auth.EncryptionKeyFile)
	}
	if len(cfg.Origin.AllowedOrigins) != 2 || cfg.Origin.AllowedOrigins[1] != "b.example.com" {
		t.Errorf("allowed origins = %v", cfg.Origin.AllowedOrigins)
	}
}

func TestRBACEnforceExplicitFalse(t *testing.T) {
	off := false
	cfg := Config{Auth: AuthConfig{RBACEnforce: &off}}
	if cfg.Auth.RBACEnforced() {
		t.Error("explicit false must disable enforcement")
	}
}
