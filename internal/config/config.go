// Package config provides configuration types and loading for aegis-gate.
//
// Configuration comes from three layers, later layers winning:
//
//  1. aegis-gate.yaml (searched in ., ~/.aegis-gate, /etc/aegis-gate)
//  2. AEGIS_GATE_* environment variables for any nested key
//  3. A small set of bare environment variables kept for operational
//     compatibility: HOST, PORT, JWT_SECRET, ENCRYPTION_KEY_FILE,
//     ALLOWED_ORIGINS.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config is the top-level configuration for aegis-gate.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Database configures the SQLite store holding users, roles, grants,
	// upstream servers, config entries, and the audit log.
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`

	// Auth configures token issuance and verification.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Origin seeds the origin policy on first boot. After first boot the
	// stored policy is authoritative; these fields are merge-only.
	Origin OriginConfig `yaml:"origin" mapstructure:"origin"`

	// Session configures MCP session lifecycle and SSE buffering.
	Session SessionConfig `yaml:"session" mapstructure:"session"`

	// Upstream configures outbound MCP client behavior.
	Upstream UpstreamConfig `yaml:"upstream" mapstructure:"upstream"`

	// Audit configures the audit pipeline and retention.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Telemetry configures the optional trace exporter.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// DevMode enables development conveniences (debug logging,
	// permissive missing-origin handling).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
// TLS is out of scope; terminate it at a reverse proxy.
type ServerConfig struct {
	// Host is the bind address. Defaults to "127.0.0.1".
	Host string `yaml:"host" mapstructure:"host" validate:"omitempty"`

	// Port is the listen port. Defaults to 8080.
	Port int `yaml:"port" mapstructure:"port" validate:"omitempty,min=1,max=65535"`

	// LogLevel sets the minimum log level: "debug", "info", "warn", "error".
	// Defaults to "info"; DevMode overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// ShutdownTimeout bounds graceful shutdown (e.g. "10s").
	ShutdownTimeout string `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"omitempty"`
}

// Addr returns the host:port bind address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the SQLite database file. Defaults to
	// "~/.aegis-gate/aegis-gate.db".
	Path string `yaml:"path" mapstructure:"path"`
}

// AuthConfig configures tokens and RBAC enforcement.
type AuthConfig struct {
	// TokenTTL is the lifetime of issued access tokens (e.g. "8h").
	TokenTTL string `yaml:"token_ttl" mapstructure:"token_ttl" validate:"omitempty"`

	// LegacySecret is the optional HS256 secret accepted for validation
	// fallback only. New tokens are always RS256. Usually supplied via
	// the JWT_SECRET environment variable, never stored.
	LegacySecret string `yaml:"legacy_secret" mapstructure:"legacy_secret"`

	// EncryptionKeyFile holds the key encrypting secrets at rest.
	// Auto-generated with 0600 permissions on first boot. Defaults to
	// "~/.aegis-gate/secret.key"; ENCRYPTION_KEY_FILE overrides.
	EncryptionKeyFile string `yaml:"encryption_key_file" mapstructure:"encryption_key_file"`

	// RBACEnforce gates tools/list and tools/call on resolved identity.
	// Defaults to true. When false, anonymous tools/list is permitted
	// (tools/call still requires identity).
	RBACEnforce *bool `yaml:"rbac_enforce" mapstructure:"rbac_enforce"`
}

// RBACEnforced returns the effective RBAC enforcement flag.
func (a AuthConfig) RBACEnforced() bool {
	return a.RBACEnforce == nil || *a.RBACEnforce
}

// OriginConfig seeds the stored origin policy on first boot.
type OriginConfig struct {
	// AllowedOrigins is the bootstrap hostname allowlist. Merged with
	// the stored policy the first time the process starts.
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins" validate:"omitempty,dive,origin_hostname"`

	// AllowHTTPSAny admits any https origin.
	AllowHTTPSAny bool `yaml:"allow_https_any" mapstructure:"allow_https_any"`

	// AllowNgrok admits *.ngrok-free.app / *.ngrok.io origins.
	// Off by default.
	AllowNgrok bool `yaml:"allow_ngrok" mapstructure:"allow_ngrok"`

	// AllowMissingOrigin admits requests carrying no origin headers,
	// which is how most non-browser MCP clients connect. Off by
	// default; dev_mode turns it on.
	AllowMissingOrigin bool `yaml:"allow_missing_origin" mapstructure:"allow_missing_origin"`
}

// SessionConfig configures MCP session management.
type SessionConfig struct {
	// Timeout is the inactivity window before a session is reaped
	// (e.g. "30m").
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty"`

	// EventBufferSize is the per-session ring buffer capacity for SSE
	// resumability. Defaults to 256.
	EventBufferSize int `yaml:"event_buffer_size" mapstructure:"event_buffer_size" validate:"omitempty,min=1"`

	// QueueSize is the per-session SSE delivery channel capacity.
	// A consumer that falls this far behind is disconnected.
	// Defaults to 64.
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size" validate:"omitempty,min=1"`

	// SSEIdleTimeout closes an SSE stream with no traffic (e.g. "300s").
	SSEIdleTimeout string `yaml:"sse_idle_timeout" mapstructure:"sse_idle_timeout" validate:"omitempty"`
}

// UpstreamConfig configures the outbound MCP transport client.
type UpstreamConfig struct {
	// CallTimeout bounds unary upstream calls (e.g. "60s").
	CallTimeout string `yaml:"call_timeout" mapstructure:"call_timeout" validate:"omitempty"`

	// MaxInflight caps concurrent calls per upstream. Defaults to 16.
	MaxInflight int `yaml:"max_inflight" mapstructure:"max_inflight" validate:"omitempty,min=1"`

	// QueueSize bounds calls waiting for an in-flight slot; overflow is
	// rejected immediately. Defaults to 32.
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size" validate:"omitempty,min=0"`

	// HealthInterval is the base period between health pings (e.g. "30s").
	HealthInterval string `yaml:"health_interval" mapstructure:"health_interval" validate:"omitempty"`

	// HealthBackoffMax caps the exponential backoff applied to health
	// pings of a failing upstream (e.g. "10m").
	HealthBackoffMax string `yaml:"health_backoff_max" mapstructure:"health_backoff_max" validate:"omitempty"`
}

// AuditConfig configures the audit pipeline.
type AuditConfig struct {
	// RetentionDays is how long audit rows are kept. Defaults to 90.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`

	// ChannelSize buffers audit events between producers and the writer.
	// Defaults to 1000.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`

	// BatchSize is the number of events written per transaction.
	// Defaults to 100.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// FlushInterval bounds how long a partial batch waits (e.g. "1s").
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	// TracingEnabled turns on the stdout trace exporter.
	TracingEnabled bool `yaml:"tracing_enabled" mapstructure:"tracing_enabled"`
}

// Duration helpers. Each parses the corresponding string field, falling
// back to the documented default on empty or malformed input. Malformed
// values are caught earlier by Validate; the fallback keeps callers total.

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// ShutdownTimeoutDuration returns the parsed shutdown timeout.
func (s ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return parseDurationOr(s.ShutdownTimeout, 10*time.Second)
}

// TokenTTLDuration returns the parsed token lifetime.
func (a AuthConfig) TokenTTLDuration() time.Duration {
	return parseDurationOr(a.TokenTTL, 8*time.Hour)
}

// TimeoutDuration returns the parsed session inactivity timeout.
func (s SessionConfig) TimeoutDuration() time.Duration {
	return parseDurationOr(s.Timeout, 30*time.Minute)
}

// SSEIdleTimeoutDuration returns the parsed SSE idle timeout.
func (s SessionConfig) SSEIdleTimeoutDuration() time.Duration {
	return parseDurationOr(s.SSEIdleTimeout, 300*time.Second)
}

// CallTimeoutDuration returns the parsed upstream call timeout.
func (u UpstreamConfig) CallTimeoutDuration() time.Duration {
	return parseDurationOr(u.CallTimeout, 60*time.Second)
}

// HealthIntervalDuration returns the parsed health ping interval.
func (u UpstreamConfig) HealthIntervalDuration() time.Duration {
	return parseDurationOr(u.HealthInterval, 30*time.Second)
}

// HealthBackoffMaxDuration returns the parsed health backoff cap.
func (u UpstreamConfig) HealthBackoffMaxDuration() time.Duration {
	return parseDurationOr(u.HealthBackoffMax, 10*time.Minute)
}

// FlushIntervalDuration returns the parsed audit flush interval.
func (a AuditConfig) FlushIntervalDuration() time.Duration {
	return parseDurationOr(a.FlushInterval, time.Second)
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "10s"
	}

	if c.Database.Path == "" {
		c.Database.Path = defaultStatePath("aegis-gate.db")
	}

	if c.Auth.TokenTTL == "" {
		c.Auth.TokenTTL = "8h"
	}
	if c.Auth.EncryptionKeyFile == "" {
		c.Auth.EncryptionKeyFile = defaultStatePath("secret.key")
	}

	if c.Session.Timeout == "" {
		c.Session.Timeout = "30m"
	}
	if c.Session.EventBufferSize == 0 {
		c.Session.EventBufferSize = 256
	}
	if c.Session.QueueSize == 0 {
		c.Session.QueueSize = 64
	}
	if c.Session.SSEIdleTimeout == "" {
		c.Session.SSEIdleTimeout = "300s"
	}

	if c.Upstream.CallTimeout == "" {
		c.Upstream.CallTimeout = "60s"
	}
	if c.Upstream.MaxInflight == 0 {
		c.Upstream.MaxInflight = 16
	}
	if c.Upstream.QueueSize == 0 {
		c.Upstream.QueueSize = 32
	}
	if c.Upstream.HealthInterval == "" {
		c.Upstream.HealthInterval = "30s"
	}
	if c.Upstream.HealthBackoffMax == "" {
		c.Upstream.HealthBackoffMax = "10m"
	}

	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 90
	}
	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval == "" {
		c.Audit.FlushInterval = "1s"
	}
}

// SetDevDefaults applies development-mode overrides. Called after
// SetDefaults and any CLI flag handling.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	c.Server.LogLevel = "debug"
	c.Origin.AllowMissingOrigin = true
}

// ApplyEnvOverrides applies the bare (unprefixed) environment variables.
// These exist alongside the AEGIS_GATE_* forms for operational
// compatibility and win over both file and prefixed-env values.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.LegacySecret = v
	}
	if v := os.Getenv("ENCRYPTION_KEY_FILE"); v != "" {
		c.Auth.EncryptionKeyFile = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.Origin.AllowedOrigins = origins
	}
}

// defaultStatePath returns a file path under the per-user state
// directory, falling back to the working directory when the home
// directory cannot be determined.
func defaultStatePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".aegis-gate", name)
}
