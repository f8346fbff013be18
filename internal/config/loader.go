package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches standard locations for
// aegis-gate.yaml/.yml. The search requires an explicit YAML extension so
// the binary itself (same base name, no extension) is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location. Set name/type
		// without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("aegis-gate")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: AEGIS_GATE_SERVER_PORT etc.
	viper.SetEnvPrefix("AEGIS_GATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for an aegis-gate config file
// with an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".aegis-gate"),
		"/etc/aegis-gate",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "aegis-gate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys for environment variable
// support. Example: AEGIS_GATE_SERVER_PORT overrides server.port.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.host")
	_ = viper.BindEnv("server.port")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.shutdown_timeout")

	_ = viper.BindEnv("database.path")

	_ = viper.BindEnv("auth.token_ttl")
	_ = viper.BindEnv("auth.legacy_secret")
	_ = viper.BindEnv("auth.encryption_key_file")
	_ = viper.BindEnv("auth.rbac_enforce")

	_ = viper.BindEnv("origin.allow_https_any")
	_ = viper.BindEnv("origin.allow_ngrok")
	_ = viper.BindEnv("origin.allow_missing_origin")
	// origin.allowed_origins is a list; use ALLOWED_ORIGINS instead.

	_ = viper.BindEnv("session.timeout")
	_ = viper.BindEnv("session.event_buffer_size")
	_ = viper.BindEnv("session.queue_size")
	_ = viper.BindEnv("session.sse_idle_timeout")

	_ = viper.BindEnv("upstream.call_timeout")
	_ = viper.BindEnv("upstream.max_inflight")
	_ = viper.BindEnv("upstream.queue_size")
	_ = viper.BindEnv("upstream.health_interval")
	_ = viper.BindEnv("upstream.health_backoff_max")

	_ = viper.BindEnv("audit.retention_days")
	_ = viper.BindEnv("audit.channel_size")
	_ = viper.BindEnv("audit.batch_size")
	_ = viper.BindEnv("audit.flush_interval")

	_ = viper.BindEnv("telemetry.tracing_enabled")

	_ = viper.BindEnv("dev_mode")
}

// Load reads the configuration file, applies environment overrides,
// sets defaults, and validates. This is the one-call entry point used
// by the serve command.
func Load() (*Config, error) {
	cfg, err := LoadRaw()
	if err != nil {
		return nil, err
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadRaw reads the configuration and applies defaults and env
// overrides, but does NOT apply dev defaults or validate. Use this when
// CLI flags may override DevMode before validation.
func LoadRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found: continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	cfg.ApplyEnvOverrides()
	return &cfg, nil
}

// FileUsed returns the path of the loaded configuration file, or empty
// string when running from environment variables only.
func FileUsed() string {
	return viper.ConfigFileUsed()
}
