package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Aegis-Gate/aegisgate/internal/domain/origin"
)

// RegisterCustomValidators registers aegis-gate validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	// origin_hostname: the same syntactic rule the origin policy applies
	// to allowlist entries at runtime.
	if err := v.RegisterValidation("origin_hostname", validateOriginHostname); err != nil {
		return fmt.Errorf("failed to register origin_hostname validator: %w", err)
	}
	return nil
}

func validateOriginHostname(fl validator.FieldLevel) bool {
	return origin.ValidHostname(fl.Field().String())
}

// Validate validates the Config using struct tags plus cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	return c.validateDurations()
}

// validateDurations checks every duration-typed string field parses.
// The typed accessors fall back to defaults on malformed input; this
// check surfaces the mistake at startup instead.
func (c *Config) validateDurations() error {
	fields := map[string]string{
		"server.shutdown_timeout":     c.Server.ShutdownTimeout,
		"auth.token_ttl":              c.Auth.TokenTTL,
		"session.timeout":             c.Session.Timeout,
		"session.sse_idle_timeout":    c.Session.SSEIdleTimeout,
		"upstream.call_timeout":       c.Upstream.CallTimeout,
		"upstream.health_interval":    c.Upstream.HealthInterval,
		"upstream.health_backoff_max": c.Upstream.HealthBackoffMax,
		"audit.flush_interval":        c.Audit.FlushInterval,
	}
	for key, val := range fields {
		if val == "" {
			continue
		}
		if _, err := time.ParseDuration(val); err != nil {
			return fmt.Errorf("%s: invalid duration %q", key, val)
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to
// user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "origin_hostname":
		return fmt.Sprintf("%s must be a plain hostname (letters, digits, dots, hyphens; max %d chars)", field, origin.MaxHostnameLength)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
