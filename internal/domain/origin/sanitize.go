// Package origin implements request-origin extraction, sanitization, and
// allowlist policy evaluation. Origin checks run before any protocol
// dispatch: a rejected origin produces an HTTP 403 with no side effects.
package origin

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
)

// MaxHostnameLength is the longest hostname accepted anywhere an origin
// or allowlist entry is parsed (RFC 1035 limit).
const MaxHostnameLength = 253

// hostnamePattern validates allowlist entries and sanitized hostnames.
// Labels are ASCII letters, digits, and hyphens separated by dots.
// This rejects injection attempts (quotes, semicolons, slashes, spaces,
// control characters) before anything reaches storage or comparison.
var hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?)*$`)

// Sanitization errors.
var (
	ErrEmptyOrigin     = errors.New("origin is empty")
	ErrBadScheme       = errors.New("origin scheme must be http or https")
	ErrMalformedOrigin = errors.New("origin is malformed")
	ErrBadHostname     = errors.New("origin hostname failed sanitization")
)

// ValidHostname reports whether host is a syntactically acceptable
// hostname: ASCII letters/digits/dots/hyphens only, at most
// MaxHostnameLength characters.
func ValidHostname(host string) bool {
	if host == "" || len(host) > MaxHostnameLength {
		return false
	}
	return hostnamePattern.MatchString(host)
}

// Origin is a sanitized request origin: scheme plus hostname, no path,
// no query, no fragment, no userinfo, no port.
type Origin struct {
	Scheme string
	Host   string
}

// String renders the origin in scheme://host form.
func (o Origin) String() string {
	return o.Scheme + "://" + o.Host
}

// IsLocalhost reports whether the origin points at the local machine.
func (o Origin) IsLocalhost() bool {
	switch o.Host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return strings.HasSuffix(o.Host, ".localhost")
}

// Sanitize parses a raw origin candidate into a sanitized Origin.
// Non-http(s) schemes are rejected (this is what stops
// "javascript:alert(1)" and friends); path, query, fragment, userinfo,
// and port are stripped; the hostname must pass ValidHostname.
func Sanitize(raw string) (Origin, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Origin{}, ErrEmptyOrigin
	}
	for _, r := range raw {
		if r < 0x20 || r == 0x7f {
			return Origin{}, ErrMalformedOrigin
		}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Origin{}, ErrMalformedOrigin
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Origin{}, ErrBadScheme
	}

	host := u.Hostname()
	if host == "::1" {
		// The one non-matching hostname we accept: IPv6 loopback.
		return Origin{Scheme: u.Scheme, Host: host}, nil
	}
	if !ValidHostname(host) {
		return Origin{}, ErrBadHostname
	}

	return Origin{Scheme: u.Scheme, Host: strings.ToLower(host)}, nil
}
