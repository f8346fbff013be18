package origin

import (
	"sort"
	"strings"
)

// Rule identifies which policy clause allowed or denied an origin.
// Permissive rules (HTTPSAny, Ngrok) are logged at WARN by callers so
// operators can see when a non-allowlisted origin got through.
type Rule string

const (
	RuleAllowlist Rule = "allowlist"
	RuleLocalhost Rule = "localhost"
	RuleHTTPSAny  Rule = "https_any"
	RuleNgrok     Rule = "ngrok"
	RuleMissing   Rule = "missing_origin"
	RuleDenied    Rule = "denied"
)

// Permissive reports whether the rule is one of the opt-in permissive
// clauses rather than an explicit allowlist or localhost match.
func (r Rule) Permissive() bool {
	return r == RuleHTTPSAny || r == RuleNgrok || r == RuleMissing
}

// Policy is the persisted origin allowlist with its permissive flags.
// Policy values are immutable once published; mutations go through
// WithOrigin/WithoutOrigin which return a modified copy (copy-on-write,
// matching how the config store swaps versions).
type Policy struct {
	// Allowlist holds sanitized hostnames (no scheme, no port).
	Allowlist []string `json:"allowed_origins"`

	// AllowHTTPSAny permits any https origin regardless of allowlist.
	AllowHTTPSAny bool `json:"allow_https_any"`

	// AllowNgrok permits *.ngrok-free.app and *.ngrok.io origins.
	// Off by default; a dev-time convenience only.
	AllowNgrok bool `json:"allow_ngrok"`

	// AllowMissingOrigin permits requests with no origin headers at all.
	// Off by default; an opt-in for localhost development and trusted
	// non-browser clients.
	AllowMissingOrigin bool `json:"allow_missing_origin"`

	// Version is bumped on every stored mutation.
	Version int64 `json:"version"`
}

// DefaultPolicy returns the first-boot policy: localhost only, every
// permissive flag off. A request with no origin headers is denied
// until an operator (or dev mode) turns the missing-origin allowance
// on.
func DefaultPolicy() Policy {
	return Policy{
		Allowlist: []string{"localhost", "127.0.0.1"},
		Version:   1,
	}
}

// Contains reports whether host is in the allowlist.
func (p Policy) Contains(host string) bool {
	host = strings.ToLower(host)
	for _, h := range p.Allowlist {
		if h == host {
			return true
		}
	}
	return false
}

// WithOrigin returns a policy with host added to the allowlist.
// Adding a host that is already present returns the receiver unchanged
// with changed=false, so callers can skip the store write and the audit
// event.
func (p Policy) WithOrigin(host string) (Policy, bool) {
	host = strings.ToLower(strings.TrimSpace(host))
	if p.Contains(host) {
		return p, false
	}

	out := p
	out.Allowlist = append(append([]string(nil), p.Allowlist...), host)
	sort.Strings(out.Allowlist)
	return out, true
}

// WithoutOrigin returns a policy with host removed from the allowlist.
// Removing an absent host is a no-op with changed=false.
func (p Policy) WithoutOrigin(host string) (Policy, bool) {
	host = strings.ToLower(strings.TrimSpace(host))
	if !p.Contains(host) {
		return p, false
	}

	out := p
	out.Allowlist = make([]string, 0, len(p.Allowlist)-1)
	for _, h := range p.Allowlist {
		if h != host {
			out.Allowlist = append(out.Allowlist, h)
		}
	}
	return out, true
}

// Evaluate decides whether a sanitized origin is acceptable under the
// policy. present is false when the request carried no origin headers.
func (p Policy) Evaluate(o Origin, present bool) (allowed bool, rule Rule) {
	if !present {
		if p.AllowMissingOrigin {
			return true, RuleMissing
		}
		return false, RuleDenied
	}

	if o.IsLocalhost() {
		return true, RuleLocalhost
	}
	if p.Contains(o.Host) {
		return true, RuleAllowlist
	}
	if p.AllowHTTPSAny && o.Scheme == "https" {
		return true, RuleHTTPSAny
	}
	if p.AllowNgrok && (strings.HasSuffix(o.Host, ".ngrok-free.app") || strings.HasSuffix(o.Host, ".ngrok.io")) {
		return true, RuleNgrok
	}

	return false, RuleDenied
}
