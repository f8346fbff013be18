package origin

import "net/http"

// Extract resolves the caller's origin from request headers in priority
// order: Origin first, then X-Forwarded-Proto + X-Forwarded-Host (set by
// load balancers), then X-Original-Host with HTTPS assumed. Referer is
// never consulted: it is trivially spoofable and carries a full path.
//
// The second return value is false when no header yielded a candidate.
// A candidate that fails sanitization returns the sanitizer's error so
// callers can distinguish "absent" from "present but hostile".
func Extract(r *http.Request) (Origin, bool, error) {
	if raw := r.Header.Get("Origin"); raw != "" {
		o, err := Sanitize(raw)
		return o, true, err
	}

	if host := r.Header.Get("X-Forwarded-Host"); host != "" {
		proto := r.Header.Get("X-Forwarded-Proto")
		if proto == "" {
			proto = "https"
		}
		o, err := Sanitize(proto + "://" + host)
		return o, true, err
	}

	if host := r.Header.Get("X-Original-Host"); host != "" {
		o, err := Sanitize("https://" + host)
		return o, true, err
	}

	return Origin{}, false, nil
}
