package utils

import (
	"net/http"
	"net/url"
	"strings"
)

// DirectReferrer is recorded when a pageview has no usable referrer.
const DirectReferrer = "Direct / None"

// ExtractDomain reduces a referrer URL to its bare hostname without "www.".
func ExtractDomain(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return DirectReferrer
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return DirectReferrer
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// loopback address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	return "127.0.0.1"
}

// OptionalString returns nil for an empty string.
func OptionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// StringOr returns s, or def when s is empty.
func StringOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
