// Package origin decides whether a request's declared origin may report
// events for a registered site domain.
package origin

import (
	"net/http"
	"net/url"
	"strings"
)

// Decision is the outcome of an origin check.
type Decision struct {
	Admit  bool
	Reason string
}

// Reasons reported with a Decision.
const (
	ReasonNoOrigin     = "no origin or referrer presented"
	ReasonLocalhost    = "development host"
	ReasonMatch        = "hostname matches site domain"
	ReasonMismatch     = "hostname does not match site domain"
	ReasonMalformedURL = "malformed origin or referrer"
)

// Validate checks the presented Origin/Referer value against the site's
// registered domain. Exact matches and subdomains are admitted, as are local
// development hosts. An absent value is admitted; some browsers and proxies
// strip both headers.
func Validate(registeredDomain, presented string) Decision {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return Decision{Admit: true, Reason: ReasonNoOrigin}
	}

	u, err := url.Parse(presented)
	if err != nil || u.Hostname() == "" {
		return Decision{Admit: false, Reason: ReasonMalformedURL}
	}

	host := stripWWW(strings.ToLower(u.Hostname()))
	if isLocalhost(host) {
		return Decision{Admit: true, Reason: ReasonLocalhost}
	}

	domain := stripWWW(strings.ToLower(strings.TrimSpace(registeredDomain)))
	if domain != "" && (host == domain || strings.HasSuffix(host, "."+domain)) {
		return Decision{Admit: true, Reason: ReasonMatch}
	}
	return Decision{Admit: false, Reason: ReasonMismatch}
}

// FromRequest returns the value to validate: Referer, falling back to Origin.
func FromRequest(r *http.Request) string {
	if ref := r.Header.Get("Referer"); ref != "" {
		return ref
	}
	return r.Header.Get("Origin")
}

func stripWWW(host string) string {
	return strings.TrimPrefix(host, "www.")
}

func isLocalhost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || strings.HasSuffix(host, ".localhost")
}
