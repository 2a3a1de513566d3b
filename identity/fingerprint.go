// Package identity derives pseudonymous visitor identifiers and manages the
// per-browser session token.
package identity

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint derives a stable visitor id from the client IP and user agent.
// The same pair always yields the same id. Distinct pairs may collide; that
// is accepted in exchange for not storing either input.
func Fingerprint(ip, userAgent string) string {
	d := xxhash.New()
	_, _ = d.WriteString(ip)
	_, _ = d.WriteString(":")
	_, _ = d.WriteString(userAgent)
	return strconv.FormatUint(d.Sum64(), 36)
}
