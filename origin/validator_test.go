package origin

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		domain    string
		presented string
		admit     bool
		reason    string
	}{
		{"www prefix on origin", "shop.example.com", "https://www.shop.example.com/x", true, ReasonMatch},
		{"www prefix on registration", "www.shop.example.com", "https://shop.example.com", true, ReasonMatch},
		{"exact", "shop.example.com", "https://shop.example.com", true, ReasonMatch},
		{"subdomain", "example.com", "https://blog.example.com/post", true, ReasonMatch},
		{"case insensitive", "Example.com", "https://EXAMPLE.com", true, ReasonMatch},
		{"unrelated", "shop.example.com", "https://evil.com", false, ReasonMismatch},
		{"suffix without dot", "example.com", "https://evilexample.com", false, ReasonMismatch},
		{"parent of registered", "shop.example.com", "https://example.com", false, ReasonMismatch},
		{"localhost with port", "shop.example.com", "http://localhost:3000", true, ReasonLocalhost},
		{"loopback", "shop.example.com", "http://127.0.0.1:8080/", true, ReasonLocalhost},
		{"dot localhost", "shop.example.com", "http://app.localhost", true, ReasonLocalhost},
		{"absent", "shop.example.com", "", true, ReasonNoOrigin},
		{"malformed", "shop.example.com", "http://[::1", false, ReasonMalformedURL},
		{"no host", "shop.example.com", "not a url", false, ReasonMalformedURL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Validate(tt.domain, tt.presented)
			assert.Equal(t, tt.admit, got.Admit)
			assert.Equal(t, tt.reason, got.Reason)
		})
	}
}

func TestFromRequest_RefererWins(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/track", http.NoBody)
	req.Header.Set("Origin", "https://origin.example.com")
	assert.Equal(t, "https://origin.example.com", FromRequest(req))

	req.Header.Set("Referer", "https://referer.example.com/page")
	assert.Equal(t, "https://referer.example.com/page", FromRequest(req))
}
