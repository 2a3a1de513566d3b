package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unauthorized", Unauthorized("Invalid API key"), http.StatusUnauthorized},
		{"forbidden", Forbidden("Invalid domain"), http.StatusForbidden},
		{"validation", Validation("Missing required fields"), http.StatusBadRequest},
		{"persistence", Persistence("Failed to track pageview", errors.New("boom")), http.StatusInternalServerError},
		{"wrapped", fmt.Errorf("handler: %w", Forbidden("Invalid domain")), http.StatusForbidden},
		{"plain", errors.New("plain"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusOf(tt.err))
		})
	}
}

func TestPersistenceUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := Persistence("Failed to track event", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "Failed to track event", MessageOf(err))
	assert.Equal(t, "Internal server error", MessageOf(cause))
	assert.Equal(t, "persistence", err.Kind.String())
}
