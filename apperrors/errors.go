// Package apperrors classifies ingestion failures and maps them to HTTP status codes.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the failure class of an ingestion request.
type Kind int

const (
	// KindAdmission covers unknown credentials and origin mismatches.
	KindAdmission Kind = iota + 1
	// KindValidation covers malformed bodies and missing fields.
	KindValidation
	// KindPersistence covers store failures. Never retried server-side.
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindAdmission:
		return "admission"
	case KindValidation:
		return "validation"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Error is a classified ingestion error.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error (%d): %s: %v", e.Kind, e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error (%d): %s", e.Kind, e.Status, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Unauthorized is an admission failure for an unresolvable credential.
func Unauthorized(msg string) *Error {
	return &Error{Kind: KindAdmission, Status: http.StatusUnauthorized, Message: msg}
}

// Forbidden is an admission failure for a rejected origin.
func Forbidden(msg string) *Error {
	return &Error{Kind: KindAdmission, Status: http.StatusForbidden, Message: msg}
}

// Validation is a client-visible request error.
func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Status: http.StatusBadRequest, Message: msg}
}

// Persistence wraps a store failure.
func Persistence(msg string, err error) *Error {
	return &Error{Kind: KindPersistence, Status: http.StatusInternalServerError, Message: msg, Err: err}
}

// StatusOf returns the HTTP status for err, 500 for unclassified errors.
func StatusOf(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

// MessageOf returns the client-facing message for err.
func MessageOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "Internal server error"
}
