/*
errors.go - Error taxonomy for the admission engine

PURPOSE:
  All error kinds in one place so every component (and the HTTP layer)
  classifies failures the same way.

ERROR CATEGORIES:
  1. ValidationError        - client-fixable input, all violations at once
  2. InvalidTransitionError - state machine misuse
  3. PreconditionError      - required input missing (e.g. no fee breakdown)
  4. SecurityError          - CSRF/state mismatch, always fail closed
  5. ExternalServiceError   - third-party API failure, retryable by caller
  6. ConflictError          - compare-and-set lost a race, re-fetch and retry
  7. ErrNotFound            - referenced entity does not exist

USAGE:
  Structured errors unwrap to their sentinel, so callers match with
  errors.Is and extract details with errors.As:

    var te *domain.InvalidTransitionError
    if errors.As(err, &te) {
        log.Printf("applicant is %s, wanted %s", te.From, te.To)
    }
*/
package domain

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation        = errors.New("validation error")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrPrecondition      = errors.New("precondition failed")
	ErrSecurity          = errors.New("security check failed")
	ErrExternalService   = errors.New("external service error")
	ErrConflict          = errors.New("concurrent modification detected")
	ErrNotFound          = errors.New("not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError lists every violated field, not just the first.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %s", k, e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InvalidTransitionError names the current and the attempted state.
type InvalidTransitionError struct {
	Entity string // "applicant", "claim", "scholarship"
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition for %s: %s -> %s", e.Entity, e.ID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// PreconditionError reports missing required input.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string { return "precondition failed: " + e.Reason }

func (e *PreconditionError) Unwrap() error { return ErrPrecondition }

// SecurityError reports a failed security check.
type SecurityError struct {
	Reason string
}

func (e *SecurityError) Error() string { return "security check failed: " + e.Reason }

func (e *SecurityError) Unwrap() error { return ErrSecurity }

// ExternalServiceError wraps a third-party failure. Nothing has been applied
// locally when this is returned.
type ExternalServiceError struct {
	Service string
	Op      string
	Cause   error
}

func (e *ExternalServiceError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s %s failed", e.Service, e.Op)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Service, e.Op, e.Cause)
}

func (e *ExternalServiceError) Unwrap() error { return ErrExternalService }

// ConflictError reports that a concurrent writer changed the row first.
type ConflictError struct {
	Entity string
	ID     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s was modified concurrently", e.Entity, e.ID)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// NotFound builds an ErrNotFound with the missing entity named.
func NotFound(entity, id string) error {
	return errors.Mark(errors.Newf("%s %s not found", entity, id), ErrNotFound)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrExternalService)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrPrecondition) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

var statusBySentinel = []struct {
	err    error
	status int
	code   string
}{
	{ErrValidation, http.StatusBadRequest, "validation_error"},
	{ErrPrecondition, http.StatusBadRequest, "precondition_failed"},
	{ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{ErrConflict, http.StatusConflict, "conflict"},
	{ErrNotFound, http.StatusNotFound, "not_found"},
	{ErrSecurity, http.StatusForbidden, "security_error"},
	{ErrExternalService, http.StatusBadGateway, "external_service_error"},
}

// HTTPStatus maps an error to the status code the API returns for it.
func HTTPStatus(err error) int {
	for _, s := range statusBySentinel {
		if errors.Is(err, s.err) {
			return s.status
		}
	}
	return http.StatusInternalServerError
}

// ErrorCode maps an error to a stable machine-readable code.
func ErrorCode(err error) string {
	for _, s := range statusBySentinel {
		if errors.Is(err, s.err) {
			return s.code
		}
	}
	return "internal_error"
}
