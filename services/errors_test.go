package services

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDomainError(t *testing.T) {
	baseErr := errors.New("base error")
	domainErr := NewDomainError(ErrorTypeNotFound, "resource not found", baseErr)

	assert.Equal(t, ErrorTypeNotFound, domainErr.Type)
	assert.Equal(t, "resource not found", domainErr.Message)
	assert.Equal(t, baseErr, domainErr.Err)
	assert.NotNil(t, domainErr.Details)
}

func TestDomainError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *DomainError
		wantMsg string
	}{
		{
			name: "error with wrapped error",
			err: &DomainError{
				Type:    ErrorTypeNotFound,
				Message: "policy not found",
				Err:     errors.New("db error"),
			},
			wantMsg: "not_found: policy not found (db error)",
		},
		{
			name: "error without wrapped error",
			err: &DomainError{
				Type:    ErrorTypeValidation,
				Message: "invalid input",
			},
			wantMsg: "validation: invalid input",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.err.Error())
		})
	}
}

func TestDomainError_Unwrap(t *testing.T) {
	baseErr := errors.New("base error")
	domainErr := NewDomainError(ErrorTypeInternal, "internal error", baseErr)

	assert.Equal(t, baseErr, errors.Unwrap(domainErr))
}

func TestDomainError_Is(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"same error type", NewDomainError(ErrorTypeNotFound, "not found", nil), ErrPolicyNotFound, true},
		{"different error type", NewDomainError(ErrorTypeValidation, "validation", nil), ErrPolicyNotFound, false},
		{"not a domain error", NewDomainError(ErrorTypeNotFound, "not found", nil), errors.New("regular error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Is(tt.err, tt.target))
		})
	}
}

func TestDomainError_WithDetail(t *testing.T) {
	err := ErrPolicyVersionNotFound.WithDetail("version", 7).WithDetail("policy_id", "abc")

	assert.Equal(t, 7, err.Details["version"])
	assert.Equal(t, "abc", err.Details["policy_id"])
	assert.Empty(t, ErrPolicyVersionNotFound.Details, "sentinel must stay untouched")
}

func TestErrorTypeHelpers(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		want  bool
	}{
		{"not found", ErrPolicyNotFound, IsNotFoundError, true},
		{"wrapped not found", fmt.Errorf("wrapped: %w", ErrTenantNotFound), IsNotFoundError, true},
		{"validation", ErrInvalidPolicyConfig, IsValidationError, true},
		{"validation is not conflict", ErrInvalidInput, IsConflictError, false},
		{"unauthorized", ErrInvalidToken, IsUnauthorizedError, true},
		{"forbidden", ErrTenantMismatch, IsForbiddenError, true},
		{"conflict", fmt.Errorf("update: %w", ErrConcurrentUpdate), IsConflictError, true},
		{"internal", WrapInternal("boom", errors.New("x")), IsInternalError, true},
		{"unavailable", ErrDetectorUnavailable, IsUnavailableError, true},
		{"regular error", errors.New("regular"), IsNotFoundError, false},
		{"nil error", nil, IsValidationError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.check(tt.err))
		})
	}
}

func TestGetErrorTypeAndDetails(t *testing.T) {
	err := NewValidationError("invalid policy", map[string]string{"name": "name is required"})

	assert.Equal(t, ErrorTypeValidation, GetErrorType(err))
	details := GetErrorDetails(fmt.Errorf("create: %w", err))
	require.NotNil(t, details)
	assert.Equal(t, "name is required", details["name"])

	assert.Equal(t, ErrorType(""), GetErrorType(errors.New("plain")))
	assert.Nil(t, GetErrorDetails(errors.New("plain")))
}
