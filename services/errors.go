package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeForbidden    ErrorType = "forbidden"
	ErrorTypeConflict     ErrorType = "conflict"
	ErrorTypeInternal     ErrorType = "internal"
	ErrorTypeUnavailable  ErrorType = "unavailable"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail returns a copy of the error carrying an extra detail.
// The package-level sentinels are shared, so they are never mutated.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	details := make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &DomainError{Type: e.Type, Message: e.Message, Err: e.Err, Details: details}
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Domain error variables

var (
	// Not Found Errors
	ErrPolicyNotFound        = NewDomainError(ErrorTypeNotFound, "policy not found", nil)
	ErrPolicyVersionNotFound = NewDomainError(ErrorTypeNotFound, "policy version not found", nil)
	ErrTenantNotFound        = NewDomainError(ErrorTypeNotFound, "tenant not found", nil)

	// Validation Errors
	ErrInvalidInput        = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrInvalidPolicyConfig = NewDomainError(ErrorTypeValidation, "invalid policy configuration", nil)
	ErrEmptyPrompt         = NewDomainError(ErrorTypeValidation, "prompt cannot be empty", nil)

	// Authorization Errors
	ErrUnauthorized = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrInvalidToken = NewDomainError(ErrorTypeUnauthorized, "invalid authentication token", nil)
	ErrTokenExpired = NewDomainError(ErrorTypeUnauthorized, "authentication token expired", nil)

	// Permission Errors
	ErrForbidden               = NewDomainError(ErrorTypeForbidden, "access forbidden", nil)
	ErrInsufficientPermissions = NewDomainError(ErrorTypeForbidden, "insufficient permissions", nil)
	ErrTenantMismatch          = NewDomainError(ErrorTypeForbidden, "tenant mismatch", nil)

	// Conflict Errors
	ErrConcurrentUpdate = NewDomainError(ErrorTypeConflict, "concurrent update detected", nil)

	// Internal Errors
	ErrInternal          = NewDomainError(ErrorTypeInternal, "internal server error", nil)
	ErrDatabaseError     = NewDomainError(ErrorTypeInternal, "database error", nil)
	ErrTransactionFailed = NewDomainError(ErrorTypeInternal, "transaction failed", nil)

	// Availability Errors
	ErrDetectorUnavailable = NewDomainError(ErrorTypeUnavailable, "content screening unavailable", nil)
	ErrAuditUnavailable    = NewDomainError(ErrorTypeUnavailable, "audit log unavailable", nil)
)

// Error type checking helper functions

func hasType(err error, errType ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == errType
	}
	return false
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool {
	return hasType(err, ErrorTypeUnauthorized)
}

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool {
	return hasType(err, ErrorTypeForbidden)
}

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool {
	return hasType(err, ErrorTypeConflict)
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return hasType(err, ErrorTypeInternal)
}

// IsUnavailableError checks if an error reports a dependency that cannot serve
func IsUnavailableError(err error) bool {
	return hasType(err, ErrorTypeUnavailable)
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// NewValidationError builds a validation error with per-field messages
func NewValidationError(message string, fields map[string]string) *DomainError {
	err := NewDomainError(ErrorTypeValidation, message, nil)
	for k, v := range fields {
		err.Details[k] = v
	}
	return err
}
