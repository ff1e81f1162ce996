package middleware

import (
	"context"

	"github.com/upb/prompt-firewall/models"
)

// Context key type to avoid collisions
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"

	// CallerKey is the context key for the authenticated caller
	CallerKey contextKey = "caller"

	// TenantIDKey is the context key for the tenant a request acts on
	TenantIDKey contextKey = "tenant_id"
)

// GetRequestIDFromContext retrieves the request ID from context
func GetRequestIDFromContext(ctx context.Context) string {
	if val := ctx.Value(RequestIDKey); val != nil {
		if requestID, ok := val.(string); ok {
			return requestID
		}
	}
	return ""
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetCallerFromContext retrieves the authenticated caller, or nil for anonymous requests
func GetCallerFromContext(ctx context.Context) *models.Caller {
	if val := ctx.Value(CallerKey); val != nil {
		if caller, ok := val.(*models.Caller); ok {
			return caller
		}
	}
	return nil
}

// WithCaller adds the authenticated caller to the context
func WithCaller(ctx context.Context, caller *models.Caller) context.Context {
	return context.WithValue(ctx, CallerKey, caller)
}

// GetTenantIDFromContext retrieves the resolved tenant. It falls back to the
// caller's own tenant when ResolveTenant has not run.
func GetTenantIDFromContext(ctx context.Context) string {
	if val := ctx.Value(TenantIDKey); val != nil {
		if tenantID, ok := val.(string); ok && tenantID != "" {
			return tenantID
		}
	}
	if caller := GetCallerFromContext(ctx); caller != nil {
		return caller.TenantID
	}
	return ""
}

// WithTenantID adds the resolved tenant to the context
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}
