package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/upb/prompt-firewall/models"
	"github.com/upb/prompt-firewall/utils"
	"go.uber.org/zap"
)

// TenantHeader lets a super-admin act on another tenant
const TenantHeader = "X-Tenant-ID"

// TokenValidator defines the interface for validating bearer tokens
type TokenValidator interface {
	// ValidateToken validates a token and returns the caller it identifies
	ValidateToken(ctx context.Context, token string) (*models.Caller, error)
}

// AuthMiddleware provides authentication middleware functionality
type AuthMiddleware struct {
	validator TokenValidator
	logger    *zap.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware
func NewAuthMiddleware(validator TokenValidator, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		validator: validator,
		logger:    logger,
	}
}

// RequireAuth is a middleware that requires a valid bearer token
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		token := extractBearerToken(r)
		if token == "" {
			m.logger.Warn("missing token",
				zap.String("request_id", requestID))
			_ = utils.WriteUnauthorized(w, "Missing or invalid authorization")
			return
		}

		caller, ok := m.authenticate(w, r, token)
		if !ok {
			return
		}

		next.ServeHTTP(w, r.WithContext(WithCaller(ctx, caller)))
	})
}

// OptionalAuth attaches the caller when a bearer token is present. A request
// without a token passes through anonymously; a present but invalid token is
// still rejected.
func (m *AuthMiddleware) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		caller, ok := m.authenticate(w, r, token)
		if !ok {
			return
		}

		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

func (m *AuthMiddleware) authenticate(w http.ResponseWriter, r *http.Request, token string) (*models.Caller, bool) {
	requestID := GetRequestIDFromContext(r.Context())

	caller, err := m.validator.ValidateToken(r.Context(), token)
	if err != nil {
		m.logger.Warn("token validation failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteUnauthorized(w, "Invalid or expired token")
		return nil, false
	}

	m.logger.Debug("authentication successful",
		zap.String("request_id", requestID),
		zap.String("user_id", caller.UserID),
		zap.String("tenant_id", caller.TenantID),
		zap.String("role", string(caller.Role)))
	return caller, true
}

// ResolveTenant picks the tenant the request acts on. Super-admins may switch
// tenant with the X-Tenant-ID header; for anyone else a header naming a
// different tenant is rejected. This should be called after RequireAuth.
func (m *AuthMiddleware) ResolveTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		caller := GetCallerFromContext(ctx)
		if caller == nil {
			m.logger.Error("caller not found in context",
				zap.String("request_id", requestID))
			_ = utils.WriteUnauthorized(w, "Authentication required")
			return
		}

		tenantID := caller.TenantID
		if requested := strings.TrimSpace(r.Header.Get(TenantHeader)); requested != "" && requested != caller.TenantID {
			if !caller.IsSuperAdmin() {
				m.logger.Warn("tenant switch denied",
					zap.String("request_id", requestID),
					zap.String("user_id", caller.UserID),
					zap.String("tenant_id", caller.TenantID),
					zap.String("requested_tenant", requested))
				_ = utils.WriteForbidden(w, "Access to this tenant is not allowed")
				return
			}
			tenantID = requested
		}

		next.ServeHTTP(w, r.WithContext(WithTenantID(ctx, tenantID)))
	})
}

// RequireRole is a middleware that requires one of the given roles
func (m *AuthMiddleware) RequireRole(roles ...models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := GetRequestIDFromContext(ctx)

			caller := GetCallerFromContext(ctx)
			if caller == nil {
				m.logger.Error("caller not found in context",
					zap.String("request_id", requestID))
				_ = utils.WriteUnauthorized(w, "Authentication required")
				return
			}

			hasRole := false
			for _, role := range roles {
				if caller.Role == role {
					hasRole = true
					break
				}
			}

			if !hasRole {
				m.logger.Warn("insufficient permissions",
					zap.String("request_id", requestID),
					zap.String("user_id", caller.UserID),
					zap.String("role", string(caller.Role)))
				_ = utils.WriteForbidden(w, "Insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractBearerToken extracts the Bearer token from the Authorization header
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
