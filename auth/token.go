// Package auth verifies the bearer tokens that carry a caller's identity.
//
// Tokens are HS256 JWTs with the claims {sub, tenantId, role}. Issuing them
// belongs to an external identity provider; Signer exists for local
// development and tests.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/upb/prompt-firewall/models"
)

var (
	// ErrInvalidToken is returned when the token is malformed or its signature does not verify
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned when the token has expired
	ErrTokenExpired = errors.New("token expired")

	// ErrInvalidIssuer is returned when the token issuer is not the configured one
	ErrInvalidIssuer = errors.New("invalid issuer")

	// ErrMissingClaim is returned when a required claim is missing
	ErrMissingClaim = errors.New("missing required claim")

	// ErrInvalidRole is returned when the role claim is not a known role
	ErrInvalidRole = errors.New("invalid role")
)

// Claims represents the claims in a firewall token
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenantId"`
	Role     string `json:"role"`
}

// Validator verifies HS256 tokens and turns their claims into a Caller
type Validator struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewValidator creates a validator. issuer is checked only when non-empty.
func NewValidator(secret, issuer string) *Validator {
	return &Validator{
		secret: []byte(secret),
		issuer: issuer,
		leeway: 30 * time.Second,
	}
}

// ValidateToken verifies the token signature and expiry and returns the caller it identifies
func (v *Validator) ValidateToken(ctx context.Context, tokenString string) (*models.Caller, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrInvalidIssuer, v.issuer, claims.Issuer)
	}

	return parseClaims(claims)
}

// parseClaims converts Claims to a Caller, checking required fields
func parseClaims(claims *Claims) (*models.Caller, error) {
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	tenantID := strings.TrimSpace(claims.TenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantId", ErrMissingClaim)
	}

	role := models.Role(strings.ToLower(strings.TrimSpace(claims.Role)))
	switch role {
	case "":
		role = models.RoleUser
	case models.RoleUser, models.RoleAdmin, models.RoleSuperAdmin:
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidRole, claims.Role)
	}

	return &models.Caller{
		UserID:   claims.Subject,
		TenantID: tenantID,
		Role:     role,
	}, nil
}

// Signer issues HS256 tokens
type Signer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner creates a token signer. A non-positive ttl defaults to one hour.
func NewSigner(secret, issuer string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Signer{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Sign returns a signed token for the caller
func (s *Signer) Sign(caller models.Caller) (string, error) {
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   caller.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		TenantID: caller.TenantID,
		Role:     string(caller.Role),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
