// Package auth provides JWT-based authentication for ekaya-sqlagent.
// Tokens are verified with a shared HS256 secret or with issuer JWKS
// endpoints; the token subject is the owner of every conversation and
// metadata cache entry created with it.
package auth

import (
	"context"
	"errors"
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// ClaimsKey is the context key for storing JWT claims.
	ClaimsKey contextKey = "claims"
	// TokenKey is the context key for storing the raw JWT token string.
	TokenKey contextKey = "token"
)

// ErrNoOwner is returned when a request carries no authenticated subject.
var ErrNoOwner = errors.New("authentication required: no owner in context")

// Claims is the JWT claims structure. RegisteredClaims carries sub, iss,
// aud and exp; WorkspaceIDs optionally restricts which shared workspace
// contexts the bearer may read and write.
type Claims struct {
	jwt.RegisteredClaims
	Email        string   `json:"email,omitempty"`
	WorkspaceIDs []string `json:"wids,omitempty"`
}

// CanAccessWorkspace reports whether the token grants access to workspaceID.
// Tokens without a wids claim are not workspace-restricted.
func (c *Claims) CanAccessWorkspace(workspaceID string) bool {
	if c == nil {
		return false
	}
	if len(c.WorkspaceIDs) == 0 {
		return true
	}
	return slices.Contains(c.WorkspaceIDs, workspaceID)
}

// WithClaims stores validated claims and the raw token in ctx.
func WithClaims(ctx context.Context, claims *Claims, token string) context.Context {
	ctx = context.WithValue(ctx, ClaimsKey, claims)
	return context.WithValue(ctx, TokenKey, token)
}

// GetClaims retrieves JWT claims from the request context.
// Returns nil and false if claims are not present.
func GetClaims(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*Claims)
	return claims, ok
}

// GetToken retrieves the raw JWT token string from the request context.
func GetToken(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(TokenKey).(string)
	return token, ok
}

// OwnerIDFromContext returns the authenticated subject.
func OwnerIDFromContext(ctx context.Context) (string, error) {
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil || claims.Subject == "" {
		return "", ErrNoOwner
	}
	return claims.Subject, nil
}
