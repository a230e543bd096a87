package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidAudience = errors.New("token audience is not accepted")
	ErrMissingSubject  = errors.New("token has no subject")
)

// TokenValidator validates a JWT and returns its claims.
type TokenValidator interface {
	ValidateToken(tokenString string) (*Claims, error)
	Close()
}

// ValidatorConfig selects how tokens are verified.
type ValidatorConfig struct {
	// EnableVerification controls whether JWT signatures are verified.
	// Set to false for development mode (parses tokens without verification).
	EnableVerification bool
	// JWKSEndpoints maps issuer URLs to their JWKS endpoint URLs. When set,
	// only RS256 tokens from these issuers are accepted.
	JWKSEndpoints map[string]string
	// Secret verifies HS256 tokens when no JWKS endpoints are configured.
	Secret string
	// Audience, when non-empty, must appear in the aud claim.
	Audience string
}

// JWTValidator implements TokenValidator with HS256, JWKS-backed RS256 or
// unverified parsing, depending on configuration.
type JWTValidator struct {
	config    ValidatorConfig
	endpoints map[string]keyfunc.Keyfunc
	cancel    context.CancelFunc
}

// NewTokenValidator creates a validator. With verification enabled it
// fetches every configured JWKS endpoint and fails if any cannot be loaded.
func NewTokenValidator(ctx context.Context, config ValidatorConfig) (*JWTValidator, error) {
	v := &JWTValidator{
		config:    config,
		endpoints: make(map[string]keyfunc.Keyfunc),
	}
	if !config.EnableVerification {
		return v, nil
	}
	if len(config.JWKSEndpoints) == 0 && config.Secret == "" {
		return nil, errors.New("token verification needs a secret or JWKS endpoints")
	}

	// The JWKS refresh goroutines live until Close.
	refreshCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	v.cancel = cancel
	for issuer, jwksURL := range config.JWKSEndpoints {
		jwks, err := keyfunc.NewDefaultCtx(refreshCtx, []string{jwksURL})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create JWKS client for %s: %w", issuer, err)
		}
		v.endpoints[issuer] = jwks
	}
	return v, nil
}

// ValidateToken validates a JWT token and returns the claims.
func (v *JWTValidator) ValidateToken(tokenString string) (*Claims, error) {
	var (
		claims *Claims
		err    error
	)
	if v.config.EnableVerification {
		claims, err = v.parseVerified(tokenString)
	} else {
		claims, err = parseUnverified(tokenString)
	}
	if err != nil {
		return nil, err
	}

	if v.config.Audience != "" && !slices.Contains(claims.Audience, v.config.Audience) {
		return nil, ErrInvalidAudience
	}
	if claims.Subject == "" {
		return nil, ErrMissingSubject
	}
	return claims, nil
}

func (v *JWTValidator) parseVerified(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.keyFor, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "HS256"}))
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	return claims, nil
}

// keyFor picks the verification key. JWKS issuers take precedence so a
// configured secret can never be used to forge a JWKS issuer's token.
func (v *JWTValidator) keyFor(token *jwt.Token) (any, error) {
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}

	if len(v.endpoints) > 0 {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		jwks, exists := v.endpoints[claims.Issuer]
		if !exists {
			return nil, fmt.Errorf("unauthorized issuer: %s", claims.Issuer)
		}
		return jwks.Keyfunc(token)
	}

	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return []byte(v.config.Secret), nil
}

// parseUnverified parses a JWT without verifying the signature.
// Used in development mode when EnableVerification is false.
func parseUnverified(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, _, err := parser.ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	return claims, nil
}

// Close stops background JWKS refreshes.
func (v *JWTValidator) Close() {
	if v.cancel != nil {
		v.cancel()
	}
}

var _ TokenValidator = (*JWTValidator)(nil)
