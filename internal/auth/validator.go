package auth

import (
	"encoding/json"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/glimte/mmate-relay/contracts"
)

// Validator validates JWTs against one or more JWKS endpoints.
type Validator struct {
	kf       jwt.Keyfunc
	audience string
	issuer   string
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithAudience requires the aud claim to contain aud.
func WithAudience(aud string) ValidatorOption {
	return func(v *Validator) {
		v.audience = aud
	}
}

// WithIssuer requires the iss claim to equal iss.
func WithIssuer(iss string) ValidatorOption {
	return func(v *Validator) {
		v.issuer = iss
	}
}

// NewValidator fetches JWKS from one or more comma-separated URLs and
// refreshes them in the background.
func NewValidator(jwksURLs string, opts ...ValidatorOption) (*Validator, error) {
	urls := splitTrimmed(jwksURLs)
	if len(urls) == 0 {
		return nil, fmt.Errorf("auth: no JWKS URLs provided")
	}

	k, err := keyfunc.NewDefault(urls)
	if err != nil {
		return nil, fmt.Errorf("auth: fetch JWKS: %w", err)
	}
	return NewValidatorWithKeyfunc(k.Keyfunc, opts...), nil
}

// NewStaticValidator validates against a fixed JWK Set document.
func NewStaticValidator(jwks json.RawMessage, opts ...ValidatorOption) (*Validator, error) {
	k, err := keyfunc.NewJWKSetJSON(jwks)
	if err != nil {
		return nil, fmt.Errorf("auth: parse JWKS: %w", err)
	}
	return NewValidatorWithKeyfunc(k.Keyfunc, opts...), nil
}

// NewValidatorWithKeyfunc wraps an existing key lookup.
func NewValidatorWithKeyfunc(kf jwt.Keyfunc, opts ...ValidatorOption) *Validator {
	v := &Validator{kf: kf}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate parses and verifies a raw JWT string and returns its claims.
func (v *Validator) Validate(tokenStr string) (*Claims, error) {
	if tokenStr == "" {
		return nil, ErrMissingToken
	}

	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "ES256"})}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.Parse(tokenStr, v.kf, parserOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}
	return claimsFromMap(mapClaims), nil
}

// Authenticate validates tokenStr for role and returns the principal it
// identifies. An empty requiredScope skips the scope check.
func (v *Validator) Authenticate(tokenStr string, role contracts.Role, requiredScope string) (contracts.Principal, error) {
	claims, err := v.Validate(tokenStr)
	if err != nil {
		return contracts.Principal{}, err
	}
	if requiredScope != "" && !claims.HasScope(requiredScope) {
		return contracts.Principal{}, fmt.Errorf("%w: %q required", ErrInsufficientScope, requiredScope)
	}

	p := contracts.Principal{TenantID: claims.TenantID, Role: role, RoleID: claims.Subject}
	if err := p.Validate(); err != nil {
		return contracts.Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return p, nil
}
