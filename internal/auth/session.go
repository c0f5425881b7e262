package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/glimte/mmate-relay/contracts"
)

const sessionAudience = "mmate-relay-session"

// DefaultSessionTTL bounds how long a negotiated session token may be used
// to open the push channel.
const DefaultSessionTTL = time.Hour

var ErrNoSessionSecret = errors.New("auth: session secret is empty")

type sessionClaims struct {
	TenantID string `json:"tid"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// SessionIssuer signs the short-lived tokens handed out by negotiate.
type SessionIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSessionIssuer creates an issuer; ttl <= 0 uses DefaultSessionTTL.
func NewSessionIssuer(secret []byte, ttl time.Duration) (*SessionIssuer, error) {
	if len(secret) == 0 {
		return nil, ErrNoSessionSecret
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionIssuer{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Issue returns a session token bound to p.
func (s *SessionIssuer) Issue(p contracts.Principal) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		TenantID: p.TenantID,
		Role:     string(p.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.RoleID,
			Audience:  jwt.ClaimStrings{sessionAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign session: %w", err)
	}
	return signed, nil
}

// Parse verifies a session token and returns its principal.
func (s *SessionIssuer) Parse(tokenStr string) (contracts.Principal, error) {
	if tokenStr == "" {
		return contracts.Principal{}, ErrMissingToken
	}
	var c sessionClaims
	_, err := jwt.ParseWithClaims(tokenStr, &c, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithAudience(sessionAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return contracts.Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	role, err := contracts.ParseRole(c.Role)
	if err != nil {
		return contracts.Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	p := contracts.Principal{TenantID: c.TenantID, Role: role, RoleID: c.Subject}
	if err := p.Validate(); err != nil {
		return contracts.Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return p, nil
}
