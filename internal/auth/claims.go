package auth

import (
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the identity claims the relay reads from a bearer token.
type Claims struct {
	Subject  string
	TenantID string
	Scopes   []string
}

// HasScope reports whether scope was granted.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

func claimsFromMap(m jwt.MapClaims) *Claims {
	c := &Claims{
		Subject:  stringClaim(m, "sub"),
		TenantID: stringClaim(m, "tid"),
	}
	c.Scopes = append(c.Scopes, scopeClaim(m, "scp")...)
	c.Scopes = append(c.Scopes, scopeClaim(m, "scope")...)
	return c
}

func stringClaim(m jwt.MapClaims, key string) string {
	v, _ := m[key].(string)
	return v
}

// scopeClaim accepts both a space-delimited string and a JSON array.
func scopeClaim(m jwt.MapClaims, key string) []string {
	switch v := m[key].(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func splitTrimmed(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
