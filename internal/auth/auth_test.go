package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-relay/contracts"
)

func newTestValidator(t *testing.T, opts ...ValidatorOption) (*Signer, *Validator) {
	t.Helper()
	signer, err := NewSigner("", "test-key")
	require.NoError(t, err)

	raw, err := json.Marshal(signer.JWKS())
	require.NoError(t, err)
	v, err := NewStaticValidator(raw, opts...)
	require.NoError(t, err)
	return signer, v
}

func TestValidator(t *testing.T) {
	signer, v := newTestValidator(t)
	client := contracts.Principal{TenantID: "t1", Role: contracts.RoleClient, RoleID: "c1"}

	t.Run("authenticates a scoped token", func(t *testing.T) {
		token, err := signer.IssuePrincipalToken(client, "relay.client other", time.Hour)
		require.NoError(t, err)

		p, err := v.Authenticate(token, contracts.RoleClient, "relay.client")
		require.NoError(t, err)
		assert.Equal(t, client, p)
	})

	t.Run("accepts scp arrays", func(t *testing.T) {
		token, err := signer.SignToken(jwt.MapClaims{
			"sub": "k1",
			"tid": "t1",
			"scp": []string{"relay.connector"},
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		require.NoError(t, err)

		p, err := v.Authenticate(token, contracts.RoleConnector, "relay.connector")
		require.NoError(t, err)
		assert.Equal(t, "k1", p.RoleID)
		assert.Equal(t, contracts.RoleConnector, p.Role)
	})

	t.Run("missing token is unauthorized", func(t *testing.T) {
		_, err := v.Authenticate("", contracts.RoleClient, "")
		assert.ErrorIs(t, err, ErrMissingToken)
		assert.Equal(t, http.StatusUnauthorized, StatusCode(err))
	})

	t.Run("scope mismatch is forbidden", func(t *testing.T) {
		token, err := signer.IssuePrincipalToken(client, "relay.connector", time.Hour)
		require.NoError(t, err)

		_, err = v.Authenticate(token, contracts.RoleClient, "relay.client")
		assert.ErrorIs(t, err, ErrInsufficientScope)
		assert.Equal(t, http.StatusForbidden, StatusCode(err))
	})

	t.Run("expired token is unauthorized", func(t *testing.T) {
		token, err := signer.IssuePrincipalToken(client, "relay.client", -time.Minute)
		require.NoError(t, err)

		_, err = v.Authenticate(token, contracts.RoleClient, "relay.client")
		assert.ErrorIs(t, err, ErrInvalidToken)
		assert.Equal(t, http.StatusUnauthorized, StatusCode(err))
	})

	t.Run("token from another key is rejected", func(t *testing.T) {
		other, err := NewSigner("", "test-key")
		require.NoError(t, err)
		token, err := other.IssuePrincipalToken(client, "relay.client", time.Hour)
		require.NoError(t, err)

		_, err = v.Authenticate(token, contracts.RoleClient, "relay.client")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing tenant claim is rejected", func(t *testing.T) {
		token, err := signer.SignToken(jwt.MapClaims{
			"sub": "c1",
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		require.NoError(t, err)

		_, err = v.Authenticate(token, contracts.RoleClient, "")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestValidatorAudience(t *testing.T) {
	signer, v := newTestValidator(t, WithAudience("api://relay"))

	token, err := signer.SignToken(jwt.MapClaims{
		"sub": "c1", "tid": "t1", "aud": "api://other",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)
	_, err = v.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	token, err = signer.SignToken(jwt.MapClaims{
		"sub": "c1", "tid": "t1", "aud": "api://relay",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)
	claims, err := v.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "t1", claims.TenantID)
}

func TestSessionIssuer(t *testing.T) {
	p := contracts.Principal{TenantID: "t1", Role: contracts.RoleConnector, RoleID: "k1"}

	t.Run("round trips the principal", func(t *testing.T) {
		s, err := NewSessionIssuer([]byte("secret"), 0)
		require.NoError(t, err)

		token, err := s.Issue(p)
		require.NoError(t, err)
		got, err := s.Parse(token)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	})

	t.Run("rejects expired sessions", func(t *testing.T) {
		s, err := NewSessionIssuer([]byte("secret"), time.Minute)
		require.NoError(t, err)
		token, err := s.Issue(p)
		require.NoError(t, err)

		s.now = func() time.Time { return time.Now().Add(time.Hour) }
		_, err = s.Parse(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("rejects tokens signed elsewhere", func(t *testing.T) {
		a, err := NewSessionIssuer([]byte("a"), 0)
		require.NoError(t, err)
		b, err := NewSessionIssuer([]byte("b"), 0)
		require.NoError(t, err)
		token, err := a.Issue(p)
		require.NoError(t, err)

		_, err = b.Parse(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("requires a secret", func(t *testing.T) {
		_, err := NewSessionIssuer(nil, 0)
		assert.ErrorIs(t, err, ErrNoSessionSecret)
	})
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/clients/negotiate", nil)
	assert.Empty(t, BearerToken(r))

	r.Header.Set("Authorization", "Bearer abc.def")
	assert.Equal(t, "abc.def", BearerToken(r))

	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, BearerToken(r))
}

func TestPrincipalContext(t *testing.T) {
	_, ok := PrincipalFromContext(context.Background())
	assert.False(t, ok)

	p := contracts.Principal{TenantID: "t1", Role: contracts.RoleClient, RoleID: "c1"}
	got, ok := PrincipalFromContext(ContextWithPrincipal(context.Background(), p))
	assert.True(t, ok)
	assert.Equal(t, p, got)
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusOK, StatusCode(nil))
	assert.Equal(t, http.StatusUnauthorized, StatusCode(errors.New("x")))
}
