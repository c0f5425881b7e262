package sas

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIssuer(t *testing.T, now *time.Time) *Issuer {
	t.Helper()
	i, err := NewIssuer([]byte("test-secret"), "https://relay.example/", WithClock(func() time.Time { return *now }))
	require.NoError(t, err)
	return i
}

func TestPermission(t *testing.T) {
	p := Read | Update | Process
	assert.Equal(t, "rup", p.String())
	assert.True(t, p.Has(Read|Process))
	assert.False(t, p.Has(Write))

	parsed, err := ParsePermission("rup")
	require.NoError(t, err)
	assert.Equal(t, p, parsed)

	_, err = ParsePermission("rx")
	assert.Error(t, err)
}

func TestIssuer(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("requires a secret", func(t *testing.T) {
		_, err := NewIssuer(nil, "")
		assert.ErrorIs(t, err, ErrNoSecret)
	})

	t.Run("verifies a matching grant", func(t *testing.T) {
		i := newTestIssuer(t, &now)
		token, expires, err := i.Sign(QueueResource("clients-c1"), Read|Update|Process, 24*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, now.Add(24*time.Hour), expires)

		assert.NoError(t, i.Verify(token, QueueResource("clients-c1"), Process))
	})

	t.Run("rejects other resources", func(t *testing.T) {
		i := newTestIssuer(t, &now)
		token, _, err := i.Sign(QueueResource("clients-c1"), Read, time.Hour)
		require.NoError(t, err)

		assert.ErrorIs(t, i.Verify(token, QueueResource("clients-c2"), Read), ErrWrongResource)
	})

	t.Run("rejects missing permission", func(t *testing.T) {
		i := newTestIssuer(t, &now)
		token, _, err := i.Sign(BlobResource("principals-inbox/t1/a1"), Read, time.Hour)
		require.NoError(t, err)

		assert.ErrorIs(t, i.Verify(token, BlobResource("principals-inbox/t1/a1"), Write), ErrPermission)
	})

	t.Run("rejects expired grants", func(t *testing.T) {
		clock := now
		i := newTestIssuer(t, &clock)
		token, _, err := i.Sign(QueueResource("clients-c1"), Read, time.Hour)
		require.NoError(t, err)

		clock = clock.Add(2 * time.Hour)
		assert.ErrorIs(t, i.Verify(token, QueueResource("clients-c1"), Read), ErrExpired)
	})

	t.Run("rejects foreign signatures", func(t *testing.T) {
		i := newTestIssuer(t, &now)
		other, err := NewIssuer([]byte("other-secret"), "", WithClock(func() time.Time { return now }))
		require.NoError(t, err)
		token, _, err := other.Sign(QueueResource("clients-c1"), Read, time.Hour)
		require.NoError(t, err)

		assert.ErrorIs(t, i.Verify(token, QueueResource("clients-c1"), Read), ErrInvalidSignature)
	})

	t.Run("builds signed uris", func(t *testing.T) {
		i := newTestIssuer(t, &now)
		uri, _, err := i.BlobURI("principals-inbox", "t1/a1", Read, 4*time.Hour)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(uri, "https://relay.example/blobs/principals-inbox/t1/a1?sig="))

		u, err := url.Parse(uri)
		require.NoError(t, err)
		assert.NoError(t, i.Verify(u.Query().Get("sig"), BlobResource("principals-inbox/t1/a1"), Read))

		quri, _, err := i.QueueURI("clients-c1", Read|Update|Process, time.Hour)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(quri, "https://relay.example/queues/clients-c1?sig="))
	})
}
