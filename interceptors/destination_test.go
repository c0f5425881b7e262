package interceptors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-relay/contracts"
)

func TestDestinationValidator(t *testing.T) {
	v := NewDestinationValidator()
	pass := MessageHandlerFunc(func(context.Context, *Envelope) error { return nil })

	outgoing := func(dests ...string) *Envelope {
		return &Envelope{Message: contracts.NewMessage(nil), Destinations: dests, Direction: Outgoing}
	}

	t.Run("stamps id derived from destination", func(t *testing.T) {
		env := outgoing("clients-c1")
		require.NoError(t, v.Intercept(context.Background(), env, pass))
		assert.Equal(t, "c1", env.Message.Headers.Get(contracts.HeaderClientID))

		env = outgoing("connectors-k1@machine")
		require.NoError(t, v.Intercept(context.Background(), env, pass))
		assert.Equal(t, "k1", env.Message.Headers.Get(contracts.HeaderConnectorID))
	})

	t.Run("rejects shared role queues", func(t *testing.T) {
		for _, dest := range []string{"clients", "connectors"} {
			err := v.Intercept(context.Background(), outgoing(dest), pass)
			assert.True(t, contracts.IsAuthorizationError(err), dest)
		}
	})

	t.Run("rejects two principal destinations", func(t *testing.T) {
		err := v.Intercept(context.Background(), outgoing("clients-c1", "clients-c2"), pass)
		assert.True(t, contracts.IsAuthorizationError(err))

		err = v.Intercept(context.Background(), outgoing("clients-c1", "connectors-c1"), pass)
		assert.True(t, contracts.IsAuthorizationError(err))
	})

	t.Run("tolerates the same destination twice", func(t *testing.T) {
		assert.NoError(t, v.Intercept(context.Background(), outgoing("clients-c1", "clients-c1"), pass))
	})

	t.Run("rejects a conflicting explicit header", func(t *testing.T) {
		env := outgoing("clients-c1")
		env.Message.SetHeader(contracts.HeaderClientID, "c2")
		assert.True(t, contracts.IsAuthorizationError(v.Intercept(context.Background(), env, pass)))

		env = outgoing("clients-c1")
		env.Message.SetHeader(contracts.HeaderConnectorID, "c1")
		assert.True(t, contracts.IsAuthorizationError(v.Intercept(context.Background(), env, pass)))
	})

	t.Run("accepts a matching explicit header", func(t *testing.T) {
		env := outgoing("clients-c1")
		env.Message.SetHeader(contracts.HeaderClientID, "c1")
		assert.NoError(t, v.Intercept(context.Background(), env, pass))
	})

	t.Run("skips topic messages", func(t *testing.T) {
		env := outgoing("clients")
		env.Message.SetHeader(contracts.HeaderTopic, "prices")
		assert.NoError(t, v.Intercept(context.Background(), env, pass))
		assert.False(t, env.Message.Headers.Has(contracts.HeaderClientID))
	})

	t.Run("rejects an identity header without a destination", func(t *testing.T) {
		for _, header := range []string{contracts.HeaderClientID, contracts.HeaderConnectorID} {
			called := false
			env := outgoing()
			env.Message.SetHeader(header, "victim")
			err := v.Intercept(context.Background(), env, MessageHandlerFunc(func(context.Context, *Envelope) error {
				called = true
				return nil
			}))
			assert.True(t, contracts.IsAuthorizationError(err), header)
			assert.False(t, called, header)
		}
	})

	t.Run("rejects messages with no principal destination", func(t *testing.T) {
		assert.True(t, contracts.IsAuthorizationError(v.Intercept(context.Background(), outgoing(), pass)))
		assert.True(t, contracts.IsAuthorizationError(v.Intercept(context.Background(), outgoing(contracts.CloudQueue), pass)))
	})

	t.Run("ignores incoming traffic", func(t *testing.T) {
		env := &Envelope{Message: contracts.NewMessage(nil), Destinations: []string{"clients"}, Direction: Incoming}
		assert.NoError(t, v.Intercept(context.Background(), env, pass))
	})
}
