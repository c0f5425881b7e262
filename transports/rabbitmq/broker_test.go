package rabbitmq

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliveryAttempt(t *testing.T) {
	assert.Equal(t, 1, deliveryAttempt(amqp.Delivery{}))
	assert.Equal(t, 3, deliveryAttempt(amqp.Delivery{Headers: amqp.Table{attemptHeader: int32(3)}}))
	assert.Equal(t, 4, deliveryAttempt(amqp.Delivery{Headers: amqp.Table{attemptHeader: int64(4)}}))
	assert.Equal(t, 1, deliveryAttempt(amqp.Delivery{Headers: amqp.Table{attemptHeader: "x"}}))
}

// brokerURL returns the broker used by the integration tests below; they are
// skipped when RELAY_TEST_AMQP_URL is unset.
func brokerURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("RELAY_TEST_AMQP_URL")
	if url == "" || testing.Short() {
		t.Skip("RELAY_TEST_AMQP_URL not set")
	}
	return url
}

func TestBrokerIntegration(t *testing.T) {
	url := brokerURL(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	b, err := NewBroker(ctx, url, WithRedelivery(2, 100*time.Millisecond))
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Ping(ctx))

	queue := "it-" + contracts.NewMessage(nil).ID

	t.Run("publish and consume", func(t *testing.T) {
		got := make(chan *contracts.Message, 1)
		require.NoError(t, b.Subscribe(ctx, queue, func(_ context.Context, m *contracts.Message) error {
			got <- m
			return nil
		}))
		defer b.Unsubscribe(queue)

		msg := contracts.NewMessage([]byte(`{"n":1}`))
		msg.SetHeader(contracts.HeaderTenantID, "t1")
		require.NoError(t, b.Publish(ctx, queue, msg, 0))

		select {
		case m := <-got:
			assert.Equal(t, msg.ID, m.ID)
			assert.Equal(t, "t1", m.TenantID())
		case <-ctx.Done():
			t.Fatal("no delivery")
		}
	})

	t.Run("subscribe twice", func(t *testing.T) {
		require.NoError(t, b.Subscribe(ctx, queue, func(context.Context, *contracts.Message) error { return nil }))
		defer b.Unsubscribe(queue)
		err := b.Subscribe(ctx, queue, func(context.Context, *contracts.Message) error { return nil })
		assert.ErrorIs(t, err, messaging.ErrAlreadySubscribed)
	})

	t.Run("exhausted deliveries reach the poison queue", func(t *testing.T) {
		var mu sync.Mutex
		calls := 0
		require.NoError(t, b.Subscribe(ctx, queue, func(context.Context, *contracts.Message) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return errors.New("nope")
		}))
		defer b.Unsubscribe(queue)

		poisoned := make(chan *contracts.Message, 1)
		poison := contracts.PoisonQueue(queue)
		require.NoError(t, b.Subscribe(ctx, poison, func(_ context.Context, m *contracts.Message) error {
			poisoned <- m
			return nil
		}))
		defer b.Unsubscribe(poison)

		require.NoError(t, b.Publish(ctx, queue, contracts.NewMessage([]byte("x")), 0))

		select {
		case m := <-poisoned:
			assert.Equal(t, "failed: nope", m.Headers.Get(contracts.HeaderDeadLetterReason))
		case <-ctx.Done():
			t.Fatal("message never reached the poison queue")
		}
		mu.Lock()
		assert.Equal(t, 2, calls)
		mu.Unlock()
	})

	require.NoError(t, b.topology.DeleteQueue(ctx, queue))
	require.NoError(t, b.topology.DeleteQueue(ctx, contracts.PoisonQueue(queue)))
}
