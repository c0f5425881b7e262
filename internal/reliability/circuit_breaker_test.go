package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker(t *testing.T) {
	fail := func() error { return errors.New("test error") }
	ok := func() error { return nil }

	t.Run("starts in closed state", func(t *testing.T) {
		assert.Equal(t, StateClosed, NewCircuitBreaker().State())
	})

	t.Run("opens after failure threshold", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(3), WithName("notify"))

		for i := 0; i < 3; i++ {
			assert.Error(t, cb.Execute(context.Background(), fail))
		}
		assert.Equal(t, StateOpen, cb.State())

		executed := false
		err := cb.Execute(context.Background(), func() error {
			executed = true
			return nil
		})
		assert.False(t, executed)
		assert.ErrorIs(t, err, ErrCircuitOpen)

		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, "notify", cbErr.Name)
	})

	t.Run("success resets failure count while closed", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(2))

		_ = cb.Execute(context.Background(), fail)
		_ = cb.Execute(context.Background(), ok)
		_ = cb.Execute(context.Background(), fail)

		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("half-open closes after successes", func(t *testing.T) {
		var transitions []State
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithSuccessThreshold(2),
			WithTimeout(20*time.Millisecond),
			WithStateChange(func(_, to State) { transitions = append(transitions, to) }),
		)

		_ = cb.Execute(context.Background(), fail)
		time.Sleep(40 * time.Millisecond)

		require.NoError(t, cb.Execute(context.Background(), ok))
		assert.Equal(t, StateHalfOpen, cb.State())
		require.NoError(t, cb.Execute(context.Background(), ok))
		assert.Equal(t, StateClosed, cb.State())

		assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
	})

	t.Run("half-open failure reopens", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithTimeout(10*time.Millisecond))

		_ = cb.Execute(context.Background(), fail)
		time.Sleep(20 * time.Millisecond)
		_ = cb.Execute(context.Background(), fail)

		assert.Equal(t, StateOpen, cb.State())
	})

	t.Run("cancelled context skips call", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := NewCircuitBreaker().Execute(ctx, ok)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
