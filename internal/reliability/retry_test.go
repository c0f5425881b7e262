package reliability

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("creates with correct defaults", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3)

		assert.Equal(t, 100*time.Millisecond, eb.InitialInterval)
		assert.Equal(t, 5*time.Second, eb.MaxInterval)
		assert.Equal(t, 2.0, eb.Multiplier)
		assert.Equal(t, 3, eb.MaxAttempts)
		assert.True(t, eb.Jitter)
	})

	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		for i := 0; i < 3; i++ {
			shouldRetry, delay := eb.ShouldRetry(i, errors.New("test"))
			assert.True(t, shouldRetry)
			assert.Greater(t, delay, time.Duration(0))
		}

		shouldRetry, delay := eb.ShouldRetry(3, errors.New("test"))
		assert.False(t, shouldRetry)
		assert.Equal(t, time.Duration(0), delay)
	})

	t.Run("NextDelay grows and caps", func(t *testing.T) {
		eb := NewExponentialBackoff(500*time.Millisecond, time.Minute, 2.0, 130)
		eb.Jitter = false

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 500 * time.Millisecond},
			{1, time.Second},
			{2, 2 * time.Second},
			{3, 4 * time.Second},
			{6, 32 * time.Second},
			{7, time.Minute},
			{130, time.Minute},
			{5000, time.Minute},
		}

		for _, tt := range tests {
			assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt), "attempt %d", tt.attempt)
		}
	})

	t.Run("NextDelay is non-decreasing without jitter", func(t *testing.T) {
		eb := NewExponentialBackoff(500*time.Millisecond, time.Minute, 2.0, 130)
		eb.Jitter = false

		prev := time.Duration(0)
		for i := 0; i <= 130; i++ {
			d := eb.NextDelay(i)
			assert.GreaterOrEqual(t, d, prev)
			assert.LessOrEqual(t, d, time.Minute)
			prev = d
		}
	})

	t.Run("NextDelay with jitter stays in range", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 5)

		for i := 0; i < 20; i++ {
			d := eb.NextDelay(0)
			assert.GreaterOrEqual(t, d, 850*time.Millisecond)
			assert.LessOrEqual(t, d, 1150*time.Millisecond)
		}
	})

	t.Run("respects non-retryable errors", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		shouldRetry, _ := eb.ShouldRetry(0, Permanent(errors.New("boom")))
		assert.False(t, shouldRetry)
	})
}

func TestFixedDelay(t *testing.T) {
	fd := NewFixedDelay(250*time.Millisecond, 2)

	ok, d := fd.ShouldRetry(0, errors.New("x"))
	assert.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, d)

	ok, _ = fd.ShouldRetry(2, errors.New("x"))
	assert.False(t, ok)
	assert.Equal(t, 2, fd.MaxRetries())
}

func TestRetry(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		var calls int32
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 3), func() error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return errors.New("not yet")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("returns last error when exhausted", func(t *testing.T) {
		var calls int32
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 2), func() error {
			atomic.AddInt32(&calls, 1)
			return errors.New("still failing")
		})

		assert.EqualError(t, err, "still failing")
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		var calls int32
		cause := errors.New("gone")
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			atomic.AddInt32(&calls, 1)
			return Permanent(cause)
		})

		assert.ErrorIs(t, err, cause)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("honours cancellation while waiting", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		start := time.Now()
		err := Retry(ctx, NewFixedDelay(time.Hour, 5), func() error {
			return errors.New("fail")
		})

		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.True(t, IsRetryableError(errors.New("x")))
	assert.False(t, IsRetryableError(ErrNonRetryable))
	assert.False(t, IsRetryableError(Permanent(errors.New("x"))))
	assert.True(t, IsRetryableError(RetryableError{Err: errors.New("x"), Retryable: true}))
}
