package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Circuit breaker errors
	ErrCircuitOpen          = errors.New("circuit breaker: circuit is open")
	ErrCircuitHalfOpenLimit = errors.New("circuit breaker: half-open request limit reached")

	// Retry errors
	ErrNonRetryable = errors.New("retry: error is not retryable")

	// Dead letter errors
	ErrNoPublisher       = errors.New("dlq: no publisher configured")
	ErrInvalidDLQMessage = errors.New("dlq: invalid dead letter message")

	// Error store errors
	ErrErrorNotFound = errors.New("error store: failed message not found")
)

// CircuitBreakerError is returned while the breaker rejects calls.
type CircuitBreakerError struct {
	Name      string
	State     State
	Failures  int
	NextRetry time.Time
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker %s %s (failures=%d, retry in %v)",
		e.Name, e.State, e.Failures, time.Until(e.NextRetry).Round(time.Millisecond))
}

func (e *CircuitBreakerError) Unwrap() error {
	if e.State == StateHalfOpen {
		return ErrCircuitHalfOpenLimit
	}
	return ErrCircuitOpen
}

// DLQError represents a dead letter operation error
type DLQError struct {
	Queue     string
	MessageID string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *DLQError) Error() string {
	return fmt.Sprintf("dlq error: %s failed for message %s in queue %s: %v",
		e.Op, e.MessageID, e.Queue, e.Err)
}

func (e *DLQError) Unwrap() error {
	return e.Err
}

// IsRetryableError reports whether err should be retried. Errors that do not
// classify themselves are retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNonRetryable) {
		return false
	}

	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}
