// Package reliability provides the retry, backoff and dead-letter primitives
// used by the relay.
//
// It implements:
//   - Retry policies: capped exponential backoff and fixed delay, plus Retry
//     for bounded in-process retries
//   - Dead lettering: DLQHandler publishes a message to its poison queue with
//     a reason and records it in an ErrorStore
//   - Circuit breaker: guards best-effort side channels such as push
//     notifications so a failing dependency does not slow the hot path
//
// Example usage:
//
//	backoff := NewExponentialBackoff(500*time.Millisecond, time.Minute, 2.0, 130)
//	backoff.Jitter = false
//	delay := backoff.NextDelay(count)
package reliability
