package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/internal/reliability"
)

// Direction tells an interceptor which way a message is travelling.
type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

func (d Direction) String() string {
	if d == Outgoing {
		return "outgoing"
	}
	return "incoming"
}

// Envelope is the unit flowing through a chain. Destinations is only
// meaningful for outgoing messages.
type Envelope struct {
	Message      *contracts.Message
	Destinations []string
	Direction    Direction
}

// MessageHandler represents a message handler in the interceptor chain
type MessageHandler interface {
	Handle(ctx context.Context, env *Envelope) error
}

// MessageHandlerFunc is a function adapter for MessageHandler
type MessageHandlerFunc func(ctx context.Context, env *Envelope) error

// Handle implements MessageHandler
func (f MessageHandlerFunc) Handle(ctx context.Context, env *Envelope) error {
	return f(ctx, env)
}

// Interceptor processes messages before they reach the final handler
type Interceptor interface {
	// Intercept processes a message and calls the next handler in the chain
	Intercept(ctx context.Context, env *Envelope, next MessageHandler) error

	// Name identifies the interceptor for ordering and logging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, env *Envelope, next MessageHandler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, env *Envelope, next MessageHandler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, env *Envelope, next MessageHandler) error {
	return i.fn(ctx, env, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain manages an ordered chain of interceptors. It is built
// once at startup and is not safe for concurrent modification.
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	return &InterceptorChain{
		interceptors: make([]Interceptor, 0),
		logger:       logger,
	}
}

// Add appends an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// AddFront puts an interceptor at the head of the chain
func (c *InterceptorChain) AddFront(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append([]Interceptor{interceptor}, c.interceptors...)
	return c
}

// InsertBefore places interceptor ahead of the one called name.
func (c *InterceptorChain) InsertBefore(name string, interceptor Interceptor) error {
	i := c.index(name)
	if i < 0 {
		return fmt.Errorf("interceptors: no interceptor named %q", name)
	}
	c.insert(i, interceptor)
	return nil
}

// InsertAfter places interceptor right behind the one called name.
func (c *InterceptorChain) InsertAfter(name string, interceptor Interceptor) error {
	i := c.index(name)
	if i < 0 {
		return fmt.Errorf("interceptors: no interceptor named %q", name)
	}
	c.insert(i+1, interceptor)
	return nil
}

// Names lists the interceptors in execution order.
func (c *InterceptorChain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, ic := range c.interceptors {
		names[i] = ic.Name()
	}
	return names
}

func (c *InterceptorChain) index(name string) int {
	for i, ic := range c.interceptors {
		if ic.Name() == name {
			return i
		}
	}
	return -1
}

func (c *InterceptorChain) insert(at int, interceptor Interceptor) {
	c.interceptors = append(c.interceptors, nil)
	copy(c.interceptors[at+1:], c.interceptors[at:])
	c.interceptors[at] = interceptor
}

// Execute executes the interceptor chain
func (c *InterceptorChain) Execute(ctx context.Context, env *Envelope, finalHandler MessageHandler) error {
	if len(c.interceptors) == 0 {
		return finalHandler.Handle(ctx, env)
	}

	// Build the chain in reverse order
	handler := finalHandler
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		currentHandler := handler
		handler = MessageHandlerFunc(func(ctx context.Context, env *Envelope) error {
			return interceptor.Intercept(ctx, env, currentHandler)
		})
	}

	return handler.Handle(ctx, env)
}

// LoggingInterceptor logs message processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, env *Envelope, next MessageHandler) error {
	start := time.Now()
	msg := env.Message

	err := next.Handle(ctx, env)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("message processing failed",
			"messageId", msg.ID,
			"direction", env.Direction,
			"tenant", msg.TenantID(),
			"destinations", env.Destinations,
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Debug("message processed",
			"messageId", msg.ID,
			"direction", env.Direction,
			"tenant", msg.TenantID(),
			"destinations", env.Destinations,
			"duration", duration,
		)
	}

	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor bounds how long the rest of the chain may run.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, env *Envelope, next MessageHandler) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- next.Handle(timeoutCtx, env)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		return fmt.Errorf("message processing timeout after %v for message %s", i.timeout, env.Message.ID)
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// CircuitBreaker is satisfied by reliability.CircuitBreaker.
type CircuitBreaker interface {
	Execute(ctx context.Context, fn func() error) error
}

// CircuitBreakerInterceptor provides circuit breaker functionality
type CircuitBreakerInterceptor struct {
	circuitBreaker CircuitBreaker
}

// NewCircuitBreakerInterceptor creates a new circuit breaker interceptor
func NewCircuitBreakerInterceptor(circuitBreaker CircuitBreaker) *CircuitBreakerInterceptor {
	return &CircuitBreakerInterceptor{circuitBreaker: circuitBreaker}
}

// Intercept implements Interceptor
func (i *CircuitBreakerInterceptor) Intercept(ctx context.Context, env *Envelope, next MessageHandler) error {
	return i.circuitBreaker.Execute(ctx, func() error {
		return next.Handle(ctx, env)
	})
}

// Name implements Interceptor
func (i *CircuitBreakerInterceptor) Name() string {
	return "CircuitBreakerInterceptor"
}

// DefaultInterceptorChainBuilder builds a common interceptor chain
type DefaultInterceptorChainBuilder struct {
	chain  *InterceptorChain
	logger *slog.Logger
}

// NewDefaultInterceptorChainBuilder creates a new builder
func NewDefaultInterceptorChainBuilder(logger *slog.Logger) *DefaultInterceptorChainBuilder {
	if logger == nil {
		logger = slog.Default()
	}

	return &DefaultInterceptorChainBuilder{
		chain:  NewInterceptorChain(logger),
		logger: logger,
	}
}

// WithLogging adds logging interceptor
func (b *DefaultInterceptorChainBuilder) WithLogging() *DefaultInterceptorChainBuilder {
	b.chain.Add(NewLoggingInterceptor(b.logger))
	return b
}

// WithIncomingTenant adds the incoming tenant check
func (b *DefaultInterceptorChainBuilder) WithIncomingTenant() *DefaultInterceptorChainBuilder {
	b.chain.Add(NewIncomingTenantInterceptor())
	return b
}

// WithOutgoingTenant adds tenant propagation for outgoing messages
func (b *DefaultInterceptorChainBuilder) WithOutgoingTenant() *DefaultInterceptorChainBuilder {
	b.chain.Add(NewOutgoingTenantInterceptor())
	return b
}

// WithDestinationValidation adds the outgoing destination validator
func (b *DefaultInterceptorChainBuilder) WithDestinationValidation() *DefaultInterceptorChainBuilder {
	b.chain.Add(NewDestinationValidator())
	return b
}

// WithTimeout adds timeout interceptor
func (b *DefaultInterceptorChainBuilder) WithTimeout(timeout time.Duration) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewTimeoutInterceptor(timeout))
	return b
}

// WithRetry re-runs the rest of the chain under policy
func (b *DefaultInterceptorChainBuilder) WithRetry(policy reliability.RetryPolicy) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewRetryInterceptor(policy).WithLogger(b.logger))
	return b
}

// WithCircuitBreaker adds circuit breaker interceptor
func (b *DefaultInterceptorChainBuilder) WithCircuitBreaker(circuitBreaker CircuitBreaker) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewCircuitBreakerInterceptor(circuitBreaker))
	return b
}

// WithCustom adds a custom interceptor
func (b *DefaultInterceptorChainBuilder) WithCustom(interceptor Interceptor) *DefaultInterceptorChainBuilder {
	b.chain.Add(interceptor)
	return b
}

// Build returns the built interceptor chain
func (b *DefaultInterceptorChainBuilder) Build() *InterceptorChain {
	return b.chain
}
