package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/internal/reliability"
	"github.com/glimte/mmate-relay/messaging"
)

var (
	ErrTooManyPending = errors.New("bridge: too many pending requests")
	ErrClosed         = errors.New("bridge: closed")
)

// Sender sends a message through the relay.
type Sender interface {
	Send(ctx context.Context, destination string, msg *contracts.Message) error
}

// Receiver drains the private queue.
type Receiver interface {
	Receive(ctx context.Context) (*messaging.ReceivedMessage, error)
	Ack(ctx context.Context, m *messaging.ReceivedMessage) error
	Nack(ctx context.Context, m *messaging.ReceivedMessage) error
}

// FallbackHandler handles received messages that answer no pending request.
// A nil error acknowledges the message, any other error releases it.
type FallbackHandler func(ctx context.Context, m *messaging.ReceivedMessage) error

type pendingRequest struct {
	replies chan *contracts.Message
	expires time.Time
	cancel  context.CancelFunc
}

// SyncAsyncBridge enables synchronous request-response over the relay.
type SyncAsyncBridge struct {
	sender         Sender
	circuitBreaker *reliability.CircuitBreaker
	retryPolicy    reliability.RetryPolicy
	fallback       FallbackHandler
	defaultTimeout time.Duration
	maxPending     int
	pollInterval   time.Duration
	logger         *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool

	cleanupTicker *time.Ticker
	done          chan struct{}
}

// BridgeOption configures the sync-async bridge
type BridgeOption func(*BridgeConfig)

// BridgeConfig holds configuration for the bridge
type BridgeConfig struct {
	CleanupInterval    time.Duration
	CircuitBreaker     *reliability.CircuitBreaker
	RetryPolicy        reliability.RetryPolicy
	Fallback           FallbackHandler
	MaxPendingRequests int
	DefaultTimeout     time.Duration
	PollInterval       time.Duration
	Logger             *slog.Logger
}

// WithCleanupInterval sets the interval for cleaning up expired requests
func WithCleanupInterval(interval time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		c.CleanupInterval = interval
	}
}

// WithBridgeCircuitBreaker sets the circuit breaker for requests
func WithBridgeCircuitBreaker(cb *reliability.CircuitBreaker) BridgeOption {
	return func(c *BridgeConfig) {
		c.CircuitBreaker = cb
	}
}

// WithRetryPolicy sets the retry policy for failed sends
func WithRetryPolicy(policy reliability.RetryPolicy) BridgeOption {
	return func(c *BridgeConfig) {
		c.RetryPolicy = policy
	}
}

// WithFallback sets the handler for messages that are not replies.
func WithFallback(h FallbackHandler) BridgeOption {
	return func(c *BridgeConfig) {
		c.Fallback = h
	}
}

// WithMaxPendingRequests sets the maximum number of concurrent pending requests
func WithMaxPendingRequests(max int) BridgeOption {
	return func(c *BridgeConfig) {
		c.MaxPendingRequests = max
	}
}

// WithDefaultTimeout sets the timeout used when Request is given zero
func WithDefaultTimeout(timeout time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		c.DefaultTimeout = timeout
	}
}

// WithPollInterval sets how long Run waits after finding the queue empty.
func WithPollInterval(d time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		c.PollInterval = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BridgeOption {
	return func(c *BridgeConfig) {
		c.Logger = logger
	}
}

// NewSyncAsyncBridge creates a new sync-async bridge
func NewSyncAsyncBridge(sender Sender, opts ...BridgeOption) (*SyncAsyncBridge, error) {
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}

	config := &BridgeConfig{
		CleanupInterval:    30 * time.Second,
		MaxPendingRequests: 1000,
		DefaultTimeout:     30 * time.Second,
		PollInterval:       100 * time.Millisecond,
		Logger:             slog.Default(),
	}
	for _, opt := range opts {
		opt(config)
	}

	b := &SyncAsyncBridge{
		sender:         sender,
		circuitBreaker: config.CircuitBreaker,
		retryPolicy:    config.RetryPolicy,
		fallback:       config.Fallback,
		defaultTimeout: config.DefaultTimeout,
		maxPending:     config.MaxPendingRequests,
		pollInterval:   config.PollInterval,
		logger:         config.Logger,
		pending:        make(map[string]*pendingRequest),
		cleanupTicker:  time.NewTicker(config.CleanupInterval),
		done:           make(chan struct{}),
	}
	go b.cleanupRoutine()
	return b, nil
}

// Request sends msg to destination and waits for the reply correlated with
// msg.ID.
func (b *SyncAsyncBridge) Request(ctx context.Context, destination string, msg *contracts.Message, timeout time.Duration) (*contracts.Message, error) {
	if msg == nil {
		return nil, fmt.Errorf("message cannot be nil")
	}
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	requestCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pending := &pendingRequest{
		replies: make(chan *contracts.Message, 1),
		expires: time.Now().Add(timeout),
		cancel:  cancel,
	}
	if err := b.register(msg.ID, pending); err != nil {
		return nil, err
	}
	defer b.forget(msg.ID)

	send := func() error {
		return b.executeWithRetry(requestCtx, func(ctx context.Context) error {
			return b.sender.Send(ctx, destination, msg)
		})
	}
	var err error
	if b.circuitBreaker != nil {
		err = b.circuitBreaker.Execute(requestCtx, send)
	} else {
		err = send()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case reply := <-pending.replies:
		return reply, nil
	case <-requestCtx.Done():
		return nil, fmt.Errorf("request timeout or cancelled: %w", requestCtx.Err())
	}
}

func (b *SyncAsyncBridge) register(id string, p *pendingRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if len(b.pending) >= b.maxPending {
		return ErrTooManyPending
	}
	if _, dup := b.pending[id]; dup {
		return fmt.Errorf("bridge: request %s already pending", id)
	}
	b.pending[id] = p
	return nil
}

func (b *SyncAsyncBridge) forget(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, id)
}

func (b *SyncAsyncBridge) executeWithRetry(ctx context.Context, fn func(context.Context) error) error {
	if b.retryPolicy != nil {
		return reliability.Retry(ctx, b.retryPolicy, func() error {
			return fn(ctx)
		})
	}
	return fn(ctx)
}

// Resolve hands msg to the request it answers and reports whether one was
// waiting.
func (b *SyncAsyncBridge) Resolve(msg *contracts.Message) bool {
	correlationID := msg.Headers.Get(contracts.HeaderCorrelationID)
	if correlationID == "" {
		return false
	}
	b.mu.Lock()
	pending, ok := b.pending[correlationID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case pending.replies <- msg:
		return true
	default:
		b.logger.Warn("Duplicate reply dropped", "correlationId", correlationID, "messageId", msg.ID)
		return true
	}
}

// Run drains r until ctx is done or the bridge is closed.
func (b *SyncAsyncBridge) Run(ctx context.Context, r Receiver) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return nil
		default:
		}

		m, err := r.Receive(ctx)
		if err != nil {
			if errors.Is(err, messaging.ErrTransportClosed) {
				return err
			}
			b.logger.Warn("Receive failed", "error", err)
		}
		if m == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-b.done:
				return nil
			case <-time.After(b.pollInterval):
			}
			continue
		}
		b.handle(ctx, r, m)
	}
}

func (b *SyncAsyncBridge) handle(ctx context.Context, r Receiver, m *messaging.ReceivedMessage) {
	if b.Resolve(m.Message) {
		if err := r.Ack(ctx, m); err != nil {
			b.logger.Warn("Failed to acknowledge reply", "messageId", m.ID, "error", err)
		}
		return
	}
	if b.fallback == nil {
		b.logger.Warn("Dropping uncorrelated message", "messageId", m.ID,
			"correlationId", m.Headers.Get(contracts.HeaderCorrelationID))
		if err := r.Ack(ctx, m); err != nil {
			b.logger.Warn("Failed to acknowledge message", "messageId", m.ID, "error", err)
		}
		return
	}
	if err := b.fallback(ctx, m); err != nil {
		b.logger.Warn("Fallback handler failed, releasing message", "messageId", m.ID, "error", err)
		if err := r.Nack(ctx, m); err != nil {
			b.logger.Warn("Failed to release message", "messageId", m.ID, "error", err)
		}
		return
	}
	if err := r.Ack(ctx, m); err != nil {
		b.logger.Warn("Failed to acknowledge message", "messageId", m.ID, "error", err)
	}
}

// cleanupRoutine periodically removes expired requests
func (b *SyncAsyncBridge) cleanupRoutine() {
	for {
		select {
		case <-b.cleanupTicker.C:
			b.cleanupExpiredRequests()
		case <-b.done:
			return
		}
	}
}

func (b *SyncAsyncBridge) cleanupExpiredRequests() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, req := range b.pending {
		if now.After(req.expires) {
			req.cancel()
			delete(b.pending, id)
		}
	}
}

// GetPendingRequestCount returns the number of pending requests
func (b *SyncAsyncBridge) GetPendingRequestCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close cancels every pending request and stops Run.
func (b *SyncAsyncBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	b.cleanupTicker.Stop()
	for id, req := range b.pending {
		req.cancel()
		delete(b.pending, id)
	}
	return nil
}
