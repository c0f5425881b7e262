// Package cloud is the cloud side of the relay: it consumes the cloud queue,
// enforces tenant identity on everything it receives and sends, and routes
// replies and notifications back through the relay's outbound queue.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/interceptors"
	"github.com/glimte/mmate-relay/internal/blob"
	"github.com/glimte/mmate-relay/internal/reliability"
	"github.com/glimte/mmate-relay/messaging"
	"github.com/google/uuid"
)

var (
	ErrNoReplyAddress = errors.New("cloud: incoming message does not identify its sender")
	ErrNoBlobStore    = errors.New("cloud: endpoint has no blob store")
	ErrNoAttachment   = errors.New("cloud: message has no attachment")
	ErrStarted        = errors.New("cloud: endpoint already started")
)

// Handler processes one incoming message. Returning an error redelivers the
// message unless the error is an identity violation.
type Handler func(ctx context.Context, c *Context) error

// BlobListener is notified after the endpoint writes to the cloud outbox.
type BlobListener func(ctx context.Context, ref blob.Ref) error

// DeadLetterer parks messages that must not be retried.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, queue string, msg *contracts.Message, reason reliability.Reason, cause error) error
}

// Endpoint consumes contracts.CloudQueue.
type Endpoint struct {
	broker     messaging.Broker
	handler    Handler
	incoming   *interceptors.InterceptorChain
	outgoing   *interceptors.InterceptorChain
	blobs      blob.Store
	onBlob     BlobListener
	deadLetter DeadLetterer
	timeout    time.Duration
	retry      reliability.RetryPolicy
	breaker    interceptors.CircuitBreaker
	logger     *slog.Logger

	mu      sync.Mutex
	started bool
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Endpoint) {
		e.logger = logger
	}
}

// WithIncomingChain replaces the default incoming chain.
func WithIncomingChain(c *interceptors.InterceptorChain) Option {
	return func(e *Endpoint) {
		e.incoming = c
	}
}

// WithOutgoingChain replaces the default outgoing chain.
func WithOutgoingChain(c *interceptors.InterceptorChain) Option {
	return func(e *Endpoint) {
		e.outgoing = c
	}
}

// WithAttachments enables attachment upload and download. onCreated is
// usually the relay's OnOutboxBlobCreated.
func WithAttachments(store blob.Store, onCreated BlobListener) Option {
	return func(e *Endpoint) {
		e.blobs = store
		e.onBlob = onCreated
	}
}

// WithDeadLetter parks rejected messages instead of dropping them.
func WithDeadLetter(d DeadLetterer) Option {
	return func(e *Endpoint) {
		e.deadLetter = d
	}
}

// WithHandlerTimeout bounds each handler attempt.
func WithHandlerTimeout(d time.Duration) Option {
	return func(e *Endpoint) {
		e.timeout = d
	}
}

// WithHandlerRetry retries failed handler attempts in process before the
// message goes back to the broker.
func WithHandlerRetry(policy reliability.RetryPolicy) Option {
	return func(e *Endpoint) {
		e.retry = policy
	}
}

// WithPublishBreaker replaces the circuit breaker guarding publishes to the
// outbound queue.
func WithPublishBreaker(cb interceptors.CircuitBreaker) Option {
	return func(e *Endpoint) {
		e.breaker = cb
	}
}

// New creates an endpoint. The default incoming chain rejects messages
// without a tenant and then applies the configured retry and timeout; the
// default outgoing chain propagates the tenant, validates destinations and
// publishes through a circuit breaker.
func New(broker messaging.Broker, handler Handler, opts ...Option) *Endpoint {
	e := &Endpoint{
		broker:  broker,
		handler: handler,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.breaker == nil {
		e.breaker = reliability.NewCircuitBreaker(reliability.WithName(contracts.CloudOutboundQueue))
	}
	if e.incoming == nil {
		b := interceptors.NewDefaultInterceptorChainBuilder(e.logger).
			WithLogging().
			WithIncomingTenant()
		if e.retry != nil {
			b.WithRetry(e.retry)
		}
		if e.timeout > 0 {
			b.WithTimeout(e.timeout)
		}
		e.incoming = b.Build()
	}
	if e.outgoing == nil {
		e.outgoing = interceptors.NewDefaultInterceptorChainBuilder(e.logger).
			WithOutgoingTenant().
			WithDestinationValidation().
			WithCircuitBreaker(e.breaker).
			Build()
	}
	return e
}

// Start subscribes to the cloud queue.
func (e *Endpoint) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrStarted
	}
	if err := e.broker.Subscribe(ctx, contracts.CloudQueue, e.handle); err != nil {
		return fmt.Errorf("cloud: subscribe %s: %w", contracts.CloudQueue, err)
	}
	e.started = true
	return nil
}

// Stop unsubscribes from the cloud queue.
func (e *Endpoint) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}
	e.started = false
	return e.broker.Unsubscribe(contracts.CloudQueue)
}

func (e *Endpoint) handle(ctx context.Context, msg *contracts.Message) error {
	env := &interceptors.Envelope{Message: msg, Direction: interceptors.Incoming}
	err := e.incoming.Execute(ctx, env, interceptors.MessageHandlerFunc(func(ctx context.Context, env *interceptors.Envelope) error {
		ctx = interceptors.WithIncoming(ctx, env.Message)
		return e.handler(ctx, &Context{endpoint: e, Message: env.Message})
	}))
	if err == nil {
		return nil
	}
	if !rejected(err) {
		return err
	}

	e.logger.Warn("rejecting cloud message", "messageId", msg.ID, "tenant", msg.TenantID(), "error", err)
	if e.deadLetter == nil {
		return nil
	}
	reason := reliability.ReasonInvalid
	if contracts.IsAuthorizationError(err) {
		reason = reliability.ReasonUnauthorized
	}
	if dlErr := e.deadLetter.DeadLetter(ctx, contracts.CloudQueue, msg, reason, err); dlErr != nil {
		return fmt.Errorf("cloud: dead-letter %s: %w", msg.ID, dlErr)
	}
	return nil
}

// rejected reports errors that retrying cannot fix.
func rejected(err error) bool {
	return contracts.IsAuthorizationError(err) ||
		errors.Is(err, interceptors.ErrMissingTenant) ||
		errors.Is(err, interceptors.ErrTenantUnresolvable)
}

// Send runs msg through the outgoing chain and hands it to the relay.
// Destinations are private queue names such as "clients-c1"; an empty list
// is valid for topic messages.
func (e *Endpoint) Send(ctx context.Context, msg *contracts.Message, destinations ...string) error {
	env := &interceptors.Envelope{Message: msg, Destinations: destinations, Direction: interceptors.Outgoing}
	return e.outgoing.Execute(ctx, env, interceptors.MessageHandlerFunc(func(ctx context.Context, env *interceptors.Envelope) error {
		return e.broker.Publish(ctx, contracts.CloudOutboundQueue, env.Message, 0)
	}))
}

// Publish broadcasts msg to every subscriber of topic in the message's tenant.
func (e *Endpoint) Publish(ctx context.Context, topic string, msg *contracts.Message) error {
	msg.SetHeader(contracts.HeaderTopic, topic)
	return e.Send(ctx, msg)
}

// Attach uploads data to the cloud outbox under the message's tenant and
// sets the attachment header. The relay moves it to the principals inbox.
func (e *Endpoint) Attach(ctx context.Context, tenantID string, msg *contracts.Message, data []byte, contentType string) (string, error) {
	if e.blobs == nil {
		return "", ErrNoBlobStore
	}
	if err := contracts.ValidateID(tenantID); err != nil {
		return "", fmt.Errorf("%w: %v", contracts.ErrInvalidTenantID, err)
	}
	attachmentID := uuid.NewString()
	ref := blob.AttachmentRef(blob.ContainerCloudOutbox, tenantID, attachmentID)
	if err := e.blobs.Put(ctx, ref, data, contentType, map[string]string{blob.MetadataTenant: tenantID}); err != nil {
		return "", fmt.Errorf("cloud: upload attachment: %w", err)
	}
	if e.onBlob != nil {
		if err := e.onBlob(ctx, ref); err != nil {
			return "", fmt.Errorf("cloud: announce attachment: %w", err)
		}
	}
	msg.SetHeader(contracts.HeaderAttachmentID, attachmentID)
	return attachmentID, nil
}

// Attachment reads the attachment a principal sent with msg from the cloud inbox.
func (e *Endpoint) Attachment(ctx context.Context, msg *contracts.Message) ([]byte, blob.Properties, error) {
	if e.blobs == nil {
		return nil, blob.Properties{}, ErrNoBlobStore
	}
	id := msg.Headers.Get(contracts.HeaderAttachmentID)
	if id == "" {
		return nil, blob.Properties{}, ErrNoAttachment
	}
	return e.blobs.Get(ctx, blob.AttachmentRef(blob.ContainerCloudInbox, msg.TenantID(), id))
}
