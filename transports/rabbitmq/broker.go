// Package rabbitmq provides a messaging.Broker backed by RabbitMQ.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/internal/rabbitmq"
	"github.com/glimte/mmate-relay/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	contentType   = "application/json"
	attemptHeader = "x-relay-attempt"
)

// Broker implements messaging.Broker. Each relay queue becomes a durable
// work queue with a poison queue behind it; delayed publishes go through a
// TTL holding queue that expires into the target.
type Broker struct {
	conn      *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager
	logger    *slog.Logger

	maxDeliveries   int
	redeliveryDelay time.Duration

	mu       sync.Mutex
	declared map[string]bool
	closed   bool
}

// Option configures the Broker.
type Option func(*config)

type config struct {
	logger          *slog.Logger
	prefetch        int
	maxChannels     int
	maxDeliveries   int
	redeliveryDelay time.Duration
	connOpts        []rabbitmq.ConnectionOption
}

// WithLogger sets the logger for the broker and its connection.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithPrefetch sets the per-consumer prefetch count.
func WithPrefetch(n int) Option {
	return func(c *config) {
		c.prefetch = n
	}
}

// WithMaxChannels caps the channel pool.
func WithMaxChannels(n int) Option {
	return func(c *config) {
		c.maxChannels = n
	}
}

// WithRedelivery sets how often and how quickly failed deliveries are retried
// before they move to the poison queue.
func WithRedelivery(maxDeliveries int, delay time.Duration) Option {
	return func(c *config) {
		c.maxDeliveries = maxDeliveries
		c.redeliveryDelay = delay
	}
}

// WithReconnectDelay sets the base delay between reconnection attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *config) {
		c.connOpts = append(c.connOpts, rabbitmq.WithReconnectDelay(d))
	}
}

// NewBroker connects to url and declares the dead-letter exchange.
func NewBroker(ctx context.Context, url string, opts ...Option) (*Broker, error) {
	cfg := &config{
		logger:          slog.Default(),
		prefetch:        10,
		maxChannels:     10,
		maxDeliveries:   5,
		redeliveryDelay: time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	logger := cfg.logger.With("component", "rabbitmq-broker")

	conn := rabbitmq.NewConnectionManager(url, append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(logger)}, cfg.connOpts...)...)
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	pool, err := rabbitmq.NewChannelPool(conn, rabbitmq.WithMaxSize(cfg.maxChannels), rabbitmq.WithPoolLogger(logger))
	if err != nil {
		conn.Close()
		return nil, err
	}

	b := &Broker{
		conn:            conn,
		pool:            pool,
		publisher:       rabbitmq.NewPublisher(pool, rabbitmq.WithPublisherLogger(logger)),
		consumer:        rabbitmq.NewConsumer(pool, rabbitmq.WithPrefetchCount(cfg.prefetch), rabbitmq.WithConsumerLogger(logger)),
		topology:        rabbitmq.NewTopologyManager(pool),
		logger:          logger,
		maxDeliveries:   cfg.maxDeliveries,
		redeliveryDelay: cfg.redeliveryDelay,
		declared:        make(map[string]bool),
	}
	if err := b.topology.DeclareDeadLetterExchange(ctx); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

var _ messaging.Broker = (*Broker)(nil)

// Publish enqueues msg on queue, through a delay queue when delay > 0.
func (b *Broker) Publish(ctx context.Context, queue string, msg *contracts.Message, delay time.Duration) error {
	return b.publish(ctx, queue, msg, delay, 1)
}

func (b *Broker) publish(ctx context.Context, queue string, msg *contracts.Message, delay time.Duration, attempt int) error {
	if b.isClosed() {
		return messaging.ErrBrokerClosed
	}
	if err := b.ensureQueue(ctx, queue); err != nil {
		return err
	}

	body, err := contracts.EncodeMessage(msg)
	if err != nil {
		return err
	}

	routingKey := queue
	if delay > 0 {
		routingKey, err = b.topology.DeclareDelayQueue(ctx, queue, delay)
		if err != nil {
			return err
		}
	}

	return b.publisher.Publish(ctx, "", routingKey, amqp.Publishing{
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{attemptHeader: int32(attempt)},
		Body:         body,
	})
}

// Subscribe consumes queue. A handler error republishes the message after the
// redelivery delay; once attempts are exhausted it goes to the poison queue
// with the failure recorded in the dead-letter reason header.
func (b *Broker) Subscribe(ctx context.Context, queue string, handler messaging.Handler) error {
	if b.isClosed() {
		return messaging.ErrBrokerClosed
	}
	if err := b.ensureQueue(ctx, queue); err != nil {
		return err
	}
	for _, q := range b.consumer.ActiveQueues() {
		if q == queue {
			return fmt.Errorf("%w: %s", messaging.ErrAlreadySubscribed, queue)
		}
	}
	return b.consumer.Subscribe(ctx, queue, func(ctx context.Context, d amqp.Delivery) error {
		msg, err := contracts.DecodeMessage(d.Body)
		if err != nil {
			// nack without requeue dead-letters it
			return fmt.Errorf("decode delivery: %w", err)
		}
		herr := handler(ctx, msg)
		if herr == nil {
			return nil
		}
		return b.redeliver(ctx, queue, msg, deliveryAttempt(d), herr)
	})
}

func (b *Broker) redeliver(ctx context.Context, queue string, msg *contracts.Message, attempt int, cause error) error {
	if attempt >= b.maxDeliveries {
		b.logger.Error("delivery attempts exhausted, moving to poison queue",
			"queue", queue, "messageId", msg.ID, "attempts", attempt, "error", cause)
		dead := msg.Clone()
		dead.SetHeader(contracts.HeaderDeadLetterReason, "failed: "+cause.Error())
		return b.publish(ctx, contracts.PoisonQueue(queue), dead, 0, 1)
	}
	b.logger.Warn("delivery failed, scheduling redelivery",
		"queue", queue, "messageId", msg.ID, "attempt", attempt, "error", cause)
	return b.publish(ctx, queue, msg, b.redeliveryDelay, attempt+1)
}

func deliveryAttempt(d amqp.Delivery) int {
	switch v := d.Headers[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 1
}

// Unsubscribe stops the consumer on queue.
func (b *Broker) Unsubscribe(queue string) error {
	if err := b.consumer.Unsubscribe(queue); err != nil {
		return fmt.Errorf("%w: %s", messaging.ErrNotSubscribed, queue)
	}
	return nil
}

// Depth returns the ready message count of queue.
func (b *Broker) Depth(ctx context.Context, queue string) (int, error) {
	return b.topology.QueueDepth(ctx, queue)
}

// Ping reports whether the connection is up.
func (b *Broker) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.isClosed() {
		return messaging.ErrBrokerClosed
	}
	_, err := b.conn.GetConnection()
	return err
}

// IsConnected reports whether the underlying connection is currently up.
func (b *Broker) IsConnected() bool {
	return b.conn.IsConnected()
}

// Close stops all consumers and closes the connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.consumer.UnsubscribeAll()
	_ = b.pool.Close()
	return b.conn.Close()
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Broker) ensureQueue(ctx context.Context, queue string) error {
	if contracts.IsPoisonQueue(queue) {
		// declared together with its work queue
		return nil
	}
	b.mu.Lock()
	done := b.declared[queue]
	b.mu.Unlock()
	if done {
		return nil
	}
	if err := b.topology.DeclareWorkQueue(ctx, queue, contracts.PoisonQueue(queue)); err != nil {
		return err
	}
	b.mu.Lock()
	b.declared[queue] = true
	b.mu.Unlock()
	return nil
}
