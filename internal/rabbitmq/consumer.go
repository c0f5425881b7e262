package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes one delivery. A nil return acks it.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer runs one consumer per queue on a dedicated channel and
// re-establishes it after a connection loss.
type Consumer struct {
	pool           *ChannelPool
	prefetchCount  int
	requeueOnError bool
	handlerTimeout time.Duration
	resubscribe    time.Duration
	logger         *slog.Logger
	mu             sync.Mutex
	active         map[string]*consumerInfo
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithRequeueOnError requeues failed deliveries instead of dead-lettering them
func WithRequeueOnError(requeue bool) ConsumerOption {
	return func(c *Consumer) {
		c.requeueOnError = requeue
	}
}

// WithHandlerTimeout bounds each handler invocation
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// WithResubscribeDelay sets the wait between attempts to reopen a lost consumer
func WithResubscribeDelay(delay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.resubscribe = delay
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:           pool,
		prefetchCount:  10,
		handlerTimeout: 30 * time.Second,
		resubscribe:    time.Second,
		logger:         slog.Default(),
		active:         make(map[string]*consumerInfo),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

type consumerInfo struct {
	queue  string
	cancel context.CancelFunc
	done   chan struct{}
}

// Subscribe opens a consumer on queue. The first open is synchronous so that
// a missing queue or closed connection is reported to the caller.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler MessageHandler) error {
	c.mu.Lock()
	if _, ok := c.active[queue]; ok {
		c.mu.Unlock()
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: fmt.Errorf("already consuming"), Timestamp: time.Now()}
	}
	c.mu.Unlock()

	ch, deliveries, err := c.open(ctx, queue)
	if err != nil {
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	consumerCtx, cancel := context.WithCancel(context.Background())
	info := &consumerInfo{queue: queue, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	c.active[queue] = info
	c.mu.Unlock()

	go c.run(consumerCtx, info, ch, deliveries, handler)

	c.logger.Info("subscribed to queue", "queue", queue, "prefetchCount", c.prefetchCount)
	return nil
}

func (c *Consumer) open(ctx context.Context, queue string) (*PooledChannel, <-chan amqp.Delivery, error) {
	ch, err := c.pool.Get(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		c.pool.Put(ch)
		return nil, nil, fmt.Errorf("set QoS: %w", err)
	}
	deliveries, err := ch.Consume(queue, ch.ID(), false, false, false, false, nil)
	if err != nil {
		c.pool.Put(ch)
		return nil, nil, fmt.Errorf("consume: %w", err)
	}
	return ch, deliveries, nil
}

func (c *Consumer) run(ctx context.Context, info *consumerInfo, ch *PooledChannel, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	defer func() {
		c.mu.Lock()
		delete(c.active, info.queue)
		c.mu.Unlock()
		close(info.done)
		c.logger.Info("consumer stopped", "queue", info.queue)
	}()

	for {
		if c.consume(ctx, info.queue, deliveries, handler) {
			// stopped on request; the channel carries a consumer so it is not pooled
			_ = ch.Cancel(ch.ID(), false)
			_ = ch.Channel.Close()
			c.pool.release()
			return
		}
		c.pool.Put(ch)

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.resubscribe):
			}
			var err error
			ch, deliveries, err = c.open(ctx, info.queue)
			if err == nil {
				c.logger.Info("consumer re-established", "queue", info.queue)
				break
			}
			c.logger.Warn("failed to re-establish consumer", "queue", info.queue, "error", err)
		}
	}
}

// consume returns true when ctx ended and false when the delivery channel closed.
func (c *Consumer) consume(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler MessageHandler) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", queue)
				return false
			}
			if err := c.handle(ctx, delivery, handler); err != nil {
				c.logger.Error("failed to handle message", "error", err, "queue", queue, "messageId", delivery.MessageId)
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, delivery amqp.Delivery, handler MessageHandler) (err error) {
	msgCtx, cancel := context.WithTimeout(ctx, c.handlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		if err != nil {
			if nackErr := delivery.Nack(false, c.requeueOnError); nackErr != nil {
				c.logger.Error("failed to nack message", "error", nackErr, "originalError", err)
			}
			return
		}
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message", "error", ackErr)
		}
	}()

	return handler(msgCtx, delivery)
}

// Unsubscribe stops consuming from a queue and waits for the loop to exit.
func (c *Consumer) Unsubscribe(queue string) error {
	c.mu.Lock()
	info, ok := c.active[queue]
	c.mu.Unlock()
	if !ok {
		return &ConsumerError{Queue: queue, Op: "unsubscribe", Err: ErrNoConsumer, Timestamp: time.Now()}
	}
	info.cancel()
	<-info.done
	return nil
}

// UnsubscribeAll stops all active consumers
func (c *Consumer) UnsubscribeAll() {
	for _, queue := range c.ActiveQueues() {
		if err := c.Unsubscribe(queue); err != nil {
			c.logger.Debug("unsubscribe", "queue", queue, "error", err)
		}
	}
}

// ActiveQueues returns the queues with a running consumer.
func (c *Consumer) ActiveQueues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	queues := make([]string, 0, len(c.active))
	for q := range c.active {
		queues = append(queues, q)
	}
	return queues
}
