package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-relay/contracts"
)

// Publication records one Publish call on a MemoryBroker.
type Publication struct {
	Queue   string
	Message *contracts.Message
	Delay   time.Duration
}

type memoryDelivery struct {
	msg     *contracts.Message
	attempt int
}

type memoryQueue struct {
	items   []memoryDelivery
	handler Handler
	signal  chan struct{}
	stop    chan struct{}
}

func (q *memoryQueue) push(d memoryDelivery) {
	q.items = append(q.items, d)
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// MemoryBroker is an in-process Broker. Each subscribed queue is served by
// one goroutine, so deliveries on a queue are sequential.
type MemoryBroker struct {
	mu        sync.Mutex
	queues    map[string]*memoryQueue
	timers    map[*time.Timer]struct{}
	published []Publication
	closed    bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	logger          *slog.Logger
	maxDelay        time.Duration
	redeliveryDelay time.Duration
	maxDeliveries   int
}

// MemoryBrokerOption configures a MemoryBroker.
type MemoryBrokerOption func(*MemoryBroker)

// WithBrokerLogger sets the logger.
func WithBrokerLogger(logger *slog.Logger) MemoryBrokerOption {
	return func(b *MemoryBroker) {
		b.logger = logger
	}
}

// WithMaxDelay caps publish delays. Tests use 0 to deliver immediately.
func WithMaxDelay(d time.Duration) MemoryBrokerOption {
	return func(b *MemoryBroker) {
		b.maxDelay = d
	}
}

// WithRedelivery sets how often and how quickly failed deliveries are
// retried before the message moves to the poison queue.
func WithRedelivery(maxDeliveries int, delay time.Duration) MemoryBrokerOption {
	return func(b *MemoryBroker) {
		b.maxDeliveries = maxDeliveries
		b.redeliveryDelay = delay
	}
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker(opts ...MemoryBrokerOption) *MemoryBroker {
	ctx, cancel := context.WithCancel(context.Background())
	b := &MemoryBroker{
		queues:          make(map[string]*memoryQueue),
		timers:          make(map[*time.Timer]struct{}),
		ctx:             ctx,
		cancel:          cancel,
		logger:          slog.Default(),
		maxDelay:        -1,
		redeliveryDelay: time.Second,
		maxDeliveries:   5,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish implements Broker.
func (b *MemoryBroker) Publish(ctx context.Context, queue string, msg *contracts.Message, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}

	b.published = append(b.published, Publication{Queue: queue, Message: msg.Clone(), Delay: delay})
	if b.maxDelay >= 0 && delay > b.maxDelay {
		delay = b.maxDelay
	}
	b.schedule(queue, memoryDelivery{msg: msg.Clone(), attempt: 1}, delay)
	return nil
}

// schedule must be called with mu held.
func (b *MemoryBroker) schedule(queue string, d memoryDelivery, delay time.Duration) {
	if delay <= 0 {
		b.queue(queue).push(d)
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.timers, t)
		if !b.closed {
			b.queue(queue).push(d)
		}
	})
	b.timers[t] = struct{}{}
}

// queue must be called with mu held.
func (b *MemoryBroker) queue(name string) *memoryQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memoryQueue{signal: make(chan struct{}, 1)}
		b.queues[name] = q
	}
	return q
}

// Subscribe implements Broker.
func (b *MemoryBroker) Subscribe(_ context.Context, queue string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	q := b.queue(queue)
	if q.handler != nil {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, queue)
	}
	q.handler = handler
	q.stop = make(chan struct{})

	b.wg.Add(1)
	go b.serve(queue, q, q.stop)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Unsubscribe implements Broker. Undelivered messages stay queued.
func (b *MemoryBroker) Unsubscribe(queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok || q.handler == nil {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, queue)
	}
	close(q.stop)
	q.handler = nil
	return nil
}

func (b *MemoryBroker) serve(name string, q *memoryQueue, stop chan struct{}) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-stop:
			return
		case <-q.signal:
		}
		for {
			b.mu.Lock()
			if b.closed || q.handler == nil || len(q.items) == 0 {
				b.mu.Unlock()
				break
			}
			d := q.items[0]
			q.items = q.items[1:]
			handler := q.handler
			b.mu.Unlock()

			b.dispatch(name, handler, d)
		}
	}
}

func (b *MemoryBroker) dispatch(queue string, handler Handler, d memoryDelivery) {
	err := handler(b.ctx, d.msg.Clone())
	if err == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if d.attempt >= b.maxDeliveries {
		b.logger.Error("delivery attempts exhausted, moving to poison queue",
			"queue", queue, "messageId", d.msg.ID, "attempts", d.attempt, "error", err)
		dead := d.msg.Clone()
		dead.SetHeader(contracts.HeaderDeadLetterReason, fmt.Sprintf("failed: %v", err))
		b.queue(contracts.PoisonQueue(queue)).push(memoryDelivery{msg: dead, attempt: 1})
		return
	}
	b.logger.Warn("delivery failed, redelivering",
		"queue", queue, "messageId", d.msg.ID, "attempt", d.attempt, "error", err)
	b.schedule(queue, memoryDelivery{msg: d.msg, attempt: d.attempt + 1}, b.redeliveryDelay)
}

// Published returns the messages published to queue, oldest first.
func (b *MemoryBroker) Published(queue string) []Publication {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Publication
	for _, p := range b.published {
		if p.Queue == queue {
			out = append(out, Publication{Queue: p.Queue, Message: p.Message.Clone(), Delay: p.Delay})
		}
	}
	return out
}

// Len returns the number of messages waiting on queue.
func (b *MemoryBroker) Len(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return len(q.items)
	}
	return 0
}

// Drain removes and returns the messages waiting on an unsubscribed queue.
func (b *MemoryBroker) Drain(queue string) []*contracts.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return nil
	}
	out := make([]*contracts.Message, 0, len(q.items))
	for _, d := range q.items {
		out = append(out, d.msg)
	}
	q.items = nil
	return out
}

// Ping implements Broker.
func (b *MemoryBroker) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	return nil
}

// Close stops all subscribers and pending timers.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for t := range b.timers {
		t.Stop()
	}
	b.timers = nil
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return nil
}
