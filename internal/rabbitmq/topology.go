package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeadLetterExchange receives deliveries rejected from work queues.
const DeadLetterExchange = "relay.dlx"

// delayQueueGrace keeps an idle delay queue around a little past its TTL.
const delayQueueGrace = time.Minute

// TopologyManager declares the queues the relay broker publishes to:
// work queues dead-lettering into a poison queue, and TTL delay queues
// dead-lettering back into their target.
type TopologyManager struct {
	pool *ChannelPool
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{pool: pool}
}

// DeclareDeadLetterExchange declares the shared direct exchange for poison routing.
func (tm *TopologyManager) DeclareDeadLetterExchange(ctx context.Context) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		if err := ch.ExchangeDeclare(DeadLetterExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
			return &TopologyError{Component: "exchange", Name: DeadLetterExchange, Op: "declare", Err: err}
		}
		return nil
	})
}

// DeclareWorkQueue declares queue and its poison queue. Rejected deliveries on
// queue are routed through DeadLetterExchange into poison.
func (tm *TopologyManager) DeclareWorkQueue(ctx context.Context, queue, poison string) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		if _, err := ch.QueueDeclare(poison, true, false, false, false, nil); err != nil {
			return &TopologyError{Component: "queue", Name: poison, Op: "declare", Err: err}
		}
		if err := ch.QueueBind(poison, poison, DeadLetterExchange, false, nil); err != nil {
			return &TopologyError{Component: "binding", Name: poison, Op: "bind", Err: err}
		}
		_, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
			"x-dead-letter-exchange":    DeadLetterExchange,
			"x-dead-letter-routing-key": poison,
		})
		if err != nil {
			return &TopologyError{Component: "queue", Name: queue, Op: "declare", Err: err}
		}
		return nil
	})
}

// DeclareDelayQueue declares the holding queue for messages to target delayed
// by delay and returns its name. Messages expire out of it into target.
func (tm *TopologyManager) DeclareDelayQueue(ctx context.Context, target string, delay time.Duration) (string, error) {
	bucket := DelayBucket(delay)
	name := DelayQueueName(target, bucket)
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		_, err := ch.QueueDeclare(name, true, false, false, false, amqp.Table{
			"x-message-ttl":             bucket.Milliseconds(),
			"x-expires":                 (bucket + delayQueueGrace).Milliseconds(),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": target,
		})
		if err != nil {
			return &TopologyError{Component: "queue", Name: name, Op: "declare", Err: err}
		}
		return nil
	})
	return name, err
}

// DelayBucket rounds delay up so that the number of delay queues per target
// stays small: whole seconds under a minute, whole minutes above.
func DelayBucket(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	unit := time.Second
	if delay > time.Minute {
		unit = time.Minute
	}
	return (delay + unit - 1) / unit * unit
}

// DelayQueueName names the delay queue for target and a bucketed delay.
func DelayQueueName(target string, bucket time.Duration) string {
	return fmt.Sprintf("%s.delay.%d", target, bucket.Milliseconds())
}

// QueueDepth returns the ready message count of an existing queue.
func (tm *TopologyManager) QueueDepth(ctx context.Context, name string) (int, error) {
	var depth int
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
		if err != nil {
			return &TopologyError{Component: "queue", Name: name, Op: "inspect", Err: err}
		}
		depth = q.Messages
		return nil
	})
	return depth, err
}

// DeleteQueue deletes a queue together with any messages in it.
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		if _, err := ch.QueueDelete(name, false, false, false); err != nil {
			return &TopologyError{Component: "queue", Name: name, Op: "delete", Err: err}
		}
		return nil
	})
}
