package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/glimte/mmate-relay/contracts"
)

var (
	ErrBrokerClosed      = errors.New("messaging: broker closed")
	ErrAlreadySubscribed = errors.New("messaging: queue already has a subscriber")
	ErrNotSubscribed     = errors.New("messaging: queue has no subscriber")
)

// Handler processes one delivery. Returning an error asks the broker to
// redeliver later; handlers dead-letter permanent failures themselves.
type Handler func(ctx context.Context, msg *contracts.Message) error

// Broker is the trigger-queue transport used by the relay and the cloud
// endpoint. Publish satisfies reliability.MessagePublisher.
type Broker interface {
	// Publish enqueues msg on queue, invisible until delay has passed.
	Publish(ctx context.Context, queue string, msg *contracts.Message, delay time.Duration) error

	// Subscribe starts delivering queue to handler until Unsubscribe or Close.
	Subscribe(ctx context.Context, queue string, handler Handler) error

	Unsubscribe(queue string) error

	// Ping reports whether the broker can accept publishes.
	Ping(ctx context.Context) error

	Close() error
}
