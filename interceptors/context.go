package interceptors

import (
	"context"

	"github.com/glimte/mmate-relay/contracts"
)

type incomingKey struct{}

// WithIncoming records the message currently being handled so outgoing
// interceptors can carry its identity forward.
func WithIncoming(ctx context.Context, msg *contracts.Message) context.Context {
	return context.WithValue(ctx, incomingKey{}, msg)
}

// IncomingFromContext returns the message recorded by WithIncoming.
func IncomingFromContext(ctx context.Context) (*contracts.Message, bool) {
	msg, ok := ctx.Value(incomingKey{}).(*contracts.Message)
	return msg, ok && msg != nil
}
