package interceptors

import (
	"context"
	"errors"

	"github.com/glimte/mmate-relay/contracts"
)

var (
	// ErrMissingTenant rejects incoming messages without tenant identity.
	ErrMissingTenant = contracts.ErrMissingTenant

	// ErrTenantUnresolvable means an outgoing message has no tenant and
	// is not being sent while handling a tenant-scoped message. This is a
	// wiring mistake, not a runtime condition.
	ErrTenantUnresolvable = errors.New("interceptors: outgoing message tenant cannot be resolved")
)

// IncomingTenantInterceptor rejects incoming messages that lack a tenant.
type IncomingTenantInterceptor struct{}

func NewIncomingTenantInterceptor() *IncomingTenantInterceptor {
	return &IncomingTenantInterceptor{}
}

func (i *IncomingTenantInterceptor) Intercept(ctx context.Context, env *Envelope, next MessageHandler) error {
	if env.Message.TenantID() == "" {
		return ErrMissingTenant
	}
	return next.Handle(ctx, env)
}

func (i *IncomingTenantInterceptor) Name() string {
	return "IncomingTenantInterceptor"
}

// OutgoingTenantInterceptor copies the tenant of the message being handled
// onto outgoing messages that do not carry one.
type OutgoingTenantInterceptor struct{}

func NewOutgoingTenantInterceptor() *OutgoingTenantInterceptor {
	return &OutgoingTenantInterceptor{}
}

func (i *OutgoingTenantInterceptor) Intercept(ctx context.Context, env *Envelope, next MessageHandler) error {
	msg := env.Message
	if msg.TenantID() == "" {
		incoming, ok := IncomingFromContext(ctx)
		if !ok || incoming.TenantID() == "" {
			return ErrTenantUnresolvable
		}
		msg.SetHeader(contracts.HeaderTenantID, incoming.TenantID())
	}
	return next.Handle(ctx, env)
}

func (i *OutgoingTenantInterceptor) Name() string {
	return "OutgoingTenantInterceptor"
}

func isFatal(err error) bool {
	return contracts.IsAuthorizationError(err) ||
		errors.Is(err, ErrMissingTenant) ||
		errors.Is(err, ErrTenantUnresolvable)
}
