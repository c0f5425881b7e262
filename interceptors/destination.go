package interceptors

import (
	"context"

	"github.com/glimte/mmate-relay/contracts"
)

const opValidateDestination = "validate destination"

// DestinationValidator derives the addressed client or connector from the
// destination queues and stamps it on the message. Identity headers set by
// the caller are only accepted when a destination confirms them. Topic
// messages pass through untouched.
type DestinationValidator struct{}

func NewDestinationValidator() *DestinationValidator {
	return &DestinationValidator{}
}

func (v *DestinationValidator) Intercept(ctx context.Context, env *Envelope, next MessageHandler) error {
	msg := env.Message
	if env.Direction != Outgoing || msg.Headers.Has(contracts.HeaderTopic) {
		return next.Handle(ctx, env)
	}

	var target *contracts.Address
	for _, dest := range env.Destinations {
		addr := contracts.ParseAddress(dest)
		switch addr.Kind {
		case contracts.KindRoleShared:
			return contracts.Unauthorized(opValidateDestination,
				"%q is the shared %s queue; address a specific %s", dest, addr.Role, addr.Role)
		case contracts.KindPrivate:
			if target != nil && (target.Role != addr.Role || target.RoleID != addr.RoleID) {
				return contracts.Unauthorized(opValidateDestination,
					"message addressed to both %s and %s", target.Name, addr.Name)
			}
			a := addr
			target = &a
		}
	}
	if target == nil {
		for _, role := range []contracts.Role{contracts.RoleClient, contracts.RoleConnector} {
			if explicit := msg.Headers.Get(role.IDHeader()); explicit != "" {
				return contracts.Unauthorized(opValidateDestination,
					"header %s=%q is not backed by a destination", role.IDHeader(), explicit)
			}
		}
		return contracts.Unauthorized(opValidateDestination, "message has no client or connector destination")
	}

	for _, role := range []contracts.Role{contracts.RoleClient, contracts.RoleConnector} {
		explicit := msg.Headers.Get(role.IDHeader())
		if explicit == "" {
			continue
		}
		if role != target.Role || explicit != target.RoleID {
			return contracts.Unauthorized(opValidateDestination,
				"header %s=%q conflicts with destination %s", role.IDHeader(), explicit, target.Name)
		}
	}

	msg.SetHeader(target.Role.IDHeader(), target.RoleID)
	return next.Handle(ctx, env)
}

func (v *DestinationValidator) Name() string {
	return "DestinationValidator"
}
