package cloud

import (
	"context"

	"github.com/glimte/mmate-relay/contracts"
)

// Context is handed to a Handler for one incoming message.
type Context struct {
	endpoint *Endpoint
	Message  *contracts.Message
}

// TenantID is the tenant of the incoming message.
func (c *Context) TenantID() string {
	return c.Message.TenantID()
}

// Sender returns the private queue of the principal that sent the message.
func (c *Context) Sender() (string, error) {
	for _, role := range []contracts.Role{contracts.RoleClient, contracts.RoleConnector} {
		if id := c.Message.Headers.Get(role.IDHeader()); id != "" {
			return contracts.PrivateQueue(role, id), nil
		}
	}
	return "", ErrNoReplyAddress
}

// Reply sends msg to the principal that sent the incoming message and
// correlates it.
func (c *Context) Reply(ctx context.Context, msg *contracts.Message) error {
	dest, err := c.Sender()
	if err != nil {
		return err
	}
	if !msg.Headers.Has(contracts.HeaderCorrelationID) {
		msg.SetHeader(contracts.HeaderCorrelationID, c.Message.ID)
	}
	return c.endpoint.Send(ctx, msg, dest)
}

// Send sends msg to the given private queues.
func (c *Context) Send(ctx context.Context, msg *contracts.Message, destinations ...string) error {
	return c.endpoint.Send(ctx, msg, destinations...)
}

// Publish broadcasts msg on topic in the incoming message's tenant.
func (c *Context) Publish(ctx context.Context, topic string, msg *contracts.Message) error {
	return c.endpoint.Publish(ctx, topic, msg)
}

// Attach uploads data as msg's attachment in the incoming message's tenant.
func (c *Context) Attach(ctx context.Context, msg *contracts.Message, data []byte, contentType string) (string, error) {
	return c.endpoint.Attach(ctx, c.TenantID(), msg, data, contentType)
}

// Attachment reads the incoming message's attachment.
func (c *Context) Attachment(ctx context.Context) ([]byte, error) {
	data, _, err := c.endpoint.Attachment(ctx, c.Message)
	return data, err
}
