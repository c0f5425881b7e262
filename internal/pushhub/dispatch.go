package pushhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/internal/blob"
	"github.com/glimte/mmate-relay/internal/databus"
	"github.com/glimte/mmate-relay/internal/queue"
	"github.com/glimte/mmate-relay/internal/subscription"
	"github.com/glimte/mmate-relay/push"
	"github.com/glimte/mmate-relay/relay"
)

var (
	ErrMethodNotFound = errors.New("pushhub: unknown method")
	ErrBadParams      = errors.New("pushhub: malformed parameters")
)

// Dispatcher executes one invocation on behalf of an authenticated principal.
type Dispatcher interface {
	Dispatch(ctx context.Context, p contracts.Principal, method string, params json.RawMessage) (any, error)
}

// Service is the relay surface reachable over the push channel.
type Service interface {
	SendMessage(ctx context.Context, p contracts.Principal, queue string, msg *contracts.Message) error
	GetQueueMetadata(ctx context.Context, p contracts.Principal) (relay.QueueMetadata, error)
	Subscribe(ctx context.Context, p contracts.Principal, topic string) error
	Unsubscribe(ctx context.Context, p contracts.Principal, topic string) error
	GetDataBusAttachmentURI(ctx context.Context, p contracts.Principal, attachmentID string) (relay.SignedURI, error)
	GetDataBusAttachmentUploadURI(ctx context.Context, p contracts.Principal, attachmentID string) (relay.SignedURI, error)
	AttachmentUploaded(ctx context.Context, p contracts.Principal, attachmentID string) error
	GetAttachmentMetadata(ctx context.Context, p contracts.Principal, attachmentID string) (relay.AttachmentMetadata, error)
}

var _ Service = (*relay.Relay)(nil)

// RelayDispatcher maps push method names onto a Service.
type RelayDispatcher struct {
	Service Service
}

func (d RelayDispatcher) Dispatch(ctx context.Context, p contracts.Principal, method string, params json.RawMessage) (any, error) {
	switch method {
	case push.MethodSendMessage:
		var in push.SendMessageParams
		if err := decode(params, &in); err != nil {
			return nil, err
		}
		if in.Message == nil {
			return nil, fmt.Errorf("%w: message is required", ErrBadParams)
		}
		return nil, d.Service.SendMessage(ctx, p, in.Queue, in.Message)

	case push.MethodGetQueueMetadata:
		return d.Service.GetQueueMetadata(ctx, p)

	case push.MethodSubscribeToTopic, push.MethodUnsubscribeFromTopic:
		var in push.TopicParams
		if err := decode(params, &in); err != nil {
			return nil, err
		}
		if method == push.MethodSubscribeToTopic {
			return nil, d.Service.Subscribe(ctx, p, in.Topic)
		}
		return nil, d.Service.Unsubscribe(ctx, p, in.Topic)

	case push.MethodGetDataBusAttachmentURI:
		var in push.AttachmentParams
		if err := decode(params, &in); err != nil {
			return nil, err
		}
		return d.Service.GetDataBusAttachmentURI(ctx, p, in.AttachmentID)

	case push.MethodGetDataBusAttachmentUploadURI:
		var in push.AttachmentParams
		if err := decode(params, &in); err != nil {
			return nil, err
		}
		return d.Service.GetDataBusAttachmentUploadURI(ctx, p, in.AttachmentID)

	case push.MethodAttachmentUploaded:
		var in push.AttachmentParams
		if err := decode(params, &in); err != nil {
			return nil, err
		}
		return nil, d.Service.AttachmentUploaded(ctx, p, in.AttachmentID)

	case push.MethodGetAttachmentMetadata:
		var in push.AttachmentParams
		if err := decode(params, &in); err != nil {
			return nil, err
		}
		return d.Service.GetAttachmentMetadata(ctx, p, in.AttachmentID)
	}
	return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, method)
}

func decode(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return fmt.Errorf("%w: missing", ErrBadParams)
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadParams, err)
	}
	return nil
}

// ToRPCError classifies err for the wire. Internal failures are not described
// to the caller.
func ToRPCError(err error) *push.RPCError {
	if err == nil {
		return nil
	}
	code := Code(err)
	msg := err.Error()
	if code == push.CodeInternal {
		msg = "internal error"
	}
	return &push.RPCError{Code: code, Message: msg}
}

// Code returns the push error code for err.
func Code(err error) string {
	switch {
	case contracts.IsAuthorizationError(err):
		return push.CodeUnauthorized
	case databus.IsCopyError(err), errors.Is(err, databus.ErrCopyTimedOut):
		return push.CodeCopyFailed
	case errors.Is(err, ErrMethodNotFound):
		return push.CodeMethodNotFound
	case errors.Is(err, relay.ErrAttachmentNotReady):
		return push.CodeNotReady
	case errors.Is(err, relay.ErrAttachmentNotFound),
		errors.Is(err, blob.ErrNotFound),
		errors.Is(err, queue.ErrQueueNotFound):
		return push.CodeNotFound
	case errors.Is(err, ErrBadParams),
		errors.Is(err, subscription.ErrInvalidTopic),
		errors.Is(err, relay.ErrNoDestination),
		errors.Is(err, relay.ErrAmbiguousRecipient),
		errors.Is(err, contracts.ErrMissingTenant),
		errors.Is(err, queue.ErrInvalidName):
		return push.CodeBadRequest
	}
	return push.CodeInternal
}
