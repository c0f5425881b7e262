// Package push is the principal-side push channel: JSON frames over a
// WebSocket carrying RPC invocations to the relay and NewMessage events
// back to the principal.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"nhooyr.io/websocket"
)

// Frame types.
const (
	FrameInvoke = "invoke"
	FrameResult = "result"
	FrameEvent  = "event"
)

// RPC method and event names.
const (
	MethodSendMessage                   = "SendMessage"
	MethodGetQueueMetadata              = "GetQueueMetadata"
	MethodSubscribeToTopic              = "SubscribeToTopic"
	MethodUnsubscribeFromTopic          = "UnsubscribeFromTopic"
	MethodGetDataBusAttachmentURI       = "GetDataBusAttachmentUri"
	MethodGetDataBusAttachmentUploadURI = "GetDataBusAttachmentUploadUri"
	MethodAttachmentUploaded            = "AttachmentUploaded"
	MethodGetAttachmentMetadata         = "GetAttachmentMetadata"

	EventNewMessage = "NewMessage"
)

// Error codes carried in result frames.
const (
	CodeUnauthorized   = "unauthorized"
	CodeBadRequest     = "bad_request"
	CodeNotFound       = "not_found"
	CodeNotReady       = "not_ready"
	CodeCopyFailed     = "copy_failed"
	CodeMethodNotFound = "method_not_found"
	CodeInternal       = "internal"
)

// Frame is one WebSocket text message.
type Frame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError is a failed invocation.
type RPCError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("push: %s: %s", e.Code, e.Message)
}

// IsUnauthorized reports whether err is an RPC rejected for identity reasons.
func IsUnauthorized(err error) bool {
	return HasCode(err, CodeUnauthorized)
}

// HasCode reports whether err is an RPCError with code.
func HasCode(err error, code string) bool {
	var re *RPCError
	return errors.As(err, &re) && re.Code == code
}

// SendMessageParams are the parameters of SendMessage.
type SendMessageParams struct {
	Queue   string             `json:"queue"`
	Message *contracts.Message `json:"message"`
}

// TopicParams are the parameters of the topic subscription methods.
type TopicParams struct {
	Topic string `json:"topic"`
}

// AttachmentParams are the parameters of the DataBus methods.
type AttachmentParams struct {
	AttachmentID string `json:"attachmentId"`
}

// NewMessageParams is the payload of a NewMessage event.
type NewMessageParams struct {
	ReceiptID string `json:"receiptId"`
}

// QueueMetadata is the result of GetQueueMetadata.
type QueueMetadata struct {
	ConnectionURI string    `json:"connectionUri"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// SignedURI is the result of the attachment URI methods.
type SignedURI struct {
	URI       string    `json:"uri"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AttachmentMetadata is the result of GetAttachmentMetadata.
type AttachmentMetadata struct {
	AttachmentID string    `json:"attachmentId"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"contentType"`
	Ready        bool      `json:"ready"`
	CreatedAt    time.Time `json:"createdAt"`
}

// NegotiateResponse is returned by the negotiate endpoint.
type NegotiateResponse struct {
	URL         string `json:"url"`
	AccessToken string `json:"accessToken"`
}

// Conn abstracts the WebSocket so both ends can be tested without a
// network. *websocket.Conn satisfies it.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// WriteFrame encodes f as a text message.
func WriteFrame(ctx context.Context, conn Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// ReadFrame reads the next text frame, skipping binary messages.
func ReadFrame(ctx context.Context, conn Conn) (Frame, error) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return Frame{}, err
		}
		if typ != websocket.MessageText {
			continue
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			return Frame{}, fmt.Errorf("push: decode frame: %w", err)
		}
		return f, nil
	}
}
