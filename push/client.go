package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

var (
	ErrClosed          = errors.New("push: connection closed")
	ErrNegotiateFailed = errors.New("push: negotiate failed")
)

// TokenSource returns a bearer token for the negotiate call.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource yielding token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// NegotiateError carries the HTTP status of a rejected negotiate call.
type NegotiateError struct {
	StatusCode int
	Message    string
}

func (e *NegotiateError) Error() string {
	return fmt.Sprintf("push: negotiate returned %d: %s", e.StatusCode, e.Message)
}

func (e *NegotiateError) Unwrap() error { return ErrNegotiateFailed }

// Client is an RPC client over one push connection. It satisfies
// messaging.Sender.
type Client struct {
	conn       Conn
	logger     *slog.Logger
	httpClient *http.Client
	timeout    time.Duration

	mu           sync.Mutex
	pending      map[string]chan Frame
	onNewMessage func(receiptID string)

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	closeOnce sync.Once
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets the client used for negotiate and the WebSocket dial.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithInvokeTimeout bounds each RPC when the caller's context has no deadline.
func WithInvokeTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// Negotiate exchanges a bearer token for the hub URL and a session token.
func Negotiate(ctx context.Context, hc *http.Client, negotiateURL, bearer string) (NegotiateResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, negotiateURL, http.NoBody)
	if err != nil {
		return NegotiateResponse{}, err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := hc.Do(req)
	if err != nil {
		return NegotiateResponse{}, fmt.Errorf("push: negotiate: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return NegotiateResponse{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return NegotiateResponse{}, &NegotiateError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(body))}
	}
	var out NegotiateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return NegotiateResponse{}, fmt.Errorf("push: decode negotiate response: %w", err)
	}
	if out.URL == "" || out.AccessToken == "" {
		return NegotiateResponse{}, fmt.Errorf("%w: incomplete response", ErrNegotiateFailed)
	}
	return out, nil
}

// Dial negotiates with the relay and opens the push connection.
func Dial(ctx context.Context, negotiateURL string, tokens TokenSource, opts ...ClientOption) (*Client, error) {
	probe := &Client{httpClient: http.DefaultClient}
	for _, opt := range opts {
		opt(probe)
	}

	bearer, err := tokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("push: obtain token: %w", err)
	}
	neg, err := Negotiate(ctx, probe.httpClient, negotiateURL, bearer)
	if err != nil {
		return nil, err
	}

	hubURL, err := url.Parse(neg.URL)
	if err != nil {
		return nil, fmt.Errorf("push: hub url: %w", err)
	}
	q := hubURL.Query()
	q.Set("access_token", neg.AccessToken)
	hubURL.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, hubURL.String(), &websocket.DialOptions{HTTPClient: probe.httpClient}) //nolint:bodyclose // websocket.Dial closes the response body
	if err != nil {
		return nil, fmt.Errorf("push: dial hub: %w", err)
	}
	conn.SetReadLimit(4 << 20)
	return NewClient(conn, opts...), nil
}

// NewClient starts the read loop on an established connection.
func NewClient(conn Conn, opts ...ClientOption) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:       conn,
		logger:     slog.Default(),
		httpClient: http.DefaultClient,
		timeout:    30 * time.Second,
		pending:    make(map[string]chan Frame),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

// OnNewMessage registers the NewMessage event handler. It runs on the read
// loop and must return quickly.
func (c *Client) OnNewMessage(fn func(receiptID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNewMessage = fn
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Client) readLoop() {
	var err error
	defer func() {
		c.mu.Lock()
		c.err = err
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.done)
	}()

	for {
		var f Frame
		f, err = ReadFrame(c.ctx, c.conn)
		if err != nil {
			if c.ctx.Err() != nil {
				err = ErrClosed
			}
			return
		}
		switch f.Type {
		case FrameResult:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case FrameEvent:
			c.handleEvent(f)
		default:
			c.logger.Debug("ignoring push frame", "type", f.Type)
		}
	}
}

func (c *Client) handleEvent(f Frame) {
	if f.Method != EventNewMessage {
		c.logger.Debug("ignoring push event", "method", f.Method)
		return
	}
	var p NewMessageParams
	if err := json.Unmarshal(f.Params, &p); err != nil {
		c.logger.Warn("malformed NewMessage event", "error", err)
		return
	}
	c.mu.Lock()
	fn := c.onNewMessage
	c.mu.Unlock()
	if fn != nil {
		fn(p.ReceiptID)
	}
}

// Invoke calls method with params and decodes the result into out, which may be nil.
func (c *Client) Invoke(ctx context.Context, method string, params, out any) error {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	id := uuid.NewString()
	ch := make(chan Frame, 1)

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return ErrClosed
	default:
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := WriteFrame(ctx, c.conn, Frame{Type: FrameInvoke, ID: id, Method: method, Params: raw}); err != nil {
		c.forget(id)
		return fmt.Errorf("push: %s: %w", method, err)
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		if f.Error != nil {
			return f.Error
		}
		if out == nil || len(f.Result) == 0 {
			return nil
		}
		return json.Unmarshal(f.Result, out)
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// SendMessage sends msg to queue through the relay.
func (c *Client) SendMessage(ctx context.Context, queue string, msg *contracts.Message) error {
	return c.Invoke(ctx, MethodSendMessage, SendMessageParams{Queue: queue, Message: msg}, nil)
}

// GetQueueMetadata returns the signed URI of the caller's private queue.
func (c *Client) GetQueueMetadata(ctx context.Context) (QueueMetadata, error) {
	var md QueueMetadata
	err := c.Invoke(ctx, MethodGetQueueMetadata, struct{}{}, &md)
	return md, err
}

func (c *Client) SubscribeToTopic(ctx context.Context, topic string) error {
	return c.Invoke(ctx, MethodSubscribeToTopic, TopicParams{Topic: topic}, nil)
}

func (c *Client) UnsubscribeFromTopic(ctx context.Context, topic string) error {
	return c.Invoke(ctx, MethodUnsubscribeFromTopic, TopicParams{Topic: topic}, nil)
}

// GetDataBusAttachmentURI returns a read URI for a delivered attachment.
func (c *Client) GetDataBusAttachmentURI(ctx context.Context, attachmentID string) (SignedURI, error) {
	var u SignedURI
	err := c.Invoke(ctx, MethodGetDataBusAttachmentURI, AttachmentParams{AttachmentID: attachmentID}, &u)
	return u, err
}

// GetDataBusAttachmentUploadURI returns a write URI in the caller's outbox.
func (c *Client) GetDataBusAttachmentUploadURI(ctx context.Context, attachmentID string) (SignedURI, error) {
	var u SignedURI
	err := c.Invoke(ctx, MethodGetDataBusAttachmentUploadURI, AttachmentParams{AttachmentID: attachmentID}, &u)
	return u, err
}

func (c *Client) AttachmentUploaded(ctx context.Context, attachmentID string) error {
	return c.Invoke(ctx, MethodAttachmentUploaded, AttachmentParams{AttachmentID: attachmentID}, nil)
}

func (c *Client) GetAttachmentMetadata(ctx context.Context, attachmentID string) (AttachmentMetadata, error) {
	var md AttachmentMetadata
	err := c.Invoke(ctx, MethodGetAttachmentMetadata, AttachmentParams{AttachmentID: attachmentID}, &md)
	return md, err
}

// Close ends the connection and fails outstanding calls.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close(websocket.StatusNormalClosure, "bye")
		<-c.done
	})
	return err
}
