// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/glimte/mmate-relay/bridge"
	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/internal/queue"
	"github.com/glimte/mmate-relay/internal/reliability"
	"github.com/glimte/mmate-relay/messaging"
	"github.com/glimte/mmate-relay/push"
	"github.com/google/uuid"
)

// Client is the principal-side entry point: a push channel to the relay and
// a reliable transport over the principal's private queue. A dropped push
// channel is re-established in the background and the queue rebound.
type Client struct {
	transport     *messaging.ReliableTransport
	httpClient    *http.Client
	logger        *slog.Logger
	negotiateURL  string
	tokens        push.TokenSource
	backoff       *reliability.ExponentialBackoff
	refreshBefore time.Duration

	mu        sync.RWMutex
	push      *push.Client
	queueURI  string
	expiresAt time.Time

	cancel context.CancelFunc
	loops  sync.WaitGroup
}

// Connect negotiates with the relay, opens the push channel and binds the
// private queue. Notifications received on the push channel mark the
// transport as pending.
func Connect(ctx context.Context, negotiateURL string, tokens push.TokenSource, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger:           slog.Default(),
		httpClient:       http.DefaultClient,
		visibility:       messaging.DefaultVisibilityTimeout,
		renewInterval:    messaging.DefaultRenewInterval,
		reconnectInitial: 250 * time.Millisecond,
		reconnectMax:     30 * time.Second,
	}
	for _, opt := range options {
		opt(cfg)
	}

	c := &Client{
		httpClient:    cfg.httpClient,
		logger:        cfg.logger,
		negotiateURL:  negotiateURL,
		tokens:        tokens,
		backoff:       reliability.NewExponentialBackoff(cfg.reconnectInitial, cfg.reconnectMax, 2, 0),
		refreshBefore: time.Minute,
	}

	pc, md, q, err := c.open(ctx)
	if err != nil {
		return nil, err
	}

	transportOpts := []messaging.TransportOption{
		messaging.WithTransportLogger(cfg.logger),
		messaging.WithVisibilityTimeout(cfg.visibility),
	}
	if cfg.autoRenew {
		transportOpts = append(transportOpts, messaging.WithAutoRenew(cfg.renewInterval))
	}
	c.transport = messaging.NewReliableTransport(q, pc, transportOpts...)
	pc.OnNewMessage(c.transport.NotifyNewMessage)
	c.push, c.queueURI, c.expiresAt = pc, md.ConnectionURI, md.ExpiresAt

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.loops.Add(2)
	go func() {
		defer c.loops.Done()
		c.transport.Start(runCtx)
	}()
	go func() {
		defer c.loops.Done()
		c.supervise(runCtx)
	}()

	cfg.logger.Info("Connected to relay", "queueExpiresAt", md.ExpiresAt)
	return c, nil
}

// open negotiates, dials the hub and binds the private queue URI.
func (c *Client) open(ctx context.Context) (*push.Client, push.QueueMetadata, *queue.RemoteQueue, error) {
	pc, err := push.Dial(ctx, c.negotiateURL, c.tokens,
		push.WithLogger(c.logger),
		push.WithHTTPClient(c.httpClient),
	)
	if err != nil {
		return nil, push.QueueMetadata{}, nil, fmt.Errorf("failed to open push channel: %w", err)
	}

	md, q, err := c.bindQueue(ctx, pc)
	if err != nil {
		pc.Close()
		return nil, push.QueueMetadata{}, nil, err
	}
	return pc, md, q, nil
}

func (c *Client) bindQueue(ctx context.Context, pc *push.Client) (push.QueueMetadata, *queue.RemoteQueue, error) {
	md, err := pc.GetQueueMetadata(ctx)
	if err != nil {
		return push.QueueMetadata{}, nil, fmt.Errorf("failed to get queue metadata: %w", err)
	}
	q, err := queue.NewRemoteQueue(md.ConnectionURI, queue.WithHTTPClient(c.httpClient))
	if err != nil {
		return push.QueueMetadata{}, nil, fmt.Errorf("failed to bind private queue: %w", err)
	}
	return md, q, nil
}

func (c *Client) bind(pc *push.Client, md push.QueueMetadata, q *queue.RemoteQueue) {
	pc.OnNewMessage(c.transport.NotifyNewMessage)
	c.transport.Rebind(q, pc)

	c.mu.Lock()
	old := c.push
	c.push, c.queueURI, c.expiresAt = pc, md.ConnectionURI, md.ExpiresAt
	c.mu.Unlock()
	if old != pc {
		old.Close()
	}
}

// supervise reconnects whenever the push channel ends and refreshes the
// queue URI shortly before it expires.
func (c *Client) supervise(ctx context.Context) {
	for {
		pc := c.Push()
		refresh := time.NewTimer(c.refreshIn(c.QueueExpiresAt()))
		select {
		case <-ctx.Done():
			refresh.Stop()
			return
		case <-pc.Done():
			refresh.Stop()
			c.logger.Warn("Push channel lost, reconnecting", "error", pc.Err())
			if !c.reconnect(ctx) {
				return
			}
		case <-refresh.C:
			md, q, err := c.bindQueue(ctx, pc)
			if err != nil {
				// the next iteration sees Done and reconnects
				c.logger.Warn("Failed to refresh queue uri", "error", err)
				pc.Close()
				continue
			}
			c.bind(pc, md, q)
			c.logger.Debug("Refreshed queue uri", "queueExpiresAt", md.ExpiresAt)
		}
	}
}

func (c *Client) refreshIn(expiresAt time.Time) time.Duration {
	d := time.Until(expiresAt) - c.refreshBefore
	if d < time.Second {
		d = time.Second
	}
	return d
}

// reconnect retries open with capped backoff until it succeeds or ctx ends.
func (c *Client) reconnect(ctx context.Context) bool {
	for attempt := 0; ; attempt++ {
		pc, md, q, err := c.open(ctx)
		if err == nil {
			c.bind(pc, md, q)
			c.logger.Info("Reconnected to relay", "attempts", attempt+1, "queueExpiresAt", md.ExpiresAt)
			return true
		}
		delay := c.backoff.NextDelay(attempt)
		c.logger.Warn("Reconnect failed", "attempt", attempt+1, "retryIn", delay, "error", err)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
}

// Push returns the current push channel. It changes after a reconnect.
func (c *Client) Push() *push.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.push
}

// Transport returns the reliable private-queue transport.
func (c *Client) Transport() *messaging.ReliableTransport {
	return c.transport
}

// QueueExpiresAt is when the current private queue URI stops working. The
// client refreshes it before then.
func (c *Client) QueueExpiresAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expiresAt
}

// Send sends msg to destination through the relay.
func (c *Client) Send(ctx context.Context, destination string, msg *contracts.Message) error {
	return c.transport.Send(ctx, destination, msg)
}

// Receive returns the next message from the private queue, or nil when
// nothing is pending.
func (c *Client) Receive(ctx context.Context) (*messaging.ReceivedMessage, error) {
	return c.transport.Receive(ctx)
}

func (c *Client) Ack(ctx context.Context, m *messaging.ReceivedMessage) error {
	return c.transport.Ack(ctx, m)
}

func (c *Client) Nack(ctx context.Context, m *messaging.ReceivedMessage) error {
	return c.transport.Nack(ctx, m)
}

// NewBridge returns a request/reply bridge that sends through c. Run it
// with c as the receiver to match replies.
func (c *Client) NewBridge(opts ...bridge.BridgeOption) (*bridge.SyncAsyncBridge, error) {
	return bridge.NewSyncAsyncBridge(c, append([]bridge.BridgeOption{bridge.WithLogger(c.logger)}, opts...)...)
}

// Subscribe adds the caller to a topic of its tenant.
func (c *Client) Subscribe(ctx context.Context, topic string) error {
	return c.Push().SubscribeToTopic(ctx, topic)
}

func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	return c.Push().UnsubscribeFromTopic(ctx, topic)
}

// UploadAttachment stores data in the caller's outbox, asks the relay to
// move it to the cloud and sets the attachment header on msg.
func (c *Client) UploadAttachment(ctx context.Context, msg *contracts.Message, data []byte, contentType string) (string, error) {
	attachmentID := uuid.NewString()
	uri, err := c.Push().GetDataBusAttachmentUploadURI(ctx, attachmentID)
	if err != nil {
		return "", fmt.Errorf("failed to get upload uri: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uri.URI, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to upload attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to upload attachment: status %d", resp.StatusCode)
	}

	if err := c.Push().AttachmentUploaded(ctx, attachmentID); err != nil {
		return "", fmt.Errorf("failed to hand over attachment: %w", err)
	}
	if msg != nil {
		msg.SetHeader(contracts.HeaderAttachmentID, attachmentID)
	}
	return attachmentID, nil
}

// DownloadAttachment reads the attachment referenced by msg.
func (c *Client) DownloadAttachment(ctx context.Context, msg *contracts.Message) ([]byte, string, error) {
	attachmentID := msg.Headers.Get(contracts.HeaderAttachmentID)
	if attachmentID == "" {
		return nil, "", fmt.Errorf("message %s has no attachment", msg.ID)
	}
	uri, err := c.Push().GetDataBusAttachmentURI(ctx, attachmentID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to get attachment uri: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri.URI, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("failed to download attachment: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// Close gracefully shuts down the client
func (c *Client) Close() error {
	c.cancel()
	if err := c.transport.Close(); err != nil {
		c.logger.Error("Failed to close transport", "error", err)
	}
	c.loops.Wait()
	return c.Push().Close()
}

// clientConfig holds configuration for the client
type clientConfig struct {
	logger           *slog.Logger
	httpClient       *http.Client
	visibility       time.Duration
	autoRenew        bool
	renewInterval    time.Duration
	reconnectInitial time.Duration
	reconnectMax     time.Duration
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithDefaultLogger sets up a default JSON logger
func WithDefaultLogger() ClientOption {
	return func(c *clientConfig) {
		c.logger = slog.Default()
	}
}

// WithHTTPClient sets the client used for negotiate, queue and blob calls.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *clientConfig) {
		c.httpClient = hc
	}
}

// WithVisibilityTimeout sets the lock taken on received messages.
func WithVisibilityTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.visibility = d
	}
}

// WithAutoRenew renews locks of unacknowledged messages every interval.
func WithAutoRenew(interval time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.autoRenew = true
		if interval > 0 {
			c.renewInterval = interval
		}
	}
}

// WithReconnectBackoff sets the first and the largest delay between
// reconnect attempts.
func WithReconnectBackoff(initial, maxDelay time.Duration) ClientOption {
	return func(c *clientConfig) {
		if initial > 0 {
			c.reconnectInitial = initial
		}
		if maxDelay >= c.reconnectInitial {
			c.reconnectMax = maxDelay
		}
	}
}
