package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Error codes exchanged with the queue gateway.
const (
	CodeQueueNotFound   = "QueueNotFound"
	CodeMessageNotFound = "MessageNotFound"
	CodeReceiptMismatch = "PopReceiptMismatch"
)

// ErrorCode maps a store error to its gateway code, "" when unknown.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrQueueNotFound):
		return CodeQueueNotFound
	case errors.Is(err, ErrMessageNotFound):
		return CodeMessageNotFound
	case errors.Is(err, ErrReceiptMismatch):
		return CodeReceiptMismatch
	}
	return ""
}

func errorForCode(code string) error {
	switch code {
	case CodeQueueNotFound:
		return ErrQueueNotFound
	case CodeMessageNotFound:
		return ErrMessageNotFound
	case CodeReceiptMismatch:
		return ErrReceiptMismatch
	}
	return nil
}

// RemoteQueue talks to one private queue through the relay's queue gateway
// using the signed connection URI handed out by GetQueueMetadata.
type RemoteQueue struct {
	base   string
	sig    string
	client *http.Client
}

// RemoteOption configures a RemoteQueue.
type RemoteOption func(*RemoteQueue)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(q *RemoteQueue) {
		q.client = c
	}
}

// NewRemoteQueue parses a connection URI of the form
// https://host/queues/{name}?sig={token}.
func NewRemoteQueue(connectionURI string, opts ...RemoteOption) (*RemoteQueue, error) {
	u, err := url.Parse(connectionURI)
	if err != nil {
		return nil, fmt.Errorf("queue: parse connection uri: %w", err)
	}
	sig := u.Query().Get("sig")
	if sig == "" || !strings.Contains(u.Path, "/queues/") {
		return nil, fmt.Errorf("queue: connection uri %q is not a signed queue uri", u.Redacted())
	}
	u.RawQuery = ""
	q := &RemoteQueue{
		base:   strings.TrimSuffix(u.String(), "/"),
		sig:    sig,
		client: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

func (q *RemoteQueue) Dequeue(ctx context.Context, visibility time.Duration) (*Message, error) {
	params := url.Values{"visibility": {strconv.FormatInt(visibility.Milliseconds(), 10)}}
	resp, err := q.do(ctx, http.MethodPost, "/messages/dequeue", params)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	var m Message
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("queue: decode dequeued message: %w", err)
	}
	return &m, nil
}

func (q *RemoteQueue) Delete(ctx context.Context, id, popReceipt string) error {
	resp, err := q.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(id), url.Values{"popreceipt": {popReceipt}})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (q *RemoteQueue) UpdateVisibility(ctx context.Context, id, popReceipt string, visibility time.Duration) (Receipt, error) {
	params := url.Values{
		"popreceipt": {popReceipt},
		"visibility": {strconv.FormatInt(visibility.Milliseconds(), 10)},
	}
	resp, err := q.do(ctx, http.MethodPut, "/messages/"+url.PathEscape(id), params)
	if err != nil {
		return Receipt{}, err
	}
	defer resp.Body.Close()

	var r Receipt
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Receipt{}, fmt.Errorf("queue: decode receipt: %w", err)
	}
	return r, nil
}

func (q *RemoteQueue) do(ctx context.Context, method, path string, params url.Values) (*http.Response, error) {
	params.Set("sig", q.sig)
	req, err := http.NewRequestWithContext(ctx, method, q.base+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := q.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(body, &payload)
	if sentinel := errorForCode(payload.Code); sentinel != nil {
		return nil, fmt.Errorf("%w: %s", sentinel, payload.Message)
	}
	return nil, fmt.Errorf("queue: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(payload.Message))
}
