package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/glimte/mmate-relay/contracts"
)

// Reason classifies why a message was dead-lettered.
type Reason string

const (
	ReasonFailed       Reason = "failed"
	ReasonTimeout      Reason = "timeout"
	ReasonInvalid      Reason = "invalid"
	ReasonUnauthorized Reason = "unauthorized"
)

// MessagePublisher publishes a message onto a named queue.
type MessagePublisher interface {
	Publish(ctx context.Context, queue string, msg *contracts.Message, delay time.Duration) error
}

// DLQHandler moves undeliverable messages to their poison queue.
type DLQHandler struct {
	logger     *slog.Logger
	errorStore ErrorStore
	publisher  MessagePublisher
}

// DLQOption configures the DLQ handler
type DLQOption func(*DLQHandler)

// WithDLQLogger sets the logger
func WithDLQLogger(logger *slog.Logger) DLQOption {
	return func(h *DLQHandler) {
		h.logger = logger
	}
}

// WithErrorStore sets the error store for persisting failed messages
func WithErrorStore(store ErrorStore) DLQOption {
	return func(h *DLQHandler) {
		h.errorStore = store
	}
}

// NewDLQHandler creates a new DLQ handler
func NewDLQHandler(publisher MessagePublisher, options ...DLQOption) *DLQHandler {
	h := &DLQHandler{
		logger:    slog.Default(),
		publisher: publisher,
	}
	for _, opt := range options {
		opt(h)
	}
	return h
}

// DeadLetter publishes a copy of msg to the poison queue of queue, tagged
// with the reason, and records it in the error store.
func (h *DLQHandler) DeadLetter(ctx context.Context, queue string, msg *contracts.Message, reason Reason, cause error) error {
	if msg == nil {
		return ErrInvalidDLQMessage
	}
	if h.publisher == nil {
		return &DLQError{Queue: queue, MessageID: msg.ID, Op: "dead-letter", Err: ErrNoPublisher, Timestamp: time.Now()}
	}

	detail := string(reason)
	if cause != nil {
		detail = fmt.Sprintf("%s: %v", reason, cause)
	}

	dead := msg.Clone()
	dead.SetHeader(contracts.HeaderDeadLetterReason, detail)

	poison := contracts.PoisonQueue(queue)
	if err := h.publisher.Publish(ctx, poison, dead, 0); err != nil {
		return &DLQError{Queue: poison, MessageID: msg.ID, Op: "publish", Err: err, Timestamp: time.Now()}
	}

	h.logger.Warn("Message dead-lettered",
		"messageId", msg.ID,
		"queue", queue,
		"tenant", msg.TenantID(),
		"reason", detail,
	)

	if h.errorStore != nil {
		failed := FailedMessage{
			ID:              msg.ID,
			Queue:           queue,
			TenantID:        msg.TenantID(),
			Reason:          reason,
			Error:           detail,
			Headers:         dead.Headers,
			Body:            dead.Body,
			RescheduleCount: msg.RescheduleCount(),
			FailedAt:        time.Now().UTC(),
		}
		if err := h.errorStore.Store(ctx, failed); err != nil {
			h.logger.Error("Failed to store message in error store",
				"error", err,
				"messageId", msg.ID,
			)
		}
	}
	return nil
}

// ErrorStore interface for persisting failed messages
type ErrorStore interface {
	Store(ctx context.Context, message FailedMessage) error
	Get(ctx context.Context, id string) (*FailedMessage, error)
	List(ctx context.Context, filter ErrorFilter) ([]FailedMessage, error)
	Delete(ctx context.Context, id string) error
}

// FailedMessage is a dead-lettered message kept for operators.
type FailedMessage struct {
	ID              string            `json:"id"`
	Queue           string            `json:"queue"`
	TenantID        string            `json:"tenantId,omitempty"`
	Reason          Reason            `json:"reason"`
	Error           string            `json:"error"`
	Headers         contracts.Headers `json:"headers,omitempty"`
	Body            []byte            `json:"body,omitempty"`
	RescheduleCount int               `json:"rescheduleCount"`
	FailedAt        time.Time         `json:"failedAt"`
}

// ErrorFilter filters failed messages
type ErrorFilter struct {
	Queue      string
	TenantID   string
	Reason     Reason
	StartTime  time.Time
	EndTime    time.Time
	MaxResults int
}

func (f ErrorFilter) matches(m FailedMessage) bool {
	switch {
	case f.Queue != "" && m.Queue != f.Queue:
		return false
	case f.TenantID != "" && m.TenantID != f.TenantID:
		return false
	case f.Reason != "" && m.Reason != f.Reason:
		return false
	case !f.StartTime.IsZero() && m.FailedAt.Before(f.StartTime):
		return false
	case !f.EndTime.IsZero() && m.FailedAt.After(f.EndTime):
		return false
	}
	return true
}

// InMemoryErrorStore provides a simple in-memory error store
type InMemoryErrorStore struct {
	mu       sync.RWMutex
	messages map[string]FailedMessage
}

// NewInMemoryErrorStore creates a new in-memory error store
func NewInMemoryErrorStore() *InMemoryErrorStore {
	return &InMemoryErrorStore{
		messages: make(map[string]FailedMessage),
	}
}

// Store implements ErrorStore
func (s *InMemoryErrorStore) Store(_ context.Context, message FailedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[message.ID] = message
	return nil
}

// Get implements ErrorStore
func (s *InMemoryErrorStore) Get(_ context.Context, id string) (*FailedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrErrorNotFound, id)
	}
	return &msg, nil
}

// List implements ErrorStore. Results are ordered oldest first.
func (s *InMemoryErrorStore) List(_ context.Context, filter ErrorFilter) ([]FailedMessage, error) {
	s.mu.RLock()
	var results []FailedMessage
	for _, msg := range s.messages {
		if filter.matches(msg) {
			results = append(results, msg)
		}
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		return results[i].FailedAt.Before(results[j].FailedAt)
	})
	if filter.MaxResults > 0 && len(results) > filter.MaxResults {
		results = results[:filter.MaxResults]
	}
	return results, nil
}

// Delete implements ErrorStore
func (s *InMemoryErrorStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
	return nil
}
