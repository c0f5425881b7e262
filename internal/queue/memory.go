package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryMessage struct {
	Message
	expiresAt time.Time
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	queues map[string][]*memoryMessage
	now    func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		queues: make(map[string][]*memoryMessage),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) CreateQueue(_ context.Context, name string) error {
	if !validName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[name]; !ok {
		s.queues[name] = nil
	}
	return nil
}

func (s *MemoryStore) DeleteQueue(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queues, name)
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queues[name]
	return ok, nil
}

// Len returns the number of stored messages, visible or not.
func (s *MemoryStore) Len(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[name])
}

func (s *MemoryStore) Enqueue(ctx context.Context, name string, payload []byte, delay, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, ok := s.queues[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	now := s.now()
	m := &memoryMessage{
		Message: Message{
			ID:          uuid.NewString(),
			Payload:     append([]byte(nil), payload...),
			InsertedAt:  now,
			NextVisible: now.Add(delay),
		},
	}
	if ttl > 0 {
		m.expiresAt = now.Add(ttl)
	}
	s.queues[name] = append(msgs, m)
	return m.ID, nil
}

func (s *MemoryStore) Dequeue(ctx context.Context, name string, visibility time.Duration) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, ok := s.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	now := s.now()
	live := msgs[:0]
	var found *memoryMessage
	for _, m := range msgs {
		if !m.expiresAt.IsZero() && !now.Before(m.expiresAt) {
			continue
		}
		live = append(live, m)
		if found == nil && !now.Before(m.NextVisible) {
			found = m
		}
	}
	s.queues[name] = live
	if found == nil {
		return nil, nil
	}

	found.PopReceipt = uuid.NewString()
	found.NextVisible = now.Add(visibility)
	found.DequeueCount++
	out := found.Message
	out.Payload = append([]byte(nil), found.Payload...)
	return &out, nil
}

func (s *MemoryStore) UpdateVisibility(ctx context.Context, name, id, popReceipt string, visibility time.Duration) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.find(name, id, popReceipt)
	if err != nil {
		return Receipt{}, err
	}
	m.PopReceipt = uuid.NewString()
	m.NextVisible = s.now().Add(visibility)
	return Receipt{PopReceipt: m.PopReceipt, NextVisible: m.NextVisible}, nil
}

func (s *MemoryStore) Delete(ctx context.Context, name, id, popReceipt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.find(name, id, popReceipt); err != nil {
		return err
	}
	msgs := s.queues[name]
	for i, m := range msgs {
		if m.ID == id {
			s.queues[name] = append(msgs[:i], msgs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// find must be called with mu held
func (s *MemoryStore) find(name, id, popReceipt string) (*memoryMessage, error) {
	msgs, ok := s.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	for _, m := range msgs {
		if m.ID != id {
			continue
		}
		if m.PopReceipt != popReceipt {
			return nil, fmt.Errorf("%w: message %s", ErrReceiptMismatch, id)
		}
		return m, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
}
