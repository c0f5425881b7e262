// Package queue defines the reliable queue collaborator behind private
// principal queues: at-least-once delivery with a visibility timeout and
// pop receipts that change whenever a message's lock is extended.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrQueueNotFound   = errors.New("queue: queue not found")
	ErrMessageNotFound = errors.New("queue: message not found")
	ErrReceiptMismatch = errors.New("queue: pop receipt mismatch")
	ErrInvalidName     = errors.New("queue: invalid queue name")
)

// Message is a dequeued message. It stays invisible to other consumers until
// NextVisible unless deleted.
type Message struct {
	ID           string    `json:"id"`
	PopReceipt   string    `json:"popReceipt"`
	Payload      []byte    `json:"payload"`
	DequeueCount int       `json:"dequeueCount"`
	InsertedAt   time.Time `json:"insertedAt"`
	NextVisible  time.Time `json:"nextVisible"`
}

// Receipt is the result of extending or shortening a message's lock.
type Receipt struct {
	PopReceipt  string    `json:"popReceipt"`
	NextVisible time.Time `json:"nextVisible"`
}

// Store is the queue collaborator.
type Store interface {
	// CreateQueue is idempotent.
	CreateQueue(ctx context.Context, name string) error
	DeleteQueue(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)
	// Enqueue returns the new message id, or ErrQueueNotFound.
	Enqueue(ctx context.Context, name string, payload []byte, delay, ttl time.Duration) (string, error)
	// Dequeue returns nil when no message is visible.
	Dequeue(ctx context.Context, name string, visibility time.Duration) (*Message, error)
	UpdateVisibility(ctx context.Context, name, id, popReceipt string, visibility time.Duration) (Receipt, error)
	Delete(ctx context.Context, name, id, popReceipt string) error
	Ping(ctx context.Context) error
}

// Bound is a Store scoped to one queue.
type Bound struct {
	store Store
	name  string
}

// Bind scopes store to the queue name.
func Bind(store Store, name string) *Bound {
	return &Bound{store: store, name: name}
}

// Name returns the bound queue name.
func (b *Bound) Name() string { return b.name }

func (b *Bound) Dequeue(ctx context.Context, visibility time.Duration) (*Message, error) {
	return b.store.Dequeue(ctx, b.name, visibility)
}

func (b *Bound) Delete(ctx context.Context, id, popReceipt string) error {
	return b.store.Delete(ctx, b.name, id, popReceipt)
}

func (b *Bound) UpdateVisibility(ctx context.Context, id, popReceipt string, visibility time.Duration) (Receipt, error) {
	return b.store.UpdateVisibility(ctx, b.name, id, popReceipt, visibility)
}

func validName(name string) bool {
	if name == "" || len(name) > 63 {
		return false
	}
	for _, r := range name {
		if !(r == '-' || r == '_' || r == '.' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}
