package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*MemoryStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewMemoryStore(WithClock(clock.Now))
	require.NoError(t, s.CreateQueue(context.Background(), "clients-c1"))
	return s, clock
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("enqueue to missing queue fails", func(t *testing.T) {
		s := NewMemoryStore()
		_, err := s.Enqueue(ctx, "clients-nobody", []byte("x"), 0, 0)
		assert.ErrorIs(t, err, ErrQueueNotFound)
	})

	t.Run("create rejects invalid names", func(t *testing.T) {
		s := NewMemoryStore()
		assert.ErrorIs(t, s.CreateQueue(ctx, "bad name"), ErrInvalidName)
	})

	t.Run("dequeue hides message until visibility expires", func(t *testing.T) {
		s, clock := newTestStore(t)
		id, err := s.Enqueue(ctx, "clients-c1", []byte("hello"), 0, 0)
		require.NoError(t, err)

		m, err := s.Dequeue(ctx, "clients-c1", 30*time.Second)
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, id, m.ID)
		assert.Equal(t, "hello", string(m.Payload))
		assert.Equal(t, 1, m.DequeueCount)

		again, err := s.Dequeue(ctx, "clients-c1", 30*time.Second)
		require.NoError(t, err)
		assert.Nil(t, again)

		clock.Advance(31 * time.Second)
		again, err = s.Dequeue(ctx, "clients-c1", 30*time.Second)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, 2, again.DequeueCount)
		assert.NotEqual(t, m.PopReceipt, again.PopReceipt)
	})

	t.Run("delayed messages are invisible", func(t *testing.T) {
		s, clock := newTestStore(t)
		_, err := s.Enqueue(ctx, "clients-c1", []byte("later"), time.Minute, 0)
		require.NoError(t, err)

		m, err := s.Dequeue(ctx, "clients-c1", time.Second)
		require.NoError(t, err)
		assert.Nil(t, m)

		clock.Advance(time.Minute)
		m, err = s.Dequeue(ctx, "clients-c1", time.Second)
		require.NoError(t, err)
		assert.NotNil(t, m)
	})

	t.Run("expired messages are dropped", func(t *testing.T) {
		s, clock := newTestStore(t)
		_, err := s.Enqueue(ctx, "clients-c1", []byte("short"), 0, time.Second)
		require.NoError(t, err)

		clock.Advance(2 * time.Second)
		m, err := s.Dequeue(ctx, "clients-c1", time.Second)
		require.NoError(t, err)
		assert.Nil(t, m)
		assert.Equal(t, 0, s.Len("clients-c1"))
	})

	t.Run("update visibility rotates receipt", func(t *testing.T) {
		s, _ := newTestStore(t)
		_, err := s.Enqueue(ctx, "clients-c1", []byte("x"), 0, 0)
		require.NoError(t, err)
		m, err := s.Dequeue(ctx, "clients-c1", time.Second)
		require.NoError(t, err)

		r, err := s.UpdateVisibility(ctx, "clients-c1", m.ID, m.PopReceipt, time.Minute)
		require.NoError(t, err)
		assert.NotEqual(t, m.PopReceipt, r.PopReceipt)

		err = s.Delete(ctx, "clients-c1", m.ID, m.PopReceipt)
		assert.ErrorIs(t, err, ErrReceiptMismatch)

		require.NoError(t, s.Delete(ctx, "clients-c1", m.ID, r.PopReceipt))
		assert.Equal(t, 0, s.Len("clients-c1"))

		err = s.Delete(ctx, "clients-c1", m.ID, r.PopReceipt)
		assert.ErrorIs(t, err, ErrMessageNotFound)
	})

	t.Run("zero visibility makes message available again", func(t *testing.T) {
		s, _ := newTestStore(t)
		_, err := s.Enqueue(ctx, "clients-c1", []byte("x"), 0, 0)
		require.NoError(t, err)
		m, err := s.Dequeue(ctx, "clients-c1", time.Minute)
		require.NoError(t, err)

		_, err = s.UpdateVisibility(ctx, "clients-c1", m.ID, m.PopReceipt, 0)
		require.NoError(t, err)

		again, err := s.Dequeue(ctx, "clients-c1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, m.ID, again.ID)
	})

	t.Run("bound queue delegates", func(t *testing.T) {
		s, _ := newTestStore(t)
		q := Bind(s, "clients-c1")
		_, err := s.Enqueue(ctx, "clients-c1", []byte("x"), 0, 0)
		require.NoError(t, err)

		m, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, m)
		require.NoError(t, q.Delete(ctx, m.ID, m.PopReceipt))
		assert.Equal(t, "clients-c1", q.Name())
	})
}
