package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/internal/queue"
)

const (
	DefaultVisibilityTimeout = 30 * time.Second
	DefaultRenewInterval     = 10 * time.Second
)

var ErrTransportClosed = errors.New("messaging: transport closed")

// ErrLockLost is returned by Ack when the message's lock expired or was
// taken by another receiver. The message will be delivered again.
var ErrLockLost = errors.New("messaging: lock lost, message will be redelivered")

// PrivateQueue is a principal's own queue as seen through its signed URI.
// queue.RemoteQueue and queue.Bound implement it.
type PrivateQueue interface {
	Dequeue(ctx context.Context, visibility time.Duration) (*queue.Message, error)
	Delete(ctx context.Context, id, popReceipt string) error
	UpdateVisibility(ctx context.Context, id, popReceipt string, visibility time.Duration) (queue.Receipt, error)
}

// Sender hands outgoing messages to the relay. push.Client implements it.
type Sender interface {
	SendMessage(ctx context.Context, queue string, msg *contracts.Message) error
}

// ReceivedMessage is a locked message taken from the private queue.
type ReceivedMessage struct {
	*contracts.Message
	QueueMessageID string
	DequeueCount   int

	mu          sync.Mutex
	popReceipt  string
	lockedUntil time.Time

	// op serializes renewal with settlement so a delete never races an
	// in-flight receipt change.
	op      sync.Mutex
	settled bool
}

// PopReceipt returns the latest receipt, which lock renewal may have replaced.
func (m *ReceivedMessage) PopReceipt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.popReceipt
}

// LockedUntil returns when the message becomes visible to others again.
func (m *ReceivedMessage) LockedUntil() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockedUntil
}

func (m *ReceivedMessage) renewed(r queue.Receipt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.popReceipt = r.PopReceipt
	m.lockedUntil = r.NextVisible
}

// ReliableTransport receives from a private queue and sends through the
// relay. It starts with the pending flag set so messages that arrived
// while disconnected are drained.
type ReliableTransport struct {
	logger     *slog.Logger
	visibility time.Duration
	interval   time.Duration
	autoRenew  bool
	now        func() time.Time

	mu         sync.Mutex
	queue      PrivateQueue
	sender     Sender
	pending    bool
	generation uint64
	stopped    bool

	renewers sync.Map // queue message id -> *ReceivedMessage

	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}
	loops     sync.WaitGroup
}

// TransportOption configures a ReliableTransport.
type TransportOption func(*ReliableTransport)

// WithTransportLogger sets the logger.
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(t *ReliableTransport) {
		t.logger = logger
	}
}

// WithVisibilityTimeout sets the lock taken on each received message.
func WithVisibilityTimeout(d time.Duration) TransportOption {
	return func(t *ReliableTransport) {
		t.visibility = d
	}
}

// WithAutoRenew enables lock renewal, checked every interval.
func WithAutoRenew(interval time.Duration) TransportOption {
	return func(t *ReliableTransport) {
		t.autoRenew = true
		if interval > 0 {
			t.interval = interval
		}
	}
}

// NewReliableTransport creates a transport over q that sends through s.
func NewReliableTransport(q PrivateQueue, s Sender, opts ...TransportOption) *ReliableTransport {
	t := &ReliableTransport{
		queue:      q,
		sender:     s,
		logger:     slog.Default(),
		visibility: DefaultVisibilityTimeout,
		interval:   DefaultRenewInterval,
		now:        time.Now,
		pending:    true,
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Rebind swaps the queue and sender after the relay connection was
// re-established and marks the queue pending. Tracked locks are kept since
// the new URI addresses the same queue.
func (t *ReliableTransport) Rebind(q PrivateQueue, s Sender) {
	t.mu.Lock()
	t.queue = q
	t.sender = s
	t.pending = true
	t.generation++
	t.mu.Unlock()
}

func (t *ReliableTransport) bound() (PrivateQueue, Sender) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue, t.sender
}

// HasPending reports whether a notification arrived since the last empty poll.
func (t *ReliableTransport) HasPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// SetPending marks the queue as possibly non-empty.
func (t *ReliableTransport) SetPending() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = true
	t.generation++
}

// ClearPending marks the queue as drained.
func (t *ReliableTransport) ClearPending() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = false
}

// NotifyNewMessage is the push-channel callback for NewMessage events.
func (t *ReliableTransport) NotifyNewMessage(receiptID string) {
	t.logger.Debug("new message notification", "receiptId", receiptID)
	t.SetPending()
}

func (t *ReliableTransport) pendingGeneration() (bool, uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending, t.generation
}

// clearPendingIf clears the flag unless a notification arrived after gen
// was read.
func (t *ReliableTransport) clearPendingIf(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.generation == gen {
		t.pending = false
	}
}

// Receive returns the next message, or nil when nothing is pending.
func (t *ReliableTransport) Receive(ctx context.Context) (*ReceivedMessage, error) {
	select {
	case <-t.closed:
		return nil, ErrTransportClosed
	default:
	}

	for {
		pending, gen := t.pendingGeneration()
		if !pending {
			return nil, nil
		}

		q, _ := t.bound()
		qm, err := q.Dequeue(ctx, t.visibility)
		if err != nil {
			return nil, fmt.Errorf("messaging: dequeue: %w", err)
		}
		if qm == nil {
			t.clearPendingIf(gen)
			return nil, nil
		}

		msg, err := contracts.DecodeMessage(qm.Payload)
		if err != nil {
			t.logger.Error("discarding undecodable message", "queueMessageId", qm.ID, "size", len(qm.Payload), "error", err)
			if delErr := q.Delete(ctx, qm.ID, qm.PopReceipt); delErr != nil {
				t.logger.Warn("failed to delete undecodable message", "queueMessageId", qm.ID, "error", delErr)
			}
			continue
		}

		rm := &ReceivedMessage{
			Message:        msg,
			QueueMessageID: qm.ID,
			DequeueCount:   qm.DequeueCount,
			popReceipt:     qm.PopReceipt,
			lockedUntil:    qm.NextVisible,
		}
		if t.autoRenew {
			t.renewers.Store(qm.ID, rm)
		}
		return rm, nil
	}
}

// Ack deletes a processed message.
func (t *ReliableTransport) Ack(ctx context.Context, m *ReceivedMessage) error {
	m.op.Lock()
	defer m.op.Unlock()
	m.settled = true
	t.renewers.Delete(m.QueueMessageID)
	q, _ := t.bound()
	if err := q.Delete(ctx, m.QueueMessageID, m.PopReceipt()); err != nil {
		if errors.Is(err, queue.ErrReceiptMismatch) {
			return fmt.Errorf("messaging: ack %s: %w: %w", m.QueueMessageID, ErrLockLost, err)
		}
		return fmt.Errorf("messaging: ack %s: %w", m.QueueMessageID, err)
	}
	return nil
}

// Nack makes a message visible again for redelivery.
func (t *ReliableTransport) Nack(ctx context.Context, m *ReceivedMessage) error {
	m.op.Lock()
	defer m.op.Unlock()
	m.settled = true
	t.renewers.Delete(m.QueueMessageID)
	q, _ := t.bound()
	r, err := q.UpdateVisibility(ctx, m.QueueMessageID, m.PopReceipt(), 0)
	if err != nil {
		return fmt.Errorf("messaging: nack %s: %w", m.QueueMessageID, err)
	}
	m.renewed(r)
	t.SetPending()
	return nil
}

// Send dispatches a single message immediately.
func (t *ReliableTransport) Send(ctx context.Context, destination string, msg *contracts.Message) error {
	tx := t.BeginTx()
	if err := tx.Send(destination, msg); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// BeginTx starts a batch of sends.
func (t *ReliableTransport) BeginTx() *Transaction {
	_, sender := t.bound()
	return &Transaction{sender: sender, logger: t.logger}
}

// Start runs the lock renewal loop until ctx is done or Close is called.
// It returns immediately when auto renewal is off or the loop already runs.
func (t *ReliableTransport) Start(ctx context.Context) {
	if !t.autoRenew {
		return
	}
	first := false
	t.startOnce.Do(func() { first = true })
	if !first {
		return
	}
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.loops.Add(1)
	t.mu.Unlock()
	defer t.loops.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closed:
			return
		case <-ticker.C:
			t.RenewLocks(ctx)
		}
	}
}

// RenewLocks extends every tracked lock with less than half its lifetime
// left. Failures are logged; the message may simply be redelivered.
func (t *ReliableTransport) RenewLocks(ctx context.Context) {
	now := t.now()
	t.renewers.Range(func(key, value any) bool {
		m := value.(*ReceivedMessage)
		if m.LockedUntil().Sub(now) >= t.visibility/2 {
			return true
		}
		m.op.Lock()
		defer m.op.Unlock()
		if m.settled {
			return true
		}
		q, _ := t.bound()
		r, err := q.UpdateVisibility(ctx, m.QueueMessageID, m.PopReceipt(), t.visibility)
		if err != nil {
			t.logger.Warn("lock renewal failed", "queueMessageId", m.QueueMessageID, "messageId", m.ID, "error", err)
			if errors.Is(err, queue.ErrMessageNotFound) || errors.Is(err, queue.ErrReceiptMismatch) {
				t.renewers.Delete(key)
			}
			return true
		}
		m.renewed(r)
		return true
	})
}

// Renewing reports whether the lock of the given queue message is tracked.
func (t *ReliableTransport) Renewing(queueMessageID string) bool {
	_, ok := t.renewers.Load(queueMessageID)
	return ok
}

// Close stops the renewal loop and forgets all tracked locks.
func (t *ReliableTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.stopped = true
		t.mu.Unlock()
		close(t.closed)
		t.loops.Wait()
		t.renewers.Range(func(key, _ any) bool {
			t.renewers.Delete(key)
			return true
		})
	})
	return nil
}
