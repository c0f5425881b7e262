package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-relay/contracts"
)

var (
	ErrTxCommitted         = errors.New("messaging: transaction already committed")
	ErrTxRolledBack        = errors.New("messaging: transaction already rolled back")
	ErrNoDeferredRecipient = errors.New("messaging: deferred message has no recipient")
)

type outgoing struct {
	destination string
	msg         *contracts.Message
}

// Transaction buffers sends until Commit. Delivery is at-least-once: a
// failed Commit may already have dispatched a prefix of the batch.
type Transaction struct {
	sender Sender
	logger *slog.Logger

	mu         sync.Mutex
	outgoing   []outgoing
	committed  bool
	rolledBack bool
}

// Send buffers msg for destination.
func (tx *Transaction) Send(destination string, msg *contracts.Message) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.committed {
		return ErrTxCommitted
	}
	if tx.rolledBack {
		return ErrTxRolledBack
	}
	tx.outgoing = append(tx.outgoing, outgoing{destination: destination, msg: msg.Clone()})
	return nil
}

// Len returns the number of buffered sends.
func (tx *Transaction) Len() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.outgoing)
}

// Commit dispatches the buffered sends in order. Messages addressed to the
// deferred pseudo-address go to their DeferredRecipient instead.
func (tx *Transaction) Commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.committed {
		return ErrTxCommitted
	}
	if tx.rolledBack {
		return ErrTxRolledBack
	}

	for i, o := range tx.outgoing {
		dest, msg, err := resolveDeferred(o.destination, o.msg)
		if err != nil {
			return fmt.Errorf("messaging: commit message %d: %w", i, err)
		}
		if err := tx.sender.SendMessage(ctx, dest, msg); err != nil {
			tx.outgoing = tx.outgoing[i:]
			return fmt.Errorf("messaging: send to %s: %w", dest, err)
		}
	}

	tx.logger.Debug("transaction committed", "messages", len(tx.outgoing))
	tx.outgoing = nil
	tx.committed = true
	return nil
}

// Rollback discards the buffered sends.
func (tx *Transaction) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.committed {
		return ErrTxCommitted
	}
	tx.outgoing = nil
	tx.rolledBack = true
	return nil
}

func resolveDeferred(destination string, msg *contracts.Message) (string, *contracts.Message, error) {
	if contracts.StripHost(destination) != contracts.DeferredAddress {
		return destination, msg, nil
	}
	recipient := msg.Headers.Get(contracts.HeaderDeferredRecipient)
	if recipient == "" {
		return "", nil, ErrNoDeferredRecipient
	}
	unwrapped := msg.Clone()
	delete(unwrapped.Headers, contracts.HeaderDeferredRecipient)
	return recipient, unwrapped, nil
}
