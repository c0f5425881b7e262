package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-relay/internal/pgstore"
)

const (
	postgresQueueTableName   = "relay_queues"
	postgresMessageTableName = "relay_queue_messages"
)

// PostgresStore keeps queues in two tables and hands out messages with
// FOR UPDATE SKIP LOCKED so concurrent consumers never share a lock.
type PostgresStore struct {
	db       *pgstore.DB
	queues   string
	messages string
}

// NewPostgresStore creates a store over dsn. Tables are created on first use.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	queues := pgstore.QuoteIdentifier(postgresQueueTableName)
	messages := pgstore.QuoteIdentifier(postgresMessageTableName)
	db, err := pgstore.New(dsn,
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				name TEXT PRIMARY KEY,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, queues),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				queue_name TEXT NOT NULL REFERENCES %s (name) ON DELETE CASCADE,
				payload BYTEA NOT NULL,
				pop_receipt TEXT NOT NULL DEFAULT '',
				dequeue_count INTEGER NOT NULL DEFAULT 0,
				inserted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				visible_at TIMESTAMPTZ NOT NULL,
				expires_at TIMESTAMPTZ
			)`, messages, queues),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (queue_name, visible_at, inserted_at)",
			pgstore.QuoteIdentifier(postgresMessageTableName+"_visible_idx"), messages),
	)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: db, queues: queues, messages: messages}, nil
}

func (s *PostgresStore) CreateQueue(ctx context.Context, name string) error {
	if !validName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return s.exec(ctx, fmt.Sprintf("INSERT INTO %s (name) VALUES ($1) ON CONFLICT (name) DO NOTHING", s.queues), name)
}

func (s *PostgresStore) DeleteQueue(ctx context.Context, name string) error {
	return s.exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE name = $1", s.queues), name)
}

func (s *PostgresStore) Exists(ctx context.Context, name string) (bool, error) {
	db, err := s.db.Ready()
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, pgstore.OperationTimeout)
	defer cancel()

	var exists bool
	err = db.QueryRowContext(ctx, fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE name = $1)", s.queues), name).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) Enqueue(ctx context.Context, name string, payload []byte, delay, ttl time.Duration) (string, error) {
	db, err := s.db.Ready()
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, pgstore.OperationTimeout)
	defer cancel()

	var expires sql.NullTime
	if ttl > 0 {
		expires = sql.NullTime{Time: time.Now().Add(ttl), Valid: true}
	}
	id := uuid.NewString()
	query := fmt.Sprintf(`
		INSERT INTO %s (id, queue_name, payload, visible_at, expires_at)
		SELECT $1, name, $3, NOW() + ($4 * INTERVAL '1 millisecond'), $5
		FROM %s WHERE name = $2`, s.messages, s.queues)
	res, err := db.ExecContext(ctx, query, id, name, payload, delay.Milliseconds(), expires)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	return id, nil
}

func (s *PostgresStore) Dequeue(ctx context.Context, name string, visibility time.Duration) (*Message, error) {
	db, err := s.db.Ready()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, pgstore.OperationTimeout)
	defer cancel()

	var msg *Message
	err = pgstore.InTx(ctx, db, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE name = $1)", s.queues), name).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrQueueNotFound, name)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE queue_name = $1 AND expires_at <= NOW()", s.messages), name); err != nil {
			return err
		}

		query := fmt.Sprintf(`
			UPDATE %[1]s SET pop_receipt = $2, dequeue_count = dequeue_count + 1,
				visible_at = NOW() + ($3 * INTERVAL '1 millisecond')
			WHERE id = (
				SELECT id FROM %[1]s
				WHERE queue_name = $1 AND visible_at <= NOW()
				ORDER BY inserted_at ASC
				LIMIT 1
				FOR UPDATE SKIP LOCKED)
			RETURNING id, pop_receipt, payload, dequeue_count, inserted_at, visible_at`, s.messages)
		var m Message
		err := tx.QueryRowContext(ctx, query, name, uuid.NewString(), visibility.Milliseconds()).
			Scan(&m.ID, &m.PopReceipt, &m.Payload, &m.DequeueCount, &m.InsertedAt, &m.NextVisible)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		msg = &m
		return nil
	})
	return msg, err
}

func (s *PostgresStore) UpdateVisibility(ctx context.Context, name, id, popReceipt string, visibility time.Duration) (Receipt, error) {
	db, err := s.db.Ready()
	if err != nil {
		return Receipt{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, pgstore.OperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET pop_receipt = $4, visible_at = NOW() + ($5 * INTERVAL '1 millisecond')
		WHERE queue_name = $1 AND id = $2 AND pop_receipt = $3
		RETURNING pop_receipt, visible_at`, s.messages)
	var r Receipt
	err = db.QueryRowContext(ctx, query, name, id, popReceipt, uuid.NewString(), visibility.Milliseconds()).
		Scan(&r.PopReceipt, &r.NextVisible)
	if errors.Is(err, sql.ErrNoRows) {
		return Receipt{}, s.missing(ctx, db, name, id)
	}
	return r, err
}

func (s *PostgresStore) Delete(ctx context.Context, name, id, popReceipt string) error {
	db, err := s.db.Ready()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, pgstore.OperationTimeout)
	defer cancel()

	res, err := db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE queue_name = $1 AND id = $2 AND pop_receipt = $3", s.messages),
		name, id, popReceipt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missing(ctx, db, name, id)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// missing tells apart a stale pop receipt from a message that is gone.
func (s *PostgresStore) missing(ctx context.Context, db *sql.DB, name, id string) error {
	var exists bool
	err := db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE queue_name = $1 AND id = $2)", s.messages),
		name, id).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: message %s", ErrReceiptMismatch, id)
	}
	return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
}

func (s *PostgresStore) exec(ctx context.Context, query string, args ...any) error {
	db, err := s.db.Ready()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, pgstore.OperationTimeout)
	defer cancel()
	_, err = db.ExecContext(ctx, query, args...)
	return err
}
