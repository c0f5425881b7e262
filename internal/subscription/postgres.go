package subscription

import (
	"context"
	"fmt"

	"github.com/glimte/mmate-relay/internal/pgstore"
)

const postgresSubscriptionTableName = "relay_subscriptions"

// PostgresIndex keeps subscriptions in a table keyed by partition and row key.
type PostgresIndex struct {
	db    *pgstore.DB
	table string
}

// NewPostgresIndex creates an index over dsn. The table is created on first use.
func NewPostgresIndex(dsn string) (*PostgresIndex, error) {
	table := pgstore.QuoteIdentifier(postgresSubscriptionTableName)
	db, err := pgstore.New(dsn, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			partition_key TEXT NOT NULL,
			row_key TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			subscriber_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			subscribed_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (partition_key, row_key)
		)`, table))
	if err != nil {
		return nil, err
	}
	return &PostgresIndex{db: db, table: table}, nil
}

func (p *PostgresIndex) Upsert(ctx context.Context, e Entry) error {
	db, err := p.db.Ready()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, pgstore.OperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (partition_key, row_key, tenant_id, subscriber_id, topic, subscribed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (partition_key, row_key)
		DO UPDATE SET subscriber_id = EXCLUDED.subscriber_id, topic = EXCLUDED.topic, subscribed_at = EXCLUDED.subscribed_at`, p.table)
	_, err = db.ExecContext(ctx, query, e.PartitionKey(), e.RowKey(), e.TenantID, e.SubscriberID, e.Topic, e.SubscribedAt)
	return err
}

func (p *PostgresIndex) Delete(ctx context.Context, tenantID, topic, subscriberID string) error {
	db, err := p.db.Ready()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, pgstore.OperationTimeout)
	defer cancel()

	_, err = db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE partition_key = $1 AND row_key = $2", p.table),
		PartitionKey(tenantID, topic), RowKey(subscriberID))
	return err
}

func (p *PostgresIndex) List(ctx context.Context, tenantID, topic string) ([]Entry, error) {
	db, err := p.db.Ready()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, pgstore.OperationTimeout)
	defer cancel()

	rows, err := db.QueryContext(ctx,
		fmt.Sprintf(`SELECT tenant_id, subscriber_id, topic, subscribed_at FROM %s
			WHERE partition_key = $1 ORDER BY row_key ASC`, p.table),
		PartitionKey(tenantID, topic))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.TenantID, &e.SubscriberID, &e.Topic, &e.SubscribedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresIndex) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// Close releases the connection pool.
func (p *PostgresIndex) Close() error {
	return p.db.Close()
}
