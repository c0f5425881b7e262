package blob

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/glimte/mmate-relay/internal/pgstore"
)

const postgresBlobTableName = "relay_blobs"

// PostgresStore keeps blobs in a single table. Copies run inside the
// database and complete synchronously, so a started copy always reports
// success on the next poll.
type PostgresStore struct {
	db    *pgstore.DB
	table string
}

// NewPostgresStore creates a store over dsn. The table is created on first use.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	table := pgstore.QuoteIdentifier(postgresBlobTableName)
	db, err := pgstore.New(dsn, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			container TEXT NOT NULL,
			name TEXT NOT NULL,
			data BYTEA NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			copy_source TEXT NOT NULL DEFAULT '',
			copy_status TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (container, name)
		)`, table))
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: db, table: table}, nil
}

func (s *PostgresStore) Put(ctx context.Context, ref Ref, data []byte, contentType string, metadata map[string]string) error {
	db, err := s.db.Ready()
	if err != nil {
		return err
	}
	md, err := json.Marshal(cloneMetadata(metadata))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, pgstore.OperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (container, name, data, content_type, metadata, copy_source, copy_status, created_at)
		VALUES ($1, $2, $3, $4, $5, '', '', NOW())
		ON CONFLICT (container, name)
		DO UPDATE SET data = EXCLUDED.data, content_type = EXCLUDED.content_type,
			metadata = EXCLUDED.metadata, copy_source = '', copy_status = '', created_at = NOW()`, s.table)
	_, err = db.ExecContext(ctx, query, ref.Container, ref.Name, data, contentType, string(md))
	return err
}

func (s *PostgresStore) Get(ctx context.Context, ref Ref) ([]byte, Properties, error) {
	var data []byte
	props, err := s.load(ctx, ref, true, &data)
	return data, props, err
}

func (s *PostgresStore) Properties(ctx context.Context, ref Ref) (Properties, error) {
	return s.load(ctx, ref, false, nil)
}

func (s *PostgresStore) load(ctx context.Context, ref Ref, withData bool, data *[]byte) (Properties, error) {
	db, err := s.db.Ready()
	if err != nil {
		return Properties{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, pgstore.OperationTimeout)
	defer cancel()

	column := "NULL::BYTEA"
	if withData {
		column = "data"
	}
	query := fmt.Sprintf(`
		SELECT %s, octet_length(data), content_type, metadata, copy_source, copy_status, created_at
		FROM %s WHERE container = $1 AND name = $2`, column, s.table)

	var (
		props      Properties
		raw        []byte
		mdText     string
		copySource string
		copyStatus string
	)
	err = db.QueryRowContext(ctx, query, ref.Container, ref.Name).
		Scan(&raw, &props.Size, &props.ContentType, &mdText, &copySource, &copyStatus, &props.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Properties{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return Properties{}, err
	}
	if err := json.Unmarshal([]byte(mdText), &props.Metadata); err != nil {
		return Properties{}, fmt.Errorf("blob: decode metadata of %s: %w", ref, err)
	}
	if copySource != "" {
		props.CopySource, _ = ParseRef(copySource)
	}
	props.CopyStatus = CopyStatus(copyStatus)
	if data != nil {
		*data = raw
	}
	return props, nil
}

func (s *PostgresStore) StartCopy(ctx context.Context, src, dst Ref, metadata map[string]string) error {
	db, err := s.db.Ready()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, pgstore.OperationTimeout)
	defer cancel()

	return pgstore.InTx(ctx, db, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx,
			fmt.Sprintf("SELECT copy_source FROM %s WHERE container = $1 AND name = $2", s.table),
			dst.Container, dst.Name).Scan(&existing)
		if err == nil && existing == src.String() {
			return nil
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		var mdText string
		err = tx.QueryRowContext(ctx,
			fmt.Sprintf("SELECT metadata FROM %s WHERE container = $1 AND name = $2 FOR SHARE", s.table),
			src.Container, src.Name).Scan(&mdText)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, src)
		}
		if err != nil {
			return err
		}
		md := map[string]string{}
		if err := json.Unmarshal([]byte(mdText), &md); err != nil {
			return fmt.Errorf("blob: decode metadata of %s: %w", src, err)
		}
		for k, v := range metadata {
			md[k] = v
		}
		merged, err := json.Marshal(md)
		if err != nil {
			return err
		}

		query := fmt.Sprintf(`
			INSERT INTO %[1]s (container, name, data, content_type, metadata, copy_source, copy_status, created_at)
			SELECT $3, $4, data, content_type, $5, $6, $7, NOW()
			FROM %[1]s WHERE container = $1 AND name = $2
			ON CONFLICT (container, name)
			DO UPDATE SET data = EXCLUDED.data, content_type = EXCLUDED.content_type, metadata = EXCLUDED.metadata,
				copy_source = EXCLUDED.copy_source, copy_status = EXCLUDED.copy_status, created_at = NOW()`, s.table)
		_, err = tx.ExecContext(ctx, query, src.Container, src.Name, dst.Container, dst.Name,
			string(merged), src.String(), string(CopySuccess))
		return err
	})
}

func (s *PostgresStore) Delete(ctx context.Context, ref Ref) error {
	db, err := s.db.Ready()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, pgstore.OperationTimeout)
	defer cancel()

	_, err = db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE container = $1 AND name = $2", s.table), ref.Container, ref.Name)
	return err
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
