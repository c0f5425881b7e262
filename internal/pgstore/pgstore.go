// Package pgstore holds the lazy connection and schema bootstrap shared by
// the Postgres-backed stores.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// OperationTimeout bounds every statement issued by the stores.
const OperationTimeout = 5 * time.Second

var ErrInvalidDSN = errors.New("pgstore: empty dsn")

// OpenFunc matches sql.Open so tests can substitute a driver.
type OpenFunc func(driverName, dsn string) (*sql.DB, error)

// DB opens the database on first use and runs the schema statements once.
type DB struct {
	dsn    string
	schema []string
	open   OpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// New returns a lazily opened handle. Schema statements must be idempotent.
func New(dsn string, schema ...string) (*DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidDSN
	}
	return &DB{dsn: dsn, schema: schema, open: sql.Open}, nil
}

// WithOpen replaces the driver open function.
func (d *DB) WithOpen(open OpenFunc) *DB {
	d.open = open
	return d
}

// Ready returns the open database, creating the schema on first call.
func (d *DB) Ready() (*sql.DB, error) {
	d.initOnce.Do(func() {
		db, err := d.open("postgres", d.dsn)
		if err != nil {
			d.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), OperationTimeout)
		defer cancel()

		for _, stmt := range d.schema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				d.initErr = fmt.Errorf("pgstore: bootstrap schema: %w", err)
				return
			}
		}
		d.db = db
	})
	return d.db, d.initErr
}

// Ping checks connectivity.
func (d *DB) Ping(ctx context.Context) error {
	db, err := d.Ready()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()
	return db.PingContext(ctx)
}

// Close closes the underlying pool if it was opened.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// InTx runs fn in a transaction, committing when fn returns nil.
func InTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// QuoteIdentifier quotes a table or index name.
func QuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
