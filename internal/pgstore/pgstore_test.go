package pgstore

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"relay_queue"`, QuoteIdentifier(" relay_queue "))
	assert.Equal(t, `"a""b"`, QuoteIdentifier(`a"b`))
	assert.Equal(t, `""`, QuoteIdentifier(""))
}

func TestNew(t *testing.T) {
	t.Run("rejects empty dsn", func(t *testing.T) {
		_, err := New("   ")
		assert.ErrorIs(t, err, ErrInvalidDSN)
	})

	t.Run("open failure is sticky", func(t *testing.T) {
		calls := 0
		db, err := New("postgres://localhost/relay")
		require.NoError(t, err)
		db.WithOpen(func(string, string) (*sql.DB, error) {
			calls++
			return nil, errors.New("no driver")
		})

		_, err = db.Ready()
		assert.EqualError(t, err, "no driver")
		_, err = db.Ready()
		assert.EqualError(t, err, "no driver")
		assert.Equal(t, 1, calls)
	})

	t.Run("close before open is a no-op", func(t *testing.T) {
		db, err := New("postgres://localhost/relay")
		require.NoError(t, err)
		assert.NoError(t, db.Close())
	})
}
