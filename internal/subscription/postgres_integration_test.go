package subscription

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresIntegrationIndex(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("RELAY_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set RELAY_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	ctx := context.Background()

	idx, err := NewPostgresIndex(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	tenant := "it-" + uuid.NewString()
	e := Entry{TenantID: tenant, SubscriberID: "clients-c1", Topic: "orders", SubscribedAt: time.Now().UTC()}

	require.NoError(t, idx.Upsert(ctx, e))
	require.NoError(t, idx.Upsert(ctx, e))

	got, err := idx.List(ctx, tenant, "orders")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "clients-c1", got[0].SubscriberID)

	require.NoError(t, idx.Delete(ctx, tenant, "orders", "clients-c1"))
	require.NoError(t, idx.Delete(ctx, tenant, "orders", "clients-c1"))

	got, err = idx.List(ctx, tenant, "orders")
	require.NoError(t, err)
	assert.Empty(t, got)
}
