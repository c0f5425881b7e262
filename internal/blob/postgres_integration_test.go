package blob

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresIntegrationCopy(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("RELAY_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set RELAY_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	ctx := context.Background()

	s, err := NewPostgresStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	id := uuid.NewString()
	src := AttachmentRef("clients-outbox", "t1", id)
	dst := AttachmentRef(ContainerCloudInbox, "t1", id)

	require.NoError(t, s.Put(ctx, src, []byte("payload"), "application/octet-stream", map[string]string{MetadataTenant: "t1"}))
	require.NoError(t, s.StartCopy(ctx, src, dst, map[string]string{"origin": "test"}))
	require.NoError(t, s.StartCopy(ctx, src, dst, nil))

	data, props, err := s.Get(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.Equal(t, CopySuccess, props.CopyStatus)
	assert.Equal(t, src, props.CopySource)
	assert.Equal(t, "t1", props.Metadata[MetadataTenant])
	assert.Equal(t, "test", props.Metadata["origin"])

	require.NoError(t, s.Delete(ctx, src))
	require.NoError(t, s.Delete(ctx, src))
	_, err = s.Properties(ctx, src)
	assert.ErrorIs(t, err, ErrNotFound)
}
