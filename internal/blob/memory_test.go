package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRef(t *testing.T) {
	ref := AttachmentRef(OutboxContainer("clients"), "t1", "a1")
	assert.Equal(t, "clients-outbox/t1/a1", ref.String())
	assert.Equal(t, "t1", ref.Tenant())
	assert.True(t, IsOutbox(ref.Container))
	assert.False(t, IsOutbox(ContainerPrincipalsInbox))

	parsed, err := ParseRef("/cloud-outbox/t1/a/b")
	require.NoError(t, err)
	assert.Equal(t, Ref{Container: "cloud-outbox", Name: "t1/a/b"}, parsed)

	_, err = ParseRef("nocontainer")
	assert.ErrorIs(t, err, ErrInvalidRef)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	src := Ref{Container: "clients-outbox", Name: "t1/a1"}
	dst := Ref{Container: "cloud-inbox", Name: "t1/a1"}

	t.Run("put get and missing", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.Put(ctx, src, []byte("data"), "text/plain", map[string]string{MetadataTenant: "t1"}))

		data, props, err := s.Get(ctx, src)
		require.NoError(t, err)
		assert.Equal(t, "data", string(data))
		assert.Equal(t, int64(4), props.Size)
		assert.Equal(t, "t1", props.Metadata[MetadataTenant])
		assert.Equal(t, CopyNone, props.CopyStatus)

		_, err = s.Properties(ctx, dst)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("copy stays pending for configured polls", func(t *testing.T) {
		s := NewMemoryStore(WithCopyPolls(2))
		require.NoError(t, s.Put(ctx, src, []byte("data"), "", nil))
		require.NoError(t, s.StartCopy(ctx, src, dst, map[string]string{MetadataTenant: "t1"}))

		for i := 0; i < 2; i++ {
			p, err := s.Properties(ctx, dst)
			require.NoError(t, err)
			assert.Equal(t, CopyPending, p.CopyStatus)
		}
		p, err := s.Properties(ctx, dst)
		require.NoError(t, err)
		assert.Equal(t, CopySuccess, p.CopyStatus)
		assert.Equal(t, src, p.CopySource)
		assert.Equal(t, "t1", p.Metadata[MetadataTenant])
	})

	t.Run("start copy is idempotent", func(t *testing.T) {
		s := NewMemoryStore(WithCopyPolls(5))
		require.NoError(t, s.Put(ctx, src, []byte("data"), "", nil))
		require.NoError(t, s.StartCopy(ctx, src, dst, nil))
		before := s.Mutations()

		require.NoError(t, s.StartCopy(ctx, src, dst, nil))
		assert.Equal(t, before, s.Mutations())
	})

	t.Run("copy from missing source fails", func(t *testing.T) {
		s := NewMemoryStore()
		err := s.StartCopy(ctx, src, dst, nil)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("injected failure surfaces in status", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.Put(ctx, src, []byte("data"), "", nil))
		s.FailCopiesInto(dst, "quota exceeded")
		require.NoError(t, s.StartCopy(ctx, src, dst, nil))

		p, err := s.Properties(ctx, dst)
		require.NoError(t, err)
		assert.Equal(t, CopyFailed, p.CopyStatus)
		assert.Equal(t, "quota exceeded", p.CopyStatusDescription)
	})

	t.Run("delete missing is not an error", func(t *testing.T) {
		s := NewMemoryStore()
		assert.NoError(t, s.Delete(ctx, src))
		assert.Equal(t, int64(0), s.Mutations())
	})

	t.Run("put notifies listeners", func(t *testing.T) {
		s := NewMemoryStore()
		var created []Ref
		s.OnCreated(func(r Ref) { created = append(created, r) })

		require.NoError(t, s.Put(ctx, src, nil, "", nil))
		assert.Equal(t, []Ref{src}, created)
	})
}
