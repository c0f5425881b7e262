package subscription

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	t.Run("replaces disallowed characters", func(t *testing.T) {
		assert.Equal(t, "a-b-c-d-e-f", Sanitize("a/b\\c#d?e\tf"))
		assert.Equal(t, "clients-c1", Sanitize("clients-c1"))
	})

	t.Run("caps length and keeps distinct inputs distinct", func(t *testing.T) {
		long1 := strings.Repeat("x", 400) + "1"
		long2 := strings.Repeat("x", 400) + "2"

		a, b := Sanitize(long1), Sanitize(long2)
		assert.LessOrEqual(t, len(a), MaxKeyLength)
		assert.LessOrEqual(t, len(b), MaxKeyLength)
		assert.NotEqual(t, a, b)
	})

	t.Run("never splits a rune", func(t *testing.T) {
		s := Sanitize(strings.Repeat("é", 300))
		assert.True(t, utf8.ValidString(s))
		assert.LessOrEqual(t, len(s), MaxKeyLength)
	})
}

func TestPartitionKey(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, PartitionKey("t1", "orders/created"), PartitionKey("t1", "orders/created"))
	})

	t.Run("separates tenants and topics", func(t *testing.T) {
		assert.NotEqual(t, PartitionKey("t1", "orders"), PartitionKey("t2", "orders"))
		assert.NotEqual(t, PartitionKey("t1", "orders"), PartitionKey("t1", "invoices"))
	})

	t.Run("bounded and safe for arbitrary topics", func(t *testing.T) {
		pk := PartitionKey("t1", strings.Repeat("#?/", 200))
		assert.True(t, strings.HasPrefix(pk, "t1_"))
		assert.Len(t, pk, len("t1_")+32)
		assert.NotContains(t, pk, "/")
		assert.NotContains(t, pk, "#")
	})
}
