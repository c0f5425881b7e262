package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshot struct {
	Tenant  string          `cbor:"tenant"`
	Count   int             `cbor:"count"`
	Flags   map[string]bool `cbor:"flags"`
	Created time.Time       `cbor:"created"`
}

func TestRoundTrip(t *testing.T) {
	in := snapshot{
		Tenant:  "t1",
		Count:   7,
		Flags:   map[string]bool{"b": true, "a": false},
		Created: time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
	}

	data, err := Marshal(in)
	require.NoError(t, err)

	var out snapshot
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in.Tenant, out.Tenant)
	assert.Equal(t, in.Count, out.Count)
	assert.Equal(t, in.Flags, out.Flags)
	assert.True(t, in.Created.Equal(out.Created))
}

func TestDeterministic(t *testing.T) {
	a, err := Marshal(map[string]int{"z": 1, "a": 2, "m": 3})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		b, err := Marshal(map[string]int{"m": 3, "z": 1, "a": 2})
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}
}

func TestUnmarshalGarbage(t *testing.T) {
	var out snapshot
	err := Unmarshal([]byte{0xff, 0x00}, &out)
	assert.Error(t, err)
}
