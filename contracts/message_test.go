package contracts

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage(t *testing.T) {
	t.Run("NewMessage assigns id", func(t *testing.T) {
		msg := NewMessage([]byte("hi"))

		_, err := uuid.Parse(msg.ID)
		assert.NoError(t, err)
		assert.Equal(t, msg.ID, msg.Headers.Get(HeaderMessageID))
	})

	t.Run("Clone is independent", func(t *testing.T) {
		msg := NewMessage([]byte("hi"))
		msg.SetHeader(HeaderTopic, "orders")

		c := msg.Clone()
		c.Body[0] = 'H'
		c.Headers[HeaderTopic] = "other"

		assert.Equal(t, "hi", string(msg.Body))
		assert.Equal(t, "orders", msg.Headers.Get(HeaderTopic))
	})

	t.Run("reschedule count tolerates garbage", func(t *testing.T) {
		msg := &Message{}
		assert.Equal(t, 0, msg.RescheduleCount())

		msg.SetHeader(HeaderRescheduleCount, "x")
		assert.Equal(t, 0, msg.RescheduleCount())

		msg.SetRescheduleCount(4)
		assert.Equal(t, 4, msg.RescheduleCount())
	})

	t.Run("deferral and ttl parsing", func(t *testing.T) {
		due := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		msg := &Message{Headers: Headers{
			HeaderDeferredUntil: due.Format(time.RFC3339Nano),
			HeaderTimeToLive:    "90s",
		}}

		assert.True(t, due.Equal(msg.DeferredUntil()))
		assert.Equal(t, 90*time.Second, msg.TimeToLive())
	})

	t.Run("reserved keys are detected", func(t *testing.T) {
		h := Headers{HeaderTenantID: "t1", HeaderTopic: "x", HeaderClientID: ""}

		assert.ElementsMatch(t, []string{HeaderTenantID, HeaderClientID}, h.ReservedKeys())
		assert.True(t, IsReserved(HeaderConnectorID))
		assert.False(t, IsReserved(HeaderTopic))
	})
}

func TestEnvelope(t *testing.T) {
	t.Run("round trips headers and body", func(t *testing.T) {
		msg := NewMessage([]byte(`{"a":1}`))
		msg.SetHeader(HeaderTenantID, "t1")

		data, err := EncodeMessage(msg)
		require.NoError(t, err)

		got, err := DecodeMessage(data)
		require.NoError(t, err)
		assert.Equal(t, msg, got)
	})

	t.Run("rejects empty envelope", func(t *testing.T) {
		_, err := DecodeMessage([]byte(`{}`))
		assert.ErrorIs(t, err, ErrEmptyEnvelope)
	})
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name   string
		kind   AddressKind
		role   Role
		roleID string
	}{
		{"cloud-queue", KindCloud, RoleCloud, ""},
		{"clients", KindRoleShared, RoleClient, ""},
		{"connectors", KindRoleShared, RoleConnector, ""},
		{"clients-c1", KindPrivate, RoleClient, "c1"},
		{"connectors-erp-7@host", KindPrivate, RoleConnector, "erp-7"},
		{"relay-monitor", KindInternal, "", ""},
		{"orders", KindUnknown, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := ParseAddress(tt.name)
			assert.Equal(t, tt.kind, a.Kind)
			assert.Equal(t, tt.role, a.Role)
			assert.Equal(t, tt.roleID, a.RoleID)
		})
	}

	t.Run("poison queues", func(t *testing.T) {
		assert.Equal(t, "clients-c1-poison", PoisonQueue("clients-c1"))
		assert.True(t, IsPoisonQueue(PoisonQueue(CloudQueue)))
		assert.False(t, IsPoisonQueue(CloudQueue))
	})
}

func TestPrincipal(t *testing.T) {
	t.Run("derives queue and session key", func(t *testing.T) {
		p := Principal{TenantID: "t1", Role: RoleClient, RoleID: "c1"}

		require.NoError(t, p.Validate())
		assert.Equal(t, "clients-c1", p.Queue())
		assert.Equal(t, "t1-c1", p.Key())
	})

	t.Run("rejects illegal ids", func(t *testing.T) {
		assert.ErrorIs(t, Principal{TenantID: "t/1", Role: RoleClient, RoleID: "c1"}.Validate(), ErrInvalidTenantID)
		assert.ErrorIs(t, Principal{TenantID: "t1", Role: RoleCloud, RoleID: "c1"}.Validate(), ErrInvalidRole)
		assert.ErrorIs(t, Principal{TenantID: "t1", Role: RoleConnector, RoleID: "a b"}.Validate(), ErrInvalidRoleID)
	})

	t.Run("parses role prefixes", func(t *testing.T) {
		r, err := ParseRole("connectors")
		require.NoError(t, err)
		assert.Equal(t, RoleConnector, r)

		_, err = ParseRole("admins")
		assert.ErrorIs(t, err, ErrInvalidRole)
	})
}
