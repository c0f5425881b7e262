package contracts

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Well-known header keys.
const (
	HeaderTenantID          = "Relay.TenantId"
	HeaderClientID          = "Relay.ClientId"
	HeaderConnectorID       = "Relay.ConnectorId"
	HeaderTopic             = "Relay.Topic"
	HeaderAttachmentID      = "Relay.AttachmentId"
	HeaderRescheduleCount   = "Relay.RescheduleCount"
	HeaderInboxSAS          = "Relay.InboxSas"
	HeaderDeadLetterReason  = "Relay.DeadLetterReason"
	HeaderTimeToLive        = "TimeToBeReceived"
	HeaderContentType       = "ContentType"
	HeaderCorrelationID     = "CorrelationId"
	HeaderMessageID         = "MessageId"
	HeaderDeferredUntil     = "DeferredUntil"
	HeaderDeferredRecipient = "DeferredRecipient"
)

var reservedHeaders = []string{HeaderTenantID, HeaderClientID, HeaderConnectorID}

// Headers carries message metadata.
type Headers map[string]string

// Get returns the value for key, or "" when absent.
func (h Headers) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[key]
}

// Has reports whether key is present with a non-empty value.
func (h Headers) Has(key string) bool {
	return h.Get(key) != ""
}

// ReservedKeys returns the identity keys present in h.
func (h Headers) ReservedKeys() []string {
	var found []string
	for _, k := range reservedHeaders {
		if _, ok := h[k]; ok {
			found = append(found, k)
		}
	}
	return found
}

// IsReserved reports whether key may only be stamped by the relay.
func IsReserved(key string) bool {
	for _, k := range reservedHeaders {
		if k == key {
			return true
		}
	}
	return false
}

// Message is the unit exchanged between principals and the cloud.
type Message struct {
	ID      string  `json:"id"`
	Body    []byte  `json:"body"`
	Headers Headers `json:"headers,omitempty"`
}

// NewMessage creates a message with a fresh id.
func NewMessage(body []byte) *Message {
	id := uuid.New().String()
	return &Message{
		ID:      id,
		Body:    body,
		Headers: Headers{HeaderMessageID: id},
	}
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	c := &Message{ID: m.ID}
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	c.Headers = make(Headers, len(m.Headers))
	for k, v := range m.Headers {
		c.Headers[k] = v
	}
	return c
}

// SetHeader sets a header, allocating the map when needed.
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(Headers)
	}
	m.Headers[key] = value
}

// TenantID returns the tenant header.
func (m *Message) TenantID() string {
	return m.Headers.Get(HeaderTenantID)
}

// RescheduleCount returns the internal reschedule counter, 0 when unset or invalid.
func (m *Message) RescheduleCount() int {
	n, err := strconv.Atoi(m.Headers.Get(HeaderRescheduleCount))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// SetRescheduleCount stores the reschedule counter.
func (m *Message) SetRescheduleCount(n int) {
	m.SetHeader(HeaderRescheduleCount, strconv.Itoa(n))
}

// TimeToLive parses the time-to-be-received header. Zero means no expiry.
func (m *Message) TimeToLive() time.Duration {
	d, err := time.ParseDuration(m.Headers.Get(HeaderTimeToLive))
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// DeferredUntil parses the deferral header. The zero time means not deferred.
func (m *Message) DeferredUntil() time.Time {
	v := m.Headers.Get(HeaderDeferredUntil)
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
