package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the JSON payload stored on every queue.
type Envelope struct {
	Message    *Message  `json:"message"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// EncodeMessage wraps m in an envelope and marshals it.
func EncodeMessage(m *Message) ([]byte, error) {
	data, err := json.Marshal(Envelope{Message: m, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("contracts: encode message %s: %w", m.ID, err)
	}
	return data, nil
}

// DecodeMessage unmarshals an envelope produced by EncodeMessage.
func DecodeMessage(data []byte) (*Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("contracts: decode message: %w", err)
	}
	if env.Message == nil {
		return nil, ErrEmptyEnvelope
	}
	if env.Message.Headers == nil {
		env.Message.Headers = make(Headers)
	}
	return env.Message, nil
}
