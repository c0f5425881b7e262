package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-relay/internal/reliability"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNATS struct {
	mu        sync.Mutex
	published map[string][][]byte
	handlers  map[string]nats.MsgHandler
	failWith  error
}

func newFakeNATS() *fakeNATS {
	return &fakeNATS{published: map[string][][]byte{}, handlers: map[string]nats.MsgHandler{}}
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.published[subject] = append(f.published[subject], data)
	return nil
}

func (f *fakeNATS) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[subject] = cb
	return nil, nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) NotifyNewMessage(_ context.Context, key, receipt string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{SessionKey: key, ReceiptID: receipt})
	return nil
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "relay.notify.t1-alice", Subject(DefaultSubjectPrefix, "t1-alice"))
	assert.Equal(t, "relay.notify.acme_eu-node_1", Subject(DefaultSubjectPrefix, "acme.eu-node>1"))
	assert.Equal(t, "x.t_-a", Subject("x", "t*-a"))
}

func TestNATSNotifier(t *testing.T) {
	t.Run("publishes event on the session subject", func(t *testing.T) {
		nc := newFakeNATS()
		n := NewNATSNotifier(nc)

		require.NoError(t, n.NotifyNewMessage(context.Background(), "t1-alice", "r-1"))

		msgs := nc.published["relay.notify.t1-alice"]
		require.Len(t, msgs, 1)
		var ev Event
		require.NoError(t, json.Unmarshal(msgs[0], &ev))
		assert.Equal(t, Event{SessionKey: "t1-alice", ReceiptID: "r-1"}, ev)
	})

	t.Run("opens the breaker after repeated failures", func(t *testing.T) {
		nc := newFakeNATS()
		nc.failWith = errors.New("nats: connection closed")
		cb := reliability.NewCircuitBreaker(reliability.WithFailureThreshold(2), reliability.WithTimeout(time.Minute))
		n := NewNATSNotifier(nc, WithCircuitBreaker(cb), WithSubjectPrefix("test"))

		ctx := context.Background()
		assert.Error(t, n.NotifyNewMessage(ctx, "k", "r"))
		assert.Error(t, n.NotifyNewMessage(ctx, "k", "r"))
		assert.Equal(t, reliability.StateOpen, cb.State())

		err := n.NotifyNewMessage(ctx, "k", "r")
		var cbErr *reliability.CircuitBreakerError
		assert.ErrorAs(t, err, &cbErr)
	})
}

func TestBridge(t *testing.T) {
	nc := newFakeNATS()
	local := &recorder{}
	b := NewBridge(nc, local)
	require.NoError(t, b.Start())
	require.NoError(t, b.Stop())

	handler := nc.handlers["relay.notify.>"]
	require.NotNil(t, handler)

	data, err := json.Marshal(Event{SessionKey: "t1-alice", ReceiptID: "r-9"})
	require.NoError(t, err)
	handler(&nats.Msg{Subject: "relay.notify.t1-alice", Data: data})
	handler(&nats.Msg{Subject: "relay.notify.junk", Data: []byte("not json")})
	handler(&nats.Msg{Subject: "relay.notify.empty", Data: []byte(`{"receiptId":"r"}`)})

	assert.Equal(t, []Event{{SessionKey: "t1-alice", ReceiptID: "r-9"}}, local.events)
}

func TestNotifierRoundTripThroughBridge(t *testing.T) {
	nc := newFakeNATS()
	local := &recorder{}
	require.NoError(t, NewBridge(nc, local).Start())

	n := NewNATSNotifier(nc)
	require.NoError(t, n.NotifyNewMessage(context.Background(), "t1-bob", "r-2"))

	handler := nc.handlers["relay.notify.>"]
	for subject, msgs := range nc.published {
		for _, m := range msgs {
			handler(&nats.Msg{Subject: subject, Data: m})
		}
	}
	assert.Equal(t, []Event{{SessionKey: "t1-bob", ReceiptID: "r-2"}}, local.events)
}
