package queue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatewayStub serves the queue gateway routes for a single queue.
func gatewayStub(t *testing.T, store Store, name, sig string) *httptest.Server {
	t.Helper()
	writeErr := func(w http.ResponseWriter, status int, err error) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": ErrorCode(err), "message": err.Error()})
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("sig") != sig {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		rest := strings.TrimPrefix(r.URL.Path, "/queues/"+name+"/messages/")
		visibility, _ := strconv.Atoi(r.URL.Query().Get("visibility"))
		vis := time.Duration(visibility) * time.Millisecond
		receipt := r.URL.Query().Get("popreceipt")

		switch {
		case r.Method == http.MethodPost && rest == "dequeue":
			m, err := store.Dequeue(r.Context(), name, vis)
			if err != nil {
				writeErr(w, http.StatusNotFound, err)
				return
			}
			if m == nil {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			_ = json.NewEncoder(w).Encode(m)
		case r.Method == http.MethodPut:
			rc, err := store.UpdateVisibility(r.Context(), name, rest, receipt, vis)
			if err != nil {
				writeErr(w, http.StatusPreconditionFailed, err)
				return
			}
			_ = json.NewEncoder(w).Encode(rc)
		case r.Method == http.MethodDelete:
			if err := store.Delete(r.Context(), name, rest, receipt); err != nil {
				writeErr(w, http.StatusNotFound, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
}

func TestRemoteQueue(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateQueue(ctx, "clients-c1"))
	srv := gatewayStub(t, store, "clients-c1", "token")
	defer srv.Close()

	q, err := NewRemoteQueue(srv.URL + "/queues/clients-c1?sig=token")
	require.NoError(t, err)

	t.Run("empty queue returns nil", func(t *testing.T) {
		m, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		assert.Nil(t, m)
	})

	t.Run("dequeue renew delete", func(t *testing.T) {
		_, err := store.Enqueue(ctx, "clients-c1", []byte("payload"), 0, 0)
		require.NoError(t, err)

		m, err := q.Dequeue(ctx, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, "payload", string(m.Payload))

		r, err := q.UpdateVisibility(ctx, m.ID, m.PopReceipt, time.Minute)
		require.NoError(t, err)

		err = q.Delete(ctx, m.ID, m.PopReceipt)
		assert.ErrorIs(t, err, ErrReceiptMismatch)
		require.NoError(t, q.Delete(ctx, m.ID, r.PopReceipt))
	})

	t.Run("unsigned uri is rejected", func(t *testing.T) {
		_, err := NewRemoteQueue(srv.URL + "/queues/clients-c1")
		assert.Error(t, err)
	})
}
