package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/health"
	"github.com/glimte/mmate-relay/internal/auth"
	"github.com/glimte/mmate-relay/internal/blob"
	"github.com/glimte/mmate-relay/internal/pushhub"
	"github.com/glimte/mmate-relay/internal/queue"
	"github.com/glimte/mmate-relay/internal/sas"
	"github.com/glimte/mmate-relay/push"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tokenAuth treats the bearer token as "tenant:roleId" or
// "tenant:roleId:scope,scope". Only the second form is scope checked.
// "scope" rejects with insufficient scope and anything else is invalid.
type tokenAuth struct{}

func (tokenAuth) Authenticate(token string, role contracts.Role, required string) (contracts.Principal, error) {
	if token == "scope" {
		return contracts.Principal{}, fmt.Errorf("%w: relay.access", auth.ErrInsufficientScope)
	}
	parts := strings.Split(token, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return contracts.Principal{}, auth.ErrInvalidToken
	}
	if len(parts) == 3 && !slices.Contains(strings.Split(parts[2], ","), required) {
		return contracts.Principal{}, fmt.Errorf("%w: %s", auth.ErrInsufficientScope, required)
	}
	return contracts.Principal{TenantID: parts[0], Role: role, RoleID: parts[1]}, nil
}

type dispatchFunc func(ctx context.Context, p contracts.Principal, method string, params json.RawMessage) (any, error)

func (f dispatchFunc) Dispatch(ctx context.Context, p contracts.Principal, method string, params json.RawMessage) (any, error) {
	return f(ctx, p, method, params)
}

type fixture struct {
	srv     *httptest.Server
	queues  *queue.MemoryStore
	blobs   *blob.MemoryStore
	issuer  *sas.Issuer
	mu      sync.Mutex
	created []blob.Ref
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{queues: queue.NewMemoryStore(), blobs: blob.NewMemoryStore()}

	sessions, err := auth.NewSessionIssuer([]byte("session-secret"), time.Minute)
	require.NoError(t, err)

	hub := pushhub.New(dispatchFunc(func(_ context.Context, p contracts.Principal, method string, _ json.RawMessage) (any, error) {
		return map[string]string{"principal": p.String(), "method": method}, nil
	}))

	var handler http.Handler
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(f.srv.Close)

	f.issuer, err = sas.NewIssuer([]byte("sas-secret"), f.srv.URL)
	require.NoError(t, err)

	registry := health.NewRegistry()
	registry.Register(health.NewPingChecker("queues", f.queues))

	roleScopes := map[contracts.Role]string{
		contracts.RoleClient:    "relay.clients",
		contracts.RoleConnector: "relay.connectors",
	}
	handler = NewServer(Config{
		PublicURL:  f.srv.URL,
		Scope:      "relay.access",
		RoleScopes: roleScopes,
		Auth:       tokenAuth{},
		Sessions:   sessions,
		Hub:        hub,
		Queues:     f.queues,
		Blobs:      f.blobs,
		SAS:        f.issuer,
		Health:     registry,
		OnBlobCreated: func(_ context.Context, ref blob.Ref) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.created = append(f.created, ref)
			return nil
		},
		MaxBlobSize: 1024,
	})
	return f
}

func (f *fixture) createdBlobs() []blob.Ref {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]blob.Ref(nil), f.created...)
}

func (f *fixture) do(t *testing.T, method, path string, body io.Reader, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, body)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var payload map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return payload["code"]
}

func TestNegotiate(t *testing.T) {
	f := newFixture(t)

	t.Run("missing token is 401", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/clients/negotiate", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("invalid token is 401", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/clients/negotiate", nil, http.Header{"Authorization": {"Bearer garbage"}})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("scope mismatch is 403", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/connectors/negotiate", nil, http.Header{"Authorization": {"Bearer scope"}})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, "forbidden", errorCode(t, resp))
	})

	t.Run("each role requires its own scope", func(t *testing.T) {
		client := http.Header{"Authorization": {"Bearer t1:c1:relay.clients"}}

		resp := f.do(t, http.MethodPost, "/connectors/negotiate", nil, client)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp = f.do(t, http.MethodPost, "/clients/negotiate", nil, client)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		shared := http.Header{"Authorization": {"Bearer t1:c1:relay.access"}}
		resp = f.do(t, http.MethodPost, "/connectors/negotiate", nil, shared)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("unknown role segment is 404", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/cloud/negotiate", nil, http.Header{"Authorization": {"Bearer t1:c1"}})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("valid token returns hub url and session", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/clients/negotiate", nil, http.Header{"Authorization": {"Bearer t1:c1"}})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var neg push.NegotiateResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&neg))
		assert.Equal(t, "ws"+strings.TrimPrefix(f.srv.URL, "http")+"/clients/hub", neg.URL)
		assert.NotEmpty(t, neg.AccessToken)
	})
}

func TestHub(t *testing.T) {
	f := newFixture(t)

	t.Run("push session is bound to the negotiated principal", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		c, err := push.Dial(ctx, f.srv.URL+"/connectors/negotiate", push.StaticToken("t1:conn-1"), push.WithHTTPClient(f.srv.Client()))
		require.NoError(t, err)
		defer c.Close()

		var out map[string]string
		require.NoError(t, c.Invoke(ctx, push.MethodGetQueueMetadata, struct{}{}, &out))
		assert.Equal(t, "t1/connector:conn-1", out["principal"])
	})

	t.Run("token for another role is rejected", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/clients/negotiate", nil, http.Header{"Authorization": {"Bearer t1:c1"}})
		var neg push.NegotiateResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&neg))

		hub := f.do(t, http.MethodGet, "/connectors/hub?access_token="+neg.AccessToken, nil, nil)
		assert.Equal(t, http.StatusForbidden, hub.StatusCode)
	})

	t.Run("missing session token is 401", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/clients/hub", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestQueueGateway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.queues.CreateQueue(ctx, "clients-c1"))
	_, err := f.queues.Enqueue(ctx, "clients-c1", []byte("hello"), 0, 0)
	require.NoError(t, err)

	t.Run("remote queue round trip", func(t *testing.T) {
		uri, _, err := f.issuer.QueueURI("clients-c1", sas.Read|sas.Update|sas.Process, time.Hour)
		require.NoError(t, err)
		rq, err := queue.NewRemoteQueue(uri, queue.WithHTTPClient(f.srv.Client()))
		require.NoError(t, err)

		m, err := rq.Dequeue(ctx, 30*time.Second)
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, []byte("hello"), m.Payload)

		empty, err := rq.Dequeue(ctx, 30*time.Second)
		require.NoError(t, err)
		assert.Nil(t, empty)

		receipt, err := rq.UpdateVisibility(ctx, m.ID, m.PopReceipt, time.Minute)
		require.NoError(t, err)
		assert.NotEqual(t, m.PopReceipt, receipt.PopReceipt)

		err = rq.Delete(ctx, m.ID, m.PopReceipt)
		assert.ErrorIs(t, err, queue.ErrReceiptMismatch)

		require.NoError(t, rq.Delete(ctx, m.ID, receipt.PopReceipt))
		assert.Equal(t, 0, f.queues.Len("clients-c1"))
	})

	t.Run("signature for another queue is 403", func(t *testing.T) {
		uri, _, err := f.issuer.QueueURI("clients-c2", sas.Process, time.Hour)
		require.NoError(t, err)
		sig := uri[strings.Index(uri, "?sig=")+len("?sig="):]

		resp := f.do(t, http.MethodPost, "/queues/clients-c1/messages/dequeue?sig="+sig, nil, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("missing signature is 401", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/queues/clients-c1/messages/dequeue", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("unknown queue maps to QueueNotFound", func(t *testing.T) {
		uri, _, err := f.issuer.QueueURI("clients-gone", sas.Process, time.Hour)
		require.NoError(t, err)
		rq, err := queue.NewRemoteQueue(uri, queue.WithHTTPClient(f.srv.Client()))
		require.NoError(t, err)

		_, err = rq.Dequeue(ctx, time.Second)
		assert.ErrorIs(t, err, queue.ErrQueueNotFound)
	})
}

func TestBlobGateway(t *testing.T) {
	f := newFixture(t)
	ref := blob.AttachmentRef(blob.OutboxContainer(contracts.PrefixClients), "t1", "att-1")

	upload, _, err := f.issuer.BlobURI(ref.Container, ref.Name, sas.Write|sas.Add, time.Hour)
	require.NoError(t, err)

	t.Run("PUT into an outbox stores and announces the blob", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPut, upload, bytes.NewReader([]byte("attachment")))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "text/plain")
		resp, err := f.srv.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		data, props, err := f.blobs.Get(context.Background(), ref)
		require.NoError(t, err)
		assert.Equal(t, []byte("attachment"), data)
		assert.Equal(t, "t1", props.Metadata[blob.MetadataTenant])
		assert.Equal(t, []blob.Ref{ref}, f.createdBlobs())
	})

	t.Run("GET needs read permission", func(t *testing.T) {
		resp, err := f.srv.Client().Get(upload)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		read, _, err := f.issuer.BlobURI(ref.Container, ref.Name, sas.Read, time.Hour)
		require.NoError(t, err)
		resp, err = f.srv.Client().Get(read)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "attachment", string(body))
		assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	})

	t.Run("missing blob is 404", func(t *testing.T) {
		read, _, err := f.issuer.BlobURI(blob.ContainerPrincipalsInbox, "t1/none", sas.Read, time.Hour)
		require.NoError(t, err)
		resp, err := f.srv.Client().Get(read)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("oversized upload is 413", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPut, upload, bytes.NewReader(make([]byte, 2048)))
		require.NoError(t, err)
		resp, err := f.srv.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	})
}

func TestHealthRoutes(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var report health.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, health.StatusHealthy, report.Checks["queues"].Status)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health/live", nil, nil).StatusCode)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health/ready", nil, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/nope", nil, nil).StatusCode)
}
