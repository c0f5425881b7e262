package mmate

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-relay/bridge"
	"github.com/glimte/mmate-relay/cloud"
	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/internal/auth"
	"github.com/glimte/mmate-relay/internal/blob"
	"github.com/glimte/mmate-relay/internal/httpapi"
	"github.com/glimte/mmate-relay/internal/pushhub"
	"github.com/glimte/mmate-relay/internal/queue"
	"github.com/glimte/mmate-relay/internal/reliability"
	"github.com/glimte/mmate-relay/internal/sas"
	"github.com/glimte/mmate-relay/internal/subscription"
	"github.com/glimte/mmate-relay/messaging"
	"github.com/glimte/mmate-relay/push"
	"github.com/glimte/mmate-relay/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tokenAuth accepts "tenant:roleId" bearer tokens.
type tokenAuth struct{}

func (tokenAuth) Authenticate(token string, role contracts.Role, _ string) (contracts.Principal, error) {
	tenant, id, ok := strings.Cut(token, ":")
	if !ok {
		return contracts.Principal{}, auth.ErrInvalidToken
	}
	return contracts.Principal{TenantID: tenant, Role: role, RoleID: id}, nil
}

type stack struct {
	srv    *httptest.Server
	broker *messaging.MemoryBroker
	queues *queue.MemoryStore
	blobs  *blob.MemoryStore
	index  *subscription.MemoryIndex
	relay  *relay.Relay
}

func newStack(t *testing.T) *stack {
	t.Helper()
	s := &stack{
		broker: messaging.NewMemoryBroker(),
		queues: queue.NewMemoryStore(),
		blobs:  blob.NewMemoryStore(),
		index:  subscription.NewMemoryIndex(),
	}
	t.Cleanup(func() { s.broker.Close() })

	var handler http.Handler
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(s.srv.Close)

	signer, err := sas.NewIssuer([]byte("client-test-sas-secret"), s.srv.URL)
	require.NoError(t, err)
	sessions, err := auth.NewSessionIssuer([]byte("client-test-session-secret"), time.Minute)
	require.NoError(t, err)

	dispatcher := &pushhub.RelayDispatcher{}
	hub := pushhub.New(dispatcher)
	s.relay = relay.New(relay.Deps{
		Broker:        s.broker,
		Queues:        s.queues,
		Subscriptions: s.index,
		Blobs:         s.blobs,
		DeadLetter:    reliability.NewDLQHandler(s.broker),
		Signer:        signer,
	}, relay.WithNotifier(hub))
	dispatcher.Service = s.relay

	endpoint := cloud.New(s.broker, func(ctx context.Context, c *cloud.Context) error {
		return c.Reply(ctx, contracts.NewMessage(append([]byte("re: "), c.Message.Body...)))
	})
	require.NoError(t, endpoint.Start(context.Background()))
	require.NoError(t, s.relay.Register(context.Background()))

	handler = httpapi.NewServer(httpapi.Config{
		PublicURL:     s.srv.URL,
		Auth:          tokenAuth{},
		Sessions:      sessions,
		Hub:           hub,
		Queues:        s.queues,
		Blobs:         s.blobs,
		SAS:           signer,
		OnBlobCreated: s.relay.OnOutboxBlobCreated,
	})
	return s
}

func (s *stack) connect(t *testing.T, token string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Connect(ctx, s.srv.URL+"/clients/negotiate", push.StaticToken(token), WithHTTPClient(s.srv.Client()))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func receive(t *testing.T, c *Client) *messaging.ReceivedMessage {
	t.Helper()
	var got *messaging.ReceivedMessage
	require.Eventually(t, func() bool {
		m, err := c.Receive(context.Background())
		require.NoError(t, err)
		got = m
		return m != nil
	}, 2*time.Second, 10*time.Millisecond)
	return got
}

func TestClientConnect(t *testing.T) {
	s := newStack(t)
	c := s.connect(t, "t1:c1")

	t.Run("binds the private queue", func(t *testing.T) {
		exists, err := s.queues.Exists(context.Background(), "clients-c1")
		require.NoError(t, err)
		assert.True(t, exists)
		assert.True(t, c.QueueExpiresAt().After(time.Now()))
	})

	t.Run("unauthorized bearer fails negotiate", func(t *testing.T) {
		_, err := Connect(context.Background(), s.srv.URL+"/clients/negotiate", push.StaticToken("garbage"), WithHTTPClient(s.srv.Client()))
		assert.ErrorIs(t, err, push.ErrNegotiateFailed)
	})
}

func TestClientSendToSelf(t *testing.T) {
	s := newStack(t)
	c := s.connect(t, "t1:c1")
	ctx := context.Background()

	msg := contracts.NewMessage([]byte("later"))
	require.NoError(t, c.Send(ctx, contracts.PrefixClients, msg))

	got := receive(t, c)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "later", string(got.Body))
	assert.Equal(t, "t1", got.TenantID())
	require.NoError(t, c.Ack(ctx, got))

	next, err := c.Receive(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestClientNack(t *testing.T) {
	s := newStack(t)
	c := s.connect(t, "t1:c1")
	ctx := context.Background()

	require.NoError(t, c.Send(ctx, contracts.PrefixClients, contracts.NewMessage([]byte("retry me"))))
	first := receive(t, c)
	require.NoError(t, c.Nack(ctx, first))

	again := receive(t, c)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 2, again.DequeueCount)
}

func TestClientSendToCloud(t *testing.T) {
	s := newStack(t)
	c := s.connect(t, "t1:c1")
	ctx := context.Background()

	t.Run("plain message", func(t *testing.T) {
		require.NoError(t, c.Send(ctx, contracts.CloudQueue, contracts.NewMessage([]byte("hello"))))
		pubs := s.broker.Published(contracts.CloudQueue)
		require.Len(t, pubs, 1)
		assert.Equal(t, "c1", pubs[0].Message.Headers.Get(contracts.HeaderClientID))
	})

	t.Run("reserved headers are refused", func(t *testing.T) {
		msg := contracts.NewMessage(nil)
		msg.SetHeader(contracts.HeaderTenantID, "t2")
		err := c.Send(ctx, contracts.CloudQueue, msg)
		require.Error(t, err)
		assert.True(t, push.IsUnauthorized(err))
	})

	t.Run("attachment is uploaded and forwarded", func(t *testing.T) {
		msg := contracts.NewMessage([]byte("see attached"))
		id, err := c.UploadAttachment(ctx, msg, []byte("%PDF"), "application/pdf")
		require.NoError(t, err)
		assert.Equal(t, id, msg.Headers.Get(contracts.HeaderAttachmentID))

		props, err := s.blobs.Properties(ctx, blob.AttachmentRef(blob.ContainerCloudInbox, "t1", id))
		require.NoError(t, err)
		assert.Equal(t, "application/pdf", props.ContentType)

		require.NoError(t, c.Send(ctx, contracts.CloudQueue, msg))
		pubs := s.broker.Published(contracts.CloudQueue)
		require.Len(t, pubs, 2)
		assert.Contains(t, pubs[1].Message.Headers.Get(contracts.HeaderInboxSAS), "/blobs/cloud-inbox/t1/"+id)
	})
}

func TestClientDownloadAttachment(t *testing.T) {
	s := newStack(t)
	c := s.connect(t, "t1:c1")
	ctx := context.Background()

	src := blob.AttachmentRef(blob.ContainerCloudOutbox, "t1", "a1")
	require.NoError(t, s.blobs.Put(ctx, src, []byte("report"), "text/csv", nil))
	require.NoError(t, s.relay.OnOutboxBlobCreated(ctx, src))

	msg := contracts.NewMessage(nil)
	msg.SetHeader(contracts.HeaderAttachmentID, "a1")
	data, contentType, err := c.DownloadAttachment(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, "report", string(data))
	assert.Equal(t, "text/csv", contentType)

	_, _, err = c.DownloadAttachment(ctx, contracts.NewMessage(nil))
	assert.Error(t, err)
}

func TestClientTopics(t *testing.T) {
	s := newStack(t)
	c := s.connect(t, "t1:c1")
	ctx := context.Background()

	require.NoError(t, c.Subscribe(ctx, "prices"))
	entries, err := s.index.List(ctx, "t1", "prices")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "clients-c1", entries[0].SubscriberID)

	require.NoError(t, c.Unsubscribe(ctx, "prices"))
	entries, err = s.index.List(ctx, "t1", "prices")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestClientBridge(t *testing.T) {
	s := newStack(t)
	c := s.connect(t, "t1:c1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := c.NewBridge(bridge.WithPollInterval(10 * time.Millisecond))
	require.NoError(t, err)
	defer b.Close()
	go b.Run(ctx, c)

	req := contracts.NewMessage([]byte("status?"))
	reply, err := b.Request(ctx, contracts.CloudQueue, req, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "re: status?", string(reply.Body))
	assert.Equal(t, req.ID, reply.Headers.Get(contracts.HeaderCorrelationID))
}

// droppableClient records every connection it dials so a test can cut them.
type droppableClient struct {
	*http.Client
	mu    sync.Mutex
	conns []net.Conn
}

func newDroppableClient(s *stack) *droppableClient {
	d := &droppableClient{}
	tr := s.srv.Client().Transport.(*http.Transport).Clone()
	dialer := &net.Dialer{}
	tr.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err == nil {
			d.mu.Lock()
			d.conns = append(d.conns, conn)
			d.mu.Unlock()
		}
		return conn, err
	}
	d.Client = &http.Client{Transport: tr}
	return d
}

func (d *droppableClient) drop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, conn := range d.conns {
		conn.Close()
	}
	d.conns = nil
}

func TestClientReconnect(t *testing.T) {
	s := newStack(t)
	hc := newDroppableClient(s)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Connect(ctx, s.srv.URL+"/clients/negotiate", push.StaticToken("t1:c1"),
		WithHTTPClient(hc.Client),
		WithReconnectBackoff(10*time.Millisecond, 50*time.Millisecond),
	)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	first := c.Push()
	c.Transport().ClearPending()
	payload, err := contracts.EncodeMessage(contracts.NewMessage([]byte("while away")))
	require.NoError(t, err)
	_, err = s.queues.Enqueue(ctx, "clients-c1", payload, 0, 0)
	require.NoError(t, err)

	hc.drop()
	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("push channel did not notice the dropped connection")
	}

	t.Run("redials a new push channel", func(t *testing.T) {
		require.Eventually(t, func() bool {
			pc := c.Push()
			return pc != first && pc.Err() == nil
		}, 3*time.Second, 10*time.Millisecond)
		assert.True(t, c.QueueExpiresAt().After(time.Now()))
	})

	t.Run("drains messages queued while disconnected", func(t *testing.T) {
		got := receive(t, c)
		assert.Equal(t, "while away", string(got.Body))
		require.NoError(t, c.Ack(ctx, got))
	})

	t.Run("sends through the new channel", func(t *testing.T) {
		msg := contracts.NewMessage([]byte("back online"))
		require.NoError(t, c.Send(ctx, contracts.PrefixClients, msg))
		got := receive(t, c)
		assert.Equal(t, msg.ID, got.ID)
		require.NoError(t, c.Ack(ctx, got))
	})
}

func TestClientCloseStopsReconnecting(t *testing.T) {
	s := newStack(t)
	hc := newDroppableClient(s)
	c, err := Connect(context.Background(), s.srv.URL+"/clients/negotiate", push.StaticToken("t1:c1"),
		WithHTTPClient(hc.Client),
		WithReconnectBackoff(10*time.Millisecond, 20*time.Millisecond),
	)
	require.NoError(t, err)
	first := c.Push()

	c.Close()
	<-first.Done()
	assert.Same(t, first, c.Push())
	assert.ErrorIs(t, first.Err(), push.ErrClosed)
}
