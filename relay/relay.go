package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/internal/blob"
	"github.com/glimte/mmate-relay/internal/databus"
	"github.com/glimte/mmate-relay/internal/queue"
	"github.com/glimte/mmate-relay/internal/sas"
	"github.com/glimte/mmate-relay/internal/subscription"
	"github.com/glimte/mmate-relay/messaging"
)

// Signed URI lifetimes.
const (
	DefaultQueueURITTL    = 24 * time.Hour
	DefaultUploadURITTL   = time.Hour
	DefaultDownloadURITTL = 4 * time.Hour
)

// MaxDeferral caps how far into the future a send may be deferred.
const MaxDeferral = 7 * 24 * time.Hour

var (
	ErrAttachmentNotFound = errors.New("relay: attachment not found")
	ErrAttachmentNotReady = errors.New("relay: attachment copy not complete")
	ErrNoDestination      = errors.New("relay: message has no destination")
	ErrAmbiguousRecipient = errors.New("relay: message has more than one destination")
)

// Notifier tells a connected principal that its private queue has a new
// message. Implementations must not block on slow sessions.
type Notifier interface {
	NotifyNewMessage(ctx context.Context, sessionKey, receiptID string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, sessionKey, receiptID string) error

func (f NotifierFunc) NotifyNewMessage(ctx context.Context, sessionKey, receiptID string) error {
	return f(ctx, sessionKey, receiptID)
}

type nopNotifier struct{}

func (nopNotifier) NotifyNewMessage(context.Context, string, string) error { return nil }

// Relay is the tenant-scoped router. All state lives in its collaborators,
// so one Relay serves every session concurrently.
type Relay struct {
	broker        messaging.Broker
	queues        queue.Store
	subscriptions subscription.Index
	blobs         blob.Store
	engine        *databus.Engine
	scheduler     *databus.Scheduler
	deadLetter    databus.DeadLetterer
	notifier      Notifier
	signer        *sas.Issuer
	logger        *slog.Logger
	now           func() time.Time

	queueURITTL    time.Duration
	uploadURITTL   time.Duration
	downloadURITTL time.Duration
	visibility     time.Duration
	ceiling        int
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

// WithNotifier sets the new-message notifier.
func WithNotifier(n Notifier) Option {
	return func(r *Relay) {
		r.notifier = n
	}
}

// WithURITTLs overrides the signed URI lifetimes. Zero keeps the default.
func WithURITTLs(queueTTL, uploadTTL, downloadTTL time.Duration) Option {
	return func(r *Relay) {
		if queueTTL > 0 {
			r.queueURITTL = queueTTL
		}
		if uploadTTL > 0 {
			r.uploadURITTL = uploadTTL
		}
		if downloadTTL > 0 {
			r.downloadURITTL = downloadTTL
		}
	}
}

// WithMessageCeiling overrides how many times a message may be rescheduled
// while waiting for its attachment.
func WithMessageCeiling(n int) Option {
	return func(r *Relay) {
		r.ceiling = n
	}
}

// WithClock overrides the time source used for deferrals.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) {
		r.now = now
	}
}

// Deps are the relay's collaborators.
type Deps struct {
	Broker        messaging.Broker
	Queues        queue.Store
	Subscriptions subscription.Index
	Blobs         blob.Store
	Engine        *databus.Engine
	Scheduler     *databus.Scheduler
	DeadLetter    databus.DeadLetterer
	Signer        *sas.Issuer
}

// New creates a Relay.
func New(deps Deps, opts ...Option) *Relay {
	r := &Relay{
		broker:         deps.Broker,
		queues:         deps.Queues,
		subscriptions:  deps.Subscriptions,
		blobs:          deps.Blobs,
		engine:         deps.Engine,
		scheduler:      deps.Scheduler,
		deadLetter:     deps.DeadLetter,
		signer:         deps.Signer,
		notifier:       nopNotifier{},
		logger:         slog.Default(),
		now:            time.Now,
		queueURITTL:    DefaultQueueURITTL,
		uploadURITTL:   DefaultUploadURITTL,
		downloadURITTL: DefaultDownloadURITTL,
		visibility:     messaging.DefaultVisibilityTimeout,
		ceiling:        databus.MessageCeiling,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.engine == nil {
		r.engine = databus.NewEngine(r.blobs, databus.WithEngineLogger(r.logger))
	}
	if r.scheduler == nil {
		r.scheduler = databus.NewScheduler(r.engine, r.broker, r.deadLetter, databus.WithSchedulerLogger(r.logger))
	}
	return r
}

// Register subscribes the relay's trigger handlers on the broker.
func (r *Relay) Register(ctx context.Context) error {
	handlers := map[string]messaging.Handler{
		contracts.CloudOutboundQueue: r.Deliver,
		contracts.MonitorQueue:       r.MonitorPending,
		r.scheduler.Queue():          r.scheduler.Handle,
	}
	for queue, h := range handlers {
		if err := r.broker.Subscribe(ctx, queue, h); err != nil {
			return err
		}
		r.logger.Info("Relay trigger registered", "queue", queue)
	}
	return nil
}

// deferral returns how long msg must stay invisible, capped at MaxDeferral.
func (r *Relay) deferral(msg *contracts.Message) time.Duration {
	until := msg.DeferredUntil()
	if until.IsZero() {
		return 0
	}
	d := until.Sub(r.now())
	if d <= 0 {
		return 0
	}
	if d > MaxDeferral {
		return MaxDeferral
	}
	return d
}

func (r *Relay) notify(ctx context.Context, tenantID, roleID, receiptID string) {
	key := contracts.SessionKey(tenantID, roleID)
	if err := r.notifier.NotifyNewMessage(ctx, key, receiptID); err != nil {
		r.logger.Warn("Failed to notify session", "session", key, "error", err)
	}
}

// enqueue writes msg to a private queue and returns the queue message id.
func (r *Relay) enqueue(ctx context.Context, name string, msg *contracts.Message, delay time.Duration) (string, error) {
	payload, err := contracts.EncodeMessage(msg)
	if err != nil {
		return "", err
	}
	return r.queues.Enqueue(ctx, name, payload, delay, msg.TimeToLive())
}
