package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/glimte/mmate-relay/cloud"
	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/health"
	"github.com/glimte/mmate-relay/internal/auth"
	"github.com/glimte/mmate-relay/internal/blob"
	"github.com/glimte/mmate-relay/internal/config"
	"github.com/glimte/mmate-relay/internal/databus"
	"github.com/glimte/mmate-relay/internal/httpapi"
	"github.com/glimte/mmate-relay/internal/notify"
	"github.com/glimte/mmate-relay/internal/pushhub"
	"github.com/glimte/mmate-relay/internal/queue"
	"github.com/glimte/mmate-relay/internal/reliability"
	"github.com/glimte/mmate-relay/internal/sas"
	"github.com/glimte/mmate-relay/internal/subscription"
	"github.com/glimte/mmate-relay/messaging"
	"github.com/glimte/mmate-relay/relay"
	"github.com/glimte/mmate-relay/transports/rabbitmq"
	"github.com/nats-io/nats.go"
)

// app is a fully wired relay process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	broker   messaging.Broker
	queues   queue.Store
	blobs    blob.Store
	index    subscription.Index
	failures *reliability.InMemoryErrorStore
	relay    *relay.Relay
	hub      *pushhub.Hub
	health   *health.Registry
	handler  http.Handler

	nc       *nats.Conn
	bridge   *notify.Bridge
	endpoint *cloud.Endpoint

	closers []func() error
}

type appOptions struct {
	// authenticator replaces the JWKS validator.
	authenticator httpapi.Authenticator
	// echo runs a diagnostic cloud endpoint that answers every message.
	echo bool
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger, health: health.NewRegistry()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if err := a.openStorage(); err != nil {
		return a, err
	}
	if err := a.openBroker(ctx); err != nil {
		return a, err
	}

	signer, err := sas.NewIssuer([]byte(cfg.SAS.Secret), cfg.PublicURL)
	if err != nil {
		return a, fmt.Errorf("sas issuer: %w", err)
	}
	sessions, err := auth.NewSessionIssuer([]byte(cfg.Auth.SessionSecret), cfg.Auth.SessionTTL)
	if err != nil {
		return a, fmt.Errorf("session issuer: %w", err)
	}
	authenticator := opts.authenticator
	if authenticator == nil {
		validator, err := auth.NewValidator(cfg.Auth.JWKSURL,
			auth.WithAudience(cfg.Auth.Audience),
			auth.WithIssuer(cfg.Auth.Issuer),
		)
		if err != nil {
			return a, fmt.Errorf("token validator: %w", err)
		}
		authenticator = validator
	}

	a.failures = reliability.NewInMemoryErrorStore()
	dlq := reliability.NewDLQHandler(a.broker,
		reliability.WithErrorStore(a.failures),
		reliability.WithDLQLogger(logger),
	)
	engine := databus.NewEngine(a.blobs,
		databus.WithEngineLogger(logger),
		databus.WithImmediateRetries(cfg.DataBus.ImmediateRetries, cfg.DataBus.RetryDelay),
	)
	scheduler := databus.NewScheduler(engine, a.broker, dlq,
		databus.WithSchedulerLogger(logger),
		databus.WithCeiling(cfg.DataBus.MessageCeiling),
	)

	dispatcher := &pushhub.RelayDispatcher{}
	a.hub = pushhub.New(dispatcher, pushhub.WithLogger(logger))

	var notifier relay.Notifier = a.hub
	if cfg.NATS.URL != "" {
		a.nc, err = notify.Connect(cfg.NATS.URL, cfg.NATS.Name)
		if err != nil {
			return a, fmt.Errorf("nats: %w", err)
		}
		a.closers = append(a.closers, func() error { a.nc.Close(); return nil })
		notifier = notify.NewNATSNotifier(a.nc,
			notify.WithSubjectPrefix(cfg.NATS.SubjectPrefix),
			notify.WithLogger(logger),
		)
		a.bridge = notify.NewBridge(a.nc, a.hub,
			notify.WithSubjectPrefix(cfg.NATS.SubjectPrefix),
			notify.WithLogger(logger),
		)
	}

	a.relay = relay.New(relay.Deps{
		Broker:        a.broker,
		Queues:        a.queues,
		Subscriptions: a.index,
		Blobs:         a.blobs,
		Engine:        engine,
		Scheduler:     scheduler,
		DeadLetter:    dlq,
		Signer:        signer,
	},
		relay.WithLogger(logger),
		relay.WithNotifier(notifier),
		relay.WithURITTLs(cfg.SAS.QueueTTL, cfg.SAS.UploadTTL, cfg.SAS.DownloadTTL),
		relay.WithMessageCeiling(cfg.DataBus.MessageCeiling),
	)
	dispatcher.Service = a.relay

	if opts.echo {
		a.endpoint = cloud.New(a.broker, echo,
			cloud.WithLogger(logger),
			cloud.WithAttachments(a.blobs, a.relay.OnOutboxBlobCreated),
			cloud.WithDeadLetter(dlq),
			cloud.WithHandlerTimeout(cfg.Cloud.HandlerTimeout),
			cloud.WithHandlerRetry(reliability.NewFixedDelay(cfg.Cloud.RetryDelay, cfg.Cloud.HandlerRetries)),
			cloud.WithPublishBreaker(reliability.NewCircuitBreaker(
				reliability.WithName(contracts.CloudOutboundQueue),
				reliability.WithStateChange(func(from, to reliability.State) {
					logger.Warn("Outbound publish circuit changed state", "from", from.String(), "to", to.String())
				}),
			)),
		)
	}

	a.registerChecks()
	roleScopes := map[contracts.Role]string{
		contracts.RoleClient:    cfg.Auth.RequiredScope(contracts.RoleClient),
		contracts.RoleConnector: cfg.Auth.RequiredScope(contracts.RoleConnector),
	}
	a.handler = httpapi.NewServer(httpapi.Config{
		PublicURL:      cfg.PublicURL,
		Scope:          cfg.Auth.Scope,
		RoleScopes:     roleScopes,
		Auth:           authenticator,
		Sessions:       sessions,
		Hub:            a.hub,
		Queues:         a.queues,
		Blobs:          a.blobs,
		SAS:            signer,
		Health:         a.health,
		OnBlobCreated:  a.relay.OnOutboxBlobCreated,
		OriginPatterns: cfg.Push.OriginPatterns,
		MaxBlobSize:    cfg.Push.MaxBlobSize,
		Logger:         logger,
	})
	return a, nil
}

func (a *app) openStorage() error {
	switch a.cfg.Storage.Kind {
	case config.KindPostgres:
		qs, err := queue.NewPostgresStore(a.cfg.Storage.DSN)
		if err != nil {
			return fmt.Errorf("queue store: %w", err)
		}
		a.closers = append(a.closers, qs.Close)
		bs, err := blob.NewPostgresStore(a.cfg.Storage.DSN)
		if err != nil {
			return fmt.Errorf("blob store: %w", err)
		}
		a.closers = append(a.closers, bs.Close)
		idx, err := subscription.NewPostgresIndex(a.cfg.Storage.DSN)
		if err != nil {
			return fmt.Errorf("subscription index: %w", err)
		}
		a.closers = append(a.closers, idx.Close)
		a.queues, a.blobs, a.index = qs, bs, idx
	default:
		a.queues = queue.NewMemoryStore()
		a.blobs = blob.NewMemoryStore()
		a.index = subscription.NewMemoryIndex()
	}
	a.logger.Info("Storage ready", "kind", a.cfg.Storage.Kind)
	return nil
}

func (a *app) openBroker(ctx context.Context) error {
	bc := a.cfg.Broker
	switch bc.Kind {
	case config.KindRabbitMQ:
		b, err := rabbitmq.NewBroker(ctx, bc.URL,
			rabbitmq.WithLogger(a.logger),
			rabbitmq.WithPrefetch(bc.Prefetch),
			rabbitmq.WithMaxChannels(bc.MaxChannels),
			rabbitmq.WithRedelivery(bc.MaxDeliveries, bc.RedeliveryDelay),
		)
		if err != nil {
			return fmt.Errorf("rabbitmq broker: %w", err)
		}
		a.broker = b
		a.health.Register(health.NewConnectionChecker("rabbitmq", b))
	default:
		a.broker = messaging.NewMemoryBroker(
			messaging.WithBrokerLogger(a.logger),
			messaging.WithRedelivery(bc.MaxDeliveries, bc.RedeliveryDelay),
		)
	}
	a.closers = append(a.closers, a.broker.Close)
	a.logger.Info("Broker ready", "kind", bc.Kind)
	return nil
}

func (a *app) registerChecks() {
	a.health.SetMetadata("version", version)
	a.health.Register(health.NewPingChecker("broker", a.broker))
	a.health.Register(health.NewPingChecker("queues", a.queues))
	a.health.Register(health.NewPingChecker("subscriptions", a.index))
	if p, ok := a.blobs.(health.Pinger); ok {
		a.health.Register(health.NewPingChecker("blobs", p))
	}
	if a.nc != nil {
		a.health.Register(health.NewConnectionChecker("nats", a.nc))
	}
	a.health.Register(health.NewRuntimeChecker(20000, 100000))
	a.health.Register(health.NewFunc("sessions", func(ctx context.Context) (health.Status, string, map[string]any, error) {
		n := a.hub.Sessions()
		return health.StatusHealthy, fmt.Sprintf("%d push sessions", n), map[string]any{"sessions": n}, nil
	}))
}

// start registers the relay triggers and optional listeners.
func (a *app) start(ctx context.Context) error {
	if err := a.relay.Register(ctx); err != nil {
		return fmt.Errorf("register relay triggers: %w", err)
	}
	if a.bridge != nil {
		if err := a.bridge.Start(); err != nil {
			return fmt.Errorf("start notification bridge: %w", err)
		}
	}
	if a.endpoint != nil {
		if err := a.endpoint.Start(ctx); err != nil {
			return fmt.Errorf("start echo endpoint: %w", err)
		}
	}
	return nil
}

func (a *app) close() error {
	var errs []error
	if a.endpoint != nil {
		if err := a.endpoint.Stop(); err != nil && !errors.Is(err, messaging.ErrNotSubscribed) {
			errs = append(errs, err)
		}
	}
	if a.bridge != nil {
		if err := a.bridge.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// echo answers every cloud message with its own body and attachment.
func echo(ctx context.Context, c *cloud.Context) error {
	body := c.Message.Body
	if strings.TrimSpace(string(body)) == "" {
		body = []byte("pong")
	}
	reply := contracts.NewMessage(body)
	if c.Message.Headers.Has(contracts.HeaderAttachmentID) {
		data, err := c.Attachment(ctx)
		if err != nil {
			return err
		}
		if _, err := c.Attach(ctx, reply, data, "application/octet-stream"); err != nil {
			return err
		}
	}
	return c.Reply(ctx, reply)
}
