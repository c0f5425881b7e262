// Package notify carries NewMessage notifications between relay instances
// over NATS so a principal is notified whichever instance holds its session.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glimte/mmate-relay/internal/reliability"
	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the subject space used for notifications.
const DefaultSubjectPrefix = "relay.notify"

// Event is the payload of a notification.
type Event struct {
	SessionKey string `json:"sessionKey"`
	ReceiptID  string `json:"receiptId"`
}

// Publisher is the publishing half of a NATS connection.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Subscriber is the subscribing half of a NATS connection.
type Subscriber interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Connect dials NATS with reconnection settings suited to a long-running relay.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.PingInterval(5*time.Second),
		nats.MaxPingsOutstanding(3),
		nats.ReconnectWait(500*time.Millisecond),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: connect %s: %w", url, err)
	}
	return nc, nil
}

// Subject returns the subject a session key is published on. NATS token
// separators and wildcards in the key are replaced.
func Subject(prefix, sessionKey string) string {
	return prefix + "." + subjectToken.Replace(sessionKey)
}

var subjectToken = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// NATSNotifier publishes notifications to every relay instance. It
// implements relay.Notifier.
type NATSNotifier struct {
	pub     Publisher
	prefix  string
	breaker *reliability.CircuitBreaker
	logger  *slog.Logger
}

// Option configures a NATSNotifier or Bridge.
type Option func(*options)

type options struct {
	prefix  string
	logger  *slog.Logger
	breaker *reliability.CircuitBreaker
}

// WithSubjectPrefix overrides DefaultSubjectPrefix.
func WithSubjectPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithCircuitBreaker guards publishing.
func WithCircuitBreaker(cb *reliability.CircuitBreaker) Option {
	return func(o *options) {
		o.breaker = cb
	}
}

func buildOptions(opts []Option) options {
	o := options{prefix: DefaultSubjectPrefix, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewNATSNotifier creates a notifier publishing through pub.
func NewNATSNotifier(pub Publisher, opts ...Option) *NATSNotifier {
	o := buildOptions(opts)
	if o.breaker == nil {
		o.breaker = reliability.NewCircuitBreaker(
			reliability.WithName("nats-notify"),
			reliability.WithFailureThreshold(5),
			reliability.WithTimeout(10*time.Second),
		)
	}
	return &NATSNotifier{pub: pub, prefix: o.prefix, breaker: o.breaker, logger: o.logger}
}

func (n *NATSNotifier) NotifyNewMessage(ctx context.Context, sessionKey, receiptID string) error {
	data, err := json.Marshal(Event{SessionKey: sessionKey, ReceiptID: receiptID})
	if err != nil {
		return err
	}
	subject := Subject(n.prefix, sessionKey)
	return n.breaker.Execute(ctx, func() error {
		if err := n.pub.Publish(subject, data); err != nil {
			return fmt.Errorf("notify: publish %s: %w", subject, err)
		}
		return nil
	})
}

// LocalNotifier is the receiving side, usually *pushhub.Hub.
type LocalNotifier interface {
	NotifyNewMessage(ctx context.Context, sessionKey, receiptID string) error
}

// Bridge forwards notifications from NATS to the sessions of this instance.
type Bridge struct {
	sub    Subscriber
	local  LocalNotifier
	prefix string
	logger *slog.Logger

	subscription *nats.Subscription
}

// NewBridge creates a bridge from sub to local.
func NewBridge(sub Subscriber, local LocalNotifier, opts ...Option) *Bridge {
	o := buildOptions(opts)
	return &Bridge{sub: sub, local: local, prefix: o.prefix, logger: o.logger}
}

// Start subscribes to every notification subject.
func (b *Bridge) Start() error {
	s, err := b.sub.Subscribe(b.prefix+".>", b.handle)
	if err != nil {
		return fmt.Errorf("notify: subscribe: %w", err)
	}
	b.subscription = s
	return nil
}

func (b *Bridge) handle(msg *nats.Msg) {
	var ev Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		b.logger.Warn("dropping malformed notification", "subject", msg.Subject, "error", err)
		return
	}
	if ev.SessionKey == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.local.NotifyNewMessage(ctx, ev.SessionKey, ev.ReceiptID); err != nil {
		b.logger.Debug("notification not delivered", "session", ev.SessionKey, "error", err)
	}
}

// Stop unsubscribes.
func (b *Bridge) Stop() error {
	if b.subscription == nil {
		return nil
	}
	return b.subscription.Unsubscribe()
}
