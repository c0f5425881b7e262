// Package subscription is the durable topic subscription index:
// (tenant, topic) partitions holding one row per subscriber queue.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// MaxTopicLength bounds topic names accepted from principals.
const MaxTopicLength = 260

var ErrInvalidTopic = errors.New("subscription: invalid topic")

// Entry is a subscription row. SubscriberID is the subscriber's private
// queue address.
type Entry struct {
	TenantID     string    `json:"tenantId"`
	SubscriberID string    `json:"subscriberId"`
	Topic        string    `json:"topic"`
	SubscribedAt time.Time `json:"subscribedAt"`
}

// PartitionKey of the entry.
func (e Entry) PartitionKey() string { return PartitionKey(e.TenantID, e.Topic) }

// RowKey of the entry.
func (e Entry) RowKey() string { return RowKey(e.SubscriberID) }

// Index stores subscriptions.
type Index interface {
	// Upsert is idempotent.
	Upsert(ctx context.Context, e Entry) error
	// Delete removes a subscription. A missing entry is not an error.
	Delete(ctx context.Context, tenantID, topic, subscriberID string) error
	List(ctx context.Context, tenantID, topic string) ([]Entry, error)
	Ping(ctx context.Context) error
}

// ValidateTopic checks a topic name supplied by a principal.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	if len(topic) > MaxTopicLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidTopic, MaxTopicLength)
	}
	return nil
}
