package relay

import (
	"context"
	"errors"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/internal/queue"
	"github.com/glimte/mmate-relay/internal/subscription"
)

// BroadcastResult counts the outcome of a topic fan-out.
type BroadcastResult struct {
	Delivered int
	Pruned    int
	Failed    int
}

// Subscribe registers p's private queue for topic. Repeating it is harmless.
func (r *Relay) Subscribe(ctx context.Context, p contracts.Principal, topic string) error {
	if err := p.Validate(); err != nil {
		return contracts.Unauthorized("SubscribeToTopic", "%v", err)
	}
	if err := subscription.ValidateTopic(topic); err != nil {
		return err
	}
	return r.subscriptions.Upsert(ctx, subscription.Entry{
		TenantID:     p.TenantID,
		SubscriberID: p.Queue(),
		Topic:        topic,
		SubscribedAt: r.now().UTC(),
	})
}

// Unsubscribe removes p's subscription to topic if there is one.
func (r *Relay) Unsubscribe(ctx context.Context, p contracts.Principal, topic string) error {
	if err := p.Validate(); err != nil {
		return contracts.Unauthorized("UnsubscribeFromTopic", "%v", err)
	}
	if err := subscription.ValidateTopic(topic); err != nil {
		return err
	}
	return r.subscriptions.Delete(ctx, p.TenantID, topic, p.Queue())
}

// Broadcast enqueues a copy of msg for every subscriber of topic in tenant.
// Subscribers whose queue no longer exists are pruned. Other per-subscriber
// failures are counted and logged; copies already delivered stay delivered.
func (r *Relay) Broadcast(ctx context.Context, tenantID, topic string, msg *contracts.Message) (BroadcastResult, error) {
	var res BroadcastResult
	entries, err := r.subscriptions.List(ctx, tenantID, topic)
	if err != nil {
		return res, err
	}

	delay := r.deferral(msg)
	for _, e := range entries {
		receipt, err := r.enqueue(ctx, e.SubscriberID, msg, delay)
		switch {
		case errors.Is(err, queue.ErrQueueNotFound):
			if derr := r.subscriptions.Delete(ctx, tenantID, topic, e.SubscriberID); derr != nil {
				r.logger.Warn("Failed to prune subscription", "tenant", tenantID, "topic", topic, "subscriber", e.SubscriberID, "error", derr)
				res.Failed++
				continue
			}
			res.Pruned++
		case err != nil:
			r.logger.Error("Failed to deliver topic message", "tenant", tenantID, "topic", topic, "subscriber", e.SubscriberID, "error", err)
			res.Failed++
		default:
			res.Delivered++
			if addr := contracts.ParseAddress(e.SubscriberID); addr.Kind == contracts.KindPrivate {
				r.notify(ctx, tenantID, addr.RoleID, receipt)
			}
		}
	}

	r.logger.Info("Topic message broadcast",
		"tenant", tenantID,
		"topic", topic,
		"messageId", msg.ID,
		"delivered", res.Delivered,
		"pruned", res.Pruned,
		"failed", res.Failed,
	)
	return res, nil
}
