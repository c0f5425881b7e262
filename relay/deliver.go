package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/internal/blob"
	"github.com/glimte/mmate-relay/internal/databus"
	"github.com/glimte/mmate-relay/internal/queue"
	"github.com/glimte/mmate-relay/internal/reliability"
	"github.com/glimte/mmate-relay/internal/sas"
)

// Deliver is the cloud outbound trigger. It routes a cloud message to one
// principal's private queue or, when it carries a topic, to every
// subscriber. Terminal problems are dead-lettered and return nil; a
// returned error asks the broker to redeliver.
func (r *Relay) Deliver(ctx context.Context, msg *contracts.Message) error {
	tenantID := msg.TenantID()
	if tenantID == "" {
		return r.deadLetter.DeadLetter(ctx, contracts.CloudOutboundQueue, msg, reliability.ReasonInvalid, contracts.ErrMissingTenant)
	}
	count := msg.RescheduleCount()
	if count > r.ceiling {
		return r.deadLetter.DeadLetter(ctx, contracts.CloudOutboundQueue, msg, reliability.ReasonTimeout,
			fmt.Errorf("%w: rescheduled %d times", databus.ErrCopyTimedOut, count))
	}

	dest, err := destinationOf(msg)
	if err != nil {
		return r.deadLetter.DeadLetter(ctx, contracts.CloudOutboundQueue, msg, reliability.ReasonInvalid, err)
	}

	out := msg.Clone()
	if id := out.Headers.Get(contracts.HeaderAttachmentID); id != "" {
		req := databus.NewCopyRequest(tenantID, id, blob.ContainerCloudOutbox, blob.ContainerPrincipalsInbox, true)
		switch res := r.engine.Readiness(ctx, req, count, r.ceiling); res.State {
		case databus.Failed:
			return r.deadLetter.DeadLetter(ctx, contracts.CloudOutboundQueue, msg, reliability.ReasonFailed, res.Err)
		case databus.TimedOut:
			return r.deadLetter.DeadLetter(ctx, contracts.CloudOutboundQueue, msg, reliability.ReasonTimeout, res.Err)
		case databus.Pending:
			return r.reschedule(ctx, msg, count)
		}
		uri, _, err := r.signer.BlobURI(blob.ContainerPrincipalsInbox, tenantID+"/"+id, sas.Read, r.downloadURITTL)
		if err != nil {
			return err
		}
		out.SetHeader(contracts.HeaderInboxSAS, uri)
	}
	delete(out.Headers, contracts.HeaderRescheduleCount)

	if dest.topic != "" {
		_, err := r.Broadcast(ctx, tenantID, dest.topic, out)
		return err
	}

	name := contracts.PrivateQueue(dest.role, dest.roleID)
	receipt, err := r.enqueue(ctx, name, out, r.deferral(out))
	if errors.Is(err, queue.ErrQueueNotFound) {
		// the principal has not connected yet
		r.logger.Info("Destination queue missing, rescheduling",
			"tenant", tenantID,
			"queue", name,
			"messageId", msg.ID,
		)
		return r.reschedule(ctx, msg, count)
	}
	if err != nil {
		return err
	}
	r.notify(ctx, tenantID, dest.roleID, receipt)
	return nil
}

// reschedule republishes msg with its counter bumped. The delay is computed
// from the count before the bump, so the first reschedule is immediate.
func (r *Relay) reschedule(ctx context.Context, msg *contracts.Message, count int) error {
	next := msg.Clone()
	next.SetRescheduleCount(count + 1)
	return r.broker.Publish(ctx, contracts.CloudOutboundQueue, next, databus.RescheduleDelay(count))
}

type destination struct {
	topic  string
	role   contracts.Role
	roleID string
}

// destinationOf requires exactly one of topic, client id and connector id.
func destinationOf(msg *contracts.Message) (destination, error) {
	var found []destination
	if t := msg.Headers.Get(contracts.HeaderTopic); t != "" {
		found = append(found, destination{topic: t})
	}
	if id := msg.Headers.Get(contracts.HeaderClientID); id != "" {
		found = append(found, destination{role: contracts.RoleClient, roleID: id})
	}
	if id := msg.Headers.Get(contracts.HeaderConnectorID); id != "" {
		found = append(found, destination{role: contracts.RoleConnector, roleID: id})
	}
	switch len(found) {
	case 0:
		return destination{}, ErrNoDestination
	case 1:
		if found[0].roleID != "" {
			if err := contracts.ValidateID(found[0].roleID); err != nil {
				return destination{}, fmt.Errorf("%w: %v", contracts.ErrInvalidRoleID, err)
			}
		}
		return found[0], nil
	}
	return destination{}, ErrAmbiguousRecipient
}
