package relay

import (
	"context"
	"fmt"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/internal/blob"
	"github.com/glimte/mmate-relay/internal/databus"
	"github.com/glimte/mmate-relay/internal/reliability"
	"github.com/glimte/mmate-relay/internal/sas"
)

// SendMessage accepts a message from principal p addressed to queueName.
// Only the cloud queue and p's own role queue are admitted. Messages to the
// role queue land in p's private queue, which is how a principal defers work
// to itself.
func (r *Relay) SendMessage(ctx context.Context, p contracts.Principal, queueName string, msg *contracts.Message) error {
	const op = "SendMessage"
	if err := p.Validate(); err != nil {
		return contracts.Unauthorized(op, "%v", err)
	}
	if msg == nil {
		return fmt.Errorf("relay: %s: nil message", op)
	}

	target := normalizeQueue(p, queueName)
	if target != contracts.CloudQueue && target != p.Role.Prefix() {
		return contracts.Unauthorized(op, "%s %s may not send to %q", p.Role, p.RoleID, queueName)
	}
	if keys := msg.Headers.ReservedKeys(); len(keys) > 0 {
		return contracts.Unauthorized(op, "reserved headers %v may not be set by the sender", keys)
	}

	msg = msg.Clone()
	msg.SetHeader(contracts.HeaderTenantID, p.TenantID)
	msg.SetHeader(p.Role.IDHeader(), p.RoleID)
	delay := r.deferral(msg)

	if target == p.Role.Prefix() {
		name := p.Queue()
		if err := r.queues.CreateQueue(ctx, name); err != nil {
			return err
		}
		receipt, err := r.enqueue(ctx, name, msg, delay)
		if err != nil {
			return err
		}
		r.notify(ctx, p.TenantID, p.RoleID, receipt)
		return nil
	}

	attachmentID := msg.Headers.Get(contracts.HeaderAttachmentID)
	if attachmentID == "" {
		return r.broker.Publish(ctx, contracts.CloudQueue, msg, delay)
	}

	req := uploadRequest(p.TenantID, p.Role, attachmentID)
	switch res := r.engine.Process(ctx, req); res.State {
	case databus.Ready:
		return r.forwardToCloud(ctx, msg)
	case databus.Failed:
		if err := r.deadLetter.DeadLetter(ctx, contracts.CloudQueue, msg, reliability.ReasonFailed, res.Err); err != nil {
			r.logger.Error("Failed to dead-letter message", "messageId", msg.ID, "error", err)
		}
		return res.Err
	default:
		msg.SetRescheduleCount(1)
		r.logger.Debug("Attachment pending, monitoring send",
			"tenant", p.TenantID,
			"attachmentId", attachmentID,
			"messageId", msg.ID,
		)
		return r.broker.Publish(ctx, contracts.MonitorQueue, msg, databus.RescheduleDelay(0))
	}
}

// MonitorPending is the monitor queue trigger: it forwards a principal's
// send to the cloud once its attachment has arrived.
func (r *Relay) MonitorPending(ctx context.Context, msg *contracts.Message) error {
	count := msg.RescheduleCount()
	role, ok := senderRole(msg)
	attachmentID := msg.Headers.Get(contracts.HeaderAttachmentID)
	if !ok || msg.TenantID() == "" || attachmentID == "" {
		return r.deadLetter.DeadLetter(ctx, contracts.MonitorQueue, msg, reliability.ReasonInvalid,
			fmt.Errorf("relay: monitored message lacks tenant, sender or attachment"))
	}

	req := uploadRequest(msg.TenantID(), role, attachmentID)
	res := r.engine.Readiness(ctx, req, count, r.ceiling)
	switch res.State {
	case databus.Ready:
		return r.forwardToCloud(ctx, msg)
	case databus.Failed:
		return r.deadLetter.DeadLetter(ctx, contracts.MonitorQueue, msg, reliability.ReasonFailed, res.Err)
	case databus.TimedOut:
		return r.deadLetter.DeadLetter(ctx, contracts.MonitorQueue, msg, reliability.ReasonTimeout, res.Err)
	}

	next := msg.Clone()
	next.SetRescheduleCount(count + 1)
	return r.broker.Publish(ctx, contracts.MonitorQueue, next, databus.RescheduleDelay(count))
}

// forwardToCloud strips relay bookkeeping, attaches a read URI for the
// copied attachment and publishes to the cloud queue.
func (r *Relay) forwardToCloud(ctx context.Context, msg *contracts.Message) error {
	out := msg.Clone()
	delete(out.Headers, contracts.HeaderRescheduleCount)
	if id := out.Headers.Get(contracts.HeaderAttachmentID); id != "" {
		uri, _, err := r.signer.BlobURI(blob.ContainerCloudInbox, out.TenantID()+"/"+id, sas.Read, r.downloadURITTL)
		if err != nil {
			return err
		}
		out.SetHeader(contracts.HeaderInboxSAS, uri)
	}
	return r.broker.Publish(ctx, contracts.CloudQueue, out, r.deferral(out))
}

// normalizeQueue drops a host suffix and maps the caller-suffixed form of an
// admitted queue ("clients-c1" for client c1) to its canonical name.
func normalizeQueue(p contracts.Principal, name string) string {
	name = contracts.StripHost(name)
	for _, canonical := range []string{contracts.CloudQueue, p.Role.Prefix()} {
		if name == canonical+"-"+p.RoleID {
			return canonical
		}
	}
	return name
}

func senderRole(msg *contracts.Message) (contracts.Role, bool) {
	switch {
	case msg.Headers.Has(contracts.HeaderClientID):
		return contracts.RoleClient, true
	case msg.Headers.Has(contracts.HeaderConnectorID):
		return contracts.RoleConnector, true
	}
	return "", false
}

func uploadRequest(tenantID string, role contracts.Role, attachmentID string) *databus.CopyRequest {
	return databus.NewCopyRequest(tenantID, attachmentID, blob.OutboxContainer(role.Prefix()), blob.ContainerCloudInbox, true)
}
