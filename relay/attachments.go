package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/internal/blob"
	"github.com/glimte/mmate-relay/internal/databus"
	"github.com/glimte/mmate-relay/internal/sas"
)

// SignedURI is a time-limited URI handed to a principal.
type SignedURI struct {
	URI       string    `json:"uri"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AttachmentMetadata describes an attachment waiting in a principal inbox.
type AttachmentMetadata struct {
	AttachmentID string    `json:"attachmentId"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"contentType"`
	Ready        bool      `json:"ready"`
	CreatedAt    time.Time `json:"createdAt"`
}

// GetDataBusAttachmentUploadURI returns a write URI for the attachment in
// p's outbox.
func (r *Relay) GetDataBusAttachmentUploadURI(ctx context.Context, p contracts.Principal, attachmentID string) (SignedURI, error) {
	if err := r.checkAttachment("GetDataBusAttachmentUploadUri", p, attachmentID); err != nil {
		return SignedURI{}, err
	}
	ref := blob.AttachmentRef(blob.OutboxContainer(p.Role.Prefix()), p.TenantID, attachmentID)
	uri, expires, err := r.signer.BlobURI(ref.Container, ref.Name, sas.Write|sas.Add, r.uploadURITTL)
	if err != nil {
		return SignedURI{}, err
	}
	return SignedURI{URI: uri, ExpiresAt: expires}, nil
}

// AttachmentUploaded starts moving an uploaded attachment from p's outbox to
// the cloud inbox. A copy still running afterwards continues on the retry
// queue. Only a permanent copy failure is reported.
func (r *Relay) AttachmentUploaded(ctx context.Context, p contracts.Principal, attachmentID string) error {
	if err := r.checkAttachment("AttachmentUploaded", p, attachmentID); err != nil {
		return err
	}
	res, err := r.scheduler.Run(ctx, uploadRequest(p.TenantID, p.Role, attachmentID))
	if err != nil {
		return err
	}
	if res.State == databus.Failed {
		return res.Err
	}
	return nil
}

// GetDataBusAttachmentURI returns a read URI for an attachment delivered to
// p's tenant.
func (r *Relay) GetDataBusAttachmentURI(ctx context.Context, p contracts.Principal, attachmentID string) (SignedURI, error) {
	const op = "GetDataBusAttachmentUri"
	if err := r.checkAttachment(op, p, attachmentID); err != nil {
		return SignedURI{}, err
	}
	ref := blob.AttachmentRef(blob.ContainerPrincipalsInbox, p.TenantID, attachmentID)
	props, err := r.inboxProperties(ctx, op, p, ref)
	if err != nil {
		return SignedURI{}, err
	}
	if !copyComplete(props) {
		return SignedURI{}, fmt.Errorf("%w: %s", ErrAttachmentNotReady, attachmentID)
	}
	uri, expires, err := r.signer.BlobURI(ref.Container, ref.Name, sas.Read, r.downloadURITTL)
	if err != nil {
		return SignedURI{}, err
	}
	return SignedURI{URI: uri, ExpiresAt: expires}, nil
}

// GetAttachmentMetadata describes an attachment in p's tenant inbox.
func (r *Relay) GetAttachmentMetadata(ctx context.Context, p contracts.Principal, attachmentID string) (AttachmentMetadata, error) {
	const op = "GetAttachmentMetadata"
	if err := r.checkAttachment(op, p, attachmentID); err != nil {
		return AttachmentMetadata{}, err
	}
	ref := blob.AttachmentRef(blob.ContainerPrincipalsInbox, p.TenantID, attachmentID)
	props, err := r.inboxProperties(ctx, op, p, ref)
	if err != nil {
		return AttachmentMetadata{}, err
	}
	return AttachmentMetadata{
		AttachmentID: attachmentID,
		Size:         props.Size,
		ContentType:  props.ContentType,
		Ready:        copyComplete(props),
		CreatedAt:    props.CreatedAt,
	}, nil
}

// OnOutboxBlobCreated copies a blob the cloud wrote to its outbox into the
// principals inbox so Deliver finds it ready.
func (r *Relay) OnOutboxBlobCreated(ctx context.Context, ref blob.Ref) error {
	if ref.Container != blob.ContainerCloudOutbox {
		return nil
	}
	tenantID, attachmentID, ok := splitAttachment(ref.Name)
	if !ok {
		r.logger.Warn("Ignoring outbox blob with unexpected name", "blob", ref.String())
		return nil
	}
	req := databus.NewCopyRequest(tenantID, attachmentID, blob.ContainerCloudOutbox, blob.ContainerPrincipalsInbox, true)
	res, err := r.scheduler.Run(ctx, req)
	if err != nil {
		return err
	}
	if res.State == databus.Failed {
		return res.Err
	}
	return nil
}

func (r *Relay) checkAttachment(op string, p contracts.Principal, attachmentID string) error {
	if err := p.Validate(); err != nil {
		return contracts.Unauthorized(op, "%v", err)
	}
	if err := contracts.ValidateID(attachmentID); err != nil {
		return fmt.Errorf("relay: %s: attachment id: %w", op, err)
	}
	return nil
}

// inboxProperties loads ref and checks that it belongs to p's tenant.
func (r *Relay) inboxProperties(ctx context.Context, op string, p contracts.Principal, ref blob.Ref) (blob.Properties, error) {
	props, err := r.blobs.Properties(ctx, ref)
	if errors.Is(err, blob.ErrNotFound) {
		return blob.Properties{}, fmt.Errorf("%w: %s", ErrAttachmentNotFound, ref.Name)
	}
	if err != nil {
		return blob.Properties{}, err
	}
	if owner := props.Metadata[blob.MetadataTenant]; owner != p.TenantID {
		return blob.Properties{}, contracts.Unauthorized(op, "attachment %s belongs to another tenant", ref.Name)
	}
	return props, nil
}

func copyComplete(props blob.Properties) bool {
	return props.CopyStatus == blob.CopyNone || props.CopyStatus == blob.CopySuccess
}

func splitAttachment(name string) (tenantID, attachmentID string, ok bool) {
	ref := blob.Ref{Name: name}
	tenantID = ref.Tenant()
	if len(name) <= len(tenantID)+1 {
		return "", "", false
	}
	attachmentID = name[len(tenantID)+1:]
	if contracts.ValidateID(tenantID) != nil || contracts.ValidateID(attachmentID) != nil {
		return "", "", false
	}
	return tenantID, attachmentID, true
}
