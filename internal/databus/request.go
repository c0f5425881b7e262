package databus

import (
	"fmt"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/internal/blob"
	"github.com/glimte/mmate-relay/internal/codec"
)

const ContentTypeCopyRequest = "application/vnd.relay.copy-request+cbor"

// CopyRequest is the durable unit of work. It is serialized onto the retry
// queue between attempts and may be resumed from any snapshot.
type CopyRequest struct {
	TenantID     string   `cbor:"tenant"`
	AttachmentID string   `cbor:"attachment"`
	Source       blob.Ref `cbor:"source"`
	Dest         blob.Ref `cbor:"dest"`
	DeleteSource bool     `cbor:"deleteSource"`
	// MonitorCount is the number of times the copy was observed unfinished.
	MonitorCount int `cbor:"monitorCount"`
	// Reschedules is the number of times the request went to the retry queue.
	Reschedules int       `cbor:"reschedules"`
	CreatedAt   time.Time `cbor:"createdAt"`
}

// NewCopyRequest builds a request for tenant/attachment from src to dst container.
func NewCopyRequest(tenantID, attachmentID, srcContainer, dstContainer string, deleteSource bool) *CopyRequest {
	return &CopyRequest{
		TenantID:     tenantID,
		AttachmentID: attachmentID,
		Source:       blob.AttachmentRef(srcContainer, tenantID, attachmentID),
		Dest:         blob.AttachmentRef(dstContainer, tenantID, attachmentID),
		DeleteSource: deleteSource,
		CreatedAt:    time.Now().UTC(),
	}
}

// Validate checks the request is addressable.
func (r *CopyRequest) Validate() error {
	if r.TenantID == "" || r.AttachmentID == "" {
		return fmt.Errorf("databus: copy request missing tenant or attachment id")
	}
	if r.Source.IsZero() || r.Dest.IsZero() {
		return fmt.Errorf("databus: copy request %s missing blob refs", r.AttachmentID)
	}
	if r.Source == r.Dest {
		return fmt.Errorf("databus: copy request %s copies %s onto itself", r.AttachmentID, r.Source)
	}
	return nil
}

// ToMessage wraps the request for the retry queue.
func (r *CopyRequest) ToMessage() (*contracts.Message, error) {
	body, err := codec.Marshal(r)
	if err != nil {
		return nil, err
	}
	msg := contracts.NewMessage(body)
	msg.SetHeader(contracts.HeaderTenantID, r.TenantID)
	msg.SetHeader(contracts.HeaderAttachmentID, r.AttachmentID)
	msg.SetHeader(contracts.HeaderContentType, ContentTypeCopyRequest)
	return msg, nil
}

// RequestFromMessage restores a request written by ToMessage.
func RequestFromMessage(msg *contracts.Message) (*CopyRequest, error) {
	var r CopyRequest
	if err := codec.Unmarshal(msg.Body, &r); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}
