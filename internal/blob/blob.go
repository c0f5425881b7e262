// Package blob defines the object-store collaborator used for attachments:
// addressable blobs with metadata and a pollable store-native copy.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound   = errors.New("blob: not found")
	ErrInvalidRef = errors.New("blob: invalid reference")
)

// MetadataTenant is the metadata key recording the owning tenant.
const MetadataTenant = "relaytenant"

// Attachment containers.
const (
	ContainerCloudOutbox     = "cloud-outbox"
	ContainerCloudInbox      = "cloud-inbox"
	ContainerPrincipalsInbox = "principals-inbox"
	outboxSuffix             = "-outbox"
)

// OutboxContainer returns the outbox container for a role prefix.
func OutboxContainer(rolePrefix string) string {
	return rolePrefix + outboxSuffix
}

// IsOutbox reports whether container is an upload staging area.
func IsOutbox(container string) bool {
	return strings.HasSuffix(container, outboxSuffix)
}

// Ref addresses a blob.
type Ref struct {
	Container string `json:"container" cbor:"c"`
	Name      string `json:"name" cbor:"n"`
}

// AttachmentRef builds the {tenant}/{attachmentId} path in container.
func AttachmentRef(container, tenantID, attachmentID string) Ref {
	return Ref{Container: container, Name: tenantID + "/" + attachmentID}
}

func (r Ref) String() string {
	return r.Container + "/" + r.Name
}

// IsZero reports whether r is unset.
func (r Ref) IsZero() bool {
	return r.Container == "" && r.Name == ""
}

// Tenant returns the first path segment of the blob name.
func (r Ref) Tenant() string {
	tenant, _, _ := strings.Cut(r.Name, "/")
	return tenant
}

// ParseRef parses "container/name...".
func ParseRef(s string) (Ref, error) {
	container, name, ok := strings.Cut(strings.TrimPrefix(s, "/"), "/")
	if !ok || container == "" || name == "" {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, s)
	}
	return Ref{Container: container, Name: name}, nil
}

// CopyStatus is the state of a store-native copy into a blob.
type CopyStatus string

const (
	CopyNone    CopyStatus = ""
	CopyPending CopyStatus = "pending"
	CopySuccess CopyStatus = "success"
	CopyFailed  CopyStatus = "failed"
)

// Properties describes a stored blob.
type Properties struct {
	Size                  int64
	ContentType           string
	Metadata              map[string]string
	CopySource            Ref
	CopyStatus            CopyStatus
	CopyStatusDescription string
	CreatedAt             time.Time
}

// Store is the object-store collaborator.
type Store interface {
	Put(ctx context.Context, ref Ref, data []byte, contentType string, metadata map[string]string) error
	Get(ctx context.Context, ref Ref) ([]byte, Properties, error)
	Properties(ctx context.Context, ref Ref) (Properties, error)
	// StartCopy begins a copy from src into dst. Starting a copy that is
	// already running or complete for the same pair is a no-op.
	StartCopy(ctx context.Context, src, dst Ref, metadata map[string]string) error
	// Delete removes ref. Deleting a missing blob is not an error.
	Delete(ctx context.Context, ref Ref) error
}
