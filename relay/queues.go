package relay

import (
	"context"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/internal/sas"
)

// QueueMetadata tells a principal how to reach its private queue.
type QueueMetadata struct {
	ConnectionURI string    `json:"connectionUri"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// GetQueueMetadata creates p's private queue if needed and returns a signed
// URI granting read, update and process on it.
func (r *Relay) GetQueueMetadata(ctx context.Context, p contracts.Principal) (QueueMetadata, error) {
	if err := p.Validate(); err != nil {
		return QueueMetadata{}, contracts.Unauthorized("GetQueueMetadata", "%v", err)
	}
	name := p.Queue()
	if err := r.queues.CreateQueue(ctx, name); err != nil {
		return QueueMetadata{}, err
	}
	uri, expires, err := r.signer.QueueURI(name, sas.Read|sas.Update|sas.Process, r.queueURITTL)
	if err != nil {
		return QueueMetadata{}, err
	}
	return QueueMetadata{ConnectionURI: uri, ExpiresAt: expires}, nil
}
