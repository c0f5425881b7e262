package databus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-relay/internal/blob"
	"github.com/glimte/mmate-relay/internal/reliability"
)

// Ceilings on how many times a copy may be observed unfinished.
const (
	MonitorCeiling = 70
	MessageCeiling = 130
)

const (
	rescheduleBase   = 500 * time.Millisecond
	rescheduleGrowth = 2.0
	rescheduleMax    = 60 * time.Second
)

var rescheduleBackoff = &reliability.ExponentialBackoff{
	InitialInterval: rescheduleBase,
	MaxInterval:     rescheduleMax,
	Multiplier:      rescheduleGrowth,
	MaxAttempts:     MessageCeiling,
}

// RescheduleDelay is 0 for the first reschedule and then
// min(500ms * 2^count, 60s). It never decreases as count grows.
func RescheduleDelay(count int) time.Duration {
	if count <= 0 {
		return 0
	}
	return rescheduleBackoff.NextDelay(count)
}

// State is the outcome of a readiness check.
type State int

const (
	Pending State = iota
	Ready
	Failed
	TimedOut
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed-out"
	}
	return "unknown"
}

// Readiness is returned by Process instead of an error so callers can loop
// on Pending cheaply. Err is set for Failed and TimedOut, and for Pending
// when the last attempt hit a transient store error.
type Readiness struct {
	State State
	Err   error
}

// Engine runs the copy state machine against a blob store.
type Engine struct {
	store  blob.Store
	logger *slog.Logger
	policy reliability.RetryPolicy
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the logger
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithImmediateRetries sets the in-process retry budget used by Process
// before the caller falls back to rescheduling.
func WithImmediateRetries(attempts int, delay time.Duration) EngineOption {
	return func(e *Engine) {
		e.policy = reliability.NewFixedDelay(delay, attempts-1)
	}
}

// NewEngine creates an engine over store.
func NewEngine(store blob.Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:  store,
		logger: slog.Default(),
		policy: reliability.NewFixedDelay(250*time.Millisecond, 2),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TryProcessCopy advances req by one step. It returns true once the
// destination holds a complete copy. MonitorCount on req is updated in
// place. A *CopyError is returned for permanent failures; any other error
// is a transient store error.
func (e *Engine) TryProcessCopy(ctx context.Context, req *CopyRequest) (bool, error) {
	dst, err := e.store.Properties(ctx, req.Dest)
	switch {
	case err == nil:
		switch dst.CopyStatus {
		case blob.CopyPending:
			req.MonitorCount++
			return false, nil
		case blob.CopyFailed:
			return false, &CopyError{AttachmentID: req.AttachmentID, Blob: req.Dest, Reason: "store reported copy failure: " + dst.CopyStatusDescription}
		}
		e.deleteSource(ctx, req)
		return true, nil
	case !errors.Is(err, blob.ErrNotFound):
		return false, err
	}

	src, err := e.store.Properties(ctx, req.Source)
	if errors.Is(err, blob.ErrNotFound) {
		return false, &CopyError{AttachmentID: req.AttachmentID, Blob: req.Source, Reason: "source blob does not exist"}
	}
	if err != nil {
		return false, err
	}
	switch src.CopyStatus {
	case blob.CopyPending:
		req.MonitorCount++
		return false, nil
	case blob.CopyFailed:
		return false, &CopyError{AttachmentID: req.AttachmentID, Blob: req.Source, Reason: "source copy failed: " + src.CopyStatusDescription}
	}

	err = e.store.StartCopy(ctx, req.Source, req.Dest, map[string]string{blob.MetadataTenant: req.TenantID})
	if errors.Is(err, blob.ErrNotFound) {
		return false, &CopyError{AttachmentID: req.AttachmentID, Blob: req.Source, Reason: "source blob disappeared", Err: err}
	}
	if err != nil {
		return false, err
	}
	e.logger.Debug("Attachment copy started",
		"tenant", req.TenantID,
		"attachmentId", req.AttachmentID,
		"source", req.Source.String(),
		"dest", req.Dest.String(),
	)
	req.MonitorCount = 0
	return false, nil
}

// deleteSource is best effort: the copy has already succeeded.
func (e *Engine) deleteSource(ctx context.Context, req *CopyRequest) {
	if !req.DeleteSource {
		return
	}
	if err := e.store.Delete(ctx, req.Source); err != nil {
		e.logger.Warn("Failed to delete attachment source",
			"tenant", req.TenantID,
			"attachmentId", req.AttachmentID,
			"source", req.Source.String(),
			"error", err,
		)
	}
}

// Process runs TryProcessCopy with a small immediate retry budget to absorb
// store lag without a queue round trip per check.
func (e *Engine) Process(ctx context.Context, req *CopyRequest) Readiness {
	if err := req.Validate(); err != nil {
		return Readiness{State: Failed, Err: &CopyError{AttachmentID: req.AttachmentID, Blob: req.Source, Reason: "invalid request", Err: err}}
	}

	err := reliability.Retry(ctx, e.policy, func() error {
		done, err := e.TryProcessCopy(ctx, req)
		if err != nil {
			if IsCopyError(err) {
				return reliability.Permanent(err)
			}
			return err
		}
		if !done {
			return errNotReady
		}
		return nil
	})

	var ce *CopyError
	switch {
	case err == nil:
		return Readiness{State: Ready}
	case errors.As(err, &ce):
		return Readiness{State: Failed, Err: ce}
	case errors.Is(err, errNotReady):
		return Readiness{State: Pending}
	default:
		return Readiness{State: Pending, Err: err}
	}
}

// Readiness is Process for a caller that tracks its own observation count:
// a copy still pending after count exceeds ceiling is TimedOut.
func (e *Engine) Readiness(ctx context.Context, req *CopyRequest, count, ceiling int) Readiness {
	r := e.Process(ctx, req)
	if r.State == Pending && count > ceiling {
		return Readiness{State: TimedOut, Err: fmt.Errorf("%w: attachment %s checked %d times", ErrCopyTimedOut, req.AttachmentID, count)}
	}
	return r
}
