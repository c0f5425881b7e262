package databus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/internal/reliability"
)

// DeadLetterer parks requests that will never complete.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, queue string, msg *contracts.Message, reason reliability.Reason, cause error) error
}

// Scheduler re-enqueues unfinished copy requests on the durable retry queue
// and consumes them again when they come due.
type Scheduler struct {
	engine     *Engine
	publisher  reliability.MessagePublisher
	deadLetter DeadLetterer
	logger     *slog.Logger
	queue      string
	ceiling    int
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the logger
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithCeiling overrides the MonitorCount ceiling.
func WithCeiling(n int) SchedulerOption {
	return func(s *Scheduler) {
		s.ceiling = n
	}
}

// NewScheduler creates a scheduler publishing to the copy retry queue.
func NewScheduler(engine *Engine, publisher reliability.MessagePublisher, deadLetter DeadLetterer, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		engine:     engine,
		publisher:  publisher,
		deadLetter: deadLetter,
		logger:     slog.Default(),
		queue:      contracts.CopyRetryQueue,
		ceiling:    MonitorCeiling,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Queue returns the retry queue name.
func (s *Scheduler) Queue() string { return s.queue }

// Run processes req inline and parks it on the retry queue while pending.
func (s *Scheduler) Run(ctx context.Context, req *CopyRequest) (Readiness, error) {
	r := s.engine.Process(ctx, req)
	switch r.State {
	case Pending:
		if err := s.Schedule(ctx, req); err != nil {
			return r, err
		}
	case Failed:
		s.logger.Error("Attachment copy failed",
			"tenant", req.TenantID,
			"attachmentId", req.AttachmentID,
			"error", r.Err,
		)
	}
	return r, nil
}

// Schedule publishes req to the retry queue with the backoff delay for its
// reschedule count, then bumps the count.
func (s *Scheduler) Schedule(ctx context.Context, req *CopyRequest) error {
	delay := RescheduleDelay(req.Reschedules)
	req.Reschedules++

	msg, err := req.ToMessage()
	if err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, s.queue, msg, delay); err != nil {
		return fmt.Errorf("databus: reschedule attachment %s: %w", req.AttachmentID, err)
	}
	s.logger.Debug("Attachment copy rescheduled",
		"tenant", req.TenantID,
		"attachmentId", req.AttachmentID,
		"monitorCount", req.MonitorCount,
		"delay", delay,
	)
	return nil
}

// Handle is the retry queue trigger. Returning an error asks the broker to
// redeliver; terminal outcomes are dead-lettered and return nil.
func (s *Scheduler) Handle(ctx context.Context, msg *contracts.Message) error {
	req, err := RequestFromMessage(msg)
	if err != nil {
		return s.deadLetter.DeadLetter(ctx, s.queue, msg, reliability.ReasonInvalid, err)
	}
	if s.exhausted(req) {
		return s.timeout(ctx, msg, req)
	}

	r := s.engine.Process(ctx, req)
	switch r.State {
	case Ready:
		s.logger.Info("Attachment copy completed",
			"tenant", req.TenantID,
			"attachmentId", req.AttachmentID,
			"reschedules", req.Reschedules,
		)
		return nil
	case Failed:
		return s.deadLetter.DeadLetter(ctx, s.queue, msg, reliability.ReasonFailed, r.Err)
	}

	if r.Err != nil {
		s.logger.Warn("Attachment copy check hit a store error",
			"tenant", req.TenantID,
			"attachmentId", req.AttachmentID,
			"error", r.Err,
		)
	}
	if s.exhausted(req) {
		return s.timeout(ctx, msg, req)
	}
	return s.Schedule(ctx, req)
}

// exhausted bounds both pending observations and queue round trips, so
// repeated store errors cannot reschedule forever.
func (s *Scheduler) exhausted(req *CopyRequest) bool {
	return req.MonitorCount > s.ceiling || req.Reschedules > MessageCeiling
}

func (s *Scheduler) timeout(ctx context.Context, msg *contracts.Message, req *CopyRequest) error {
	cause := fmt.Errorf("%w: attachment %s observed pending %d times", ErrCopyTimedOut, req.AttachmentID, req.MonitorCount)
	return s.deadLetter.DeadLetter(ctx, s.queue, msg, reliability.ReasonTimeout, cause)
}
