package databus

import (
	"errors"
	"fmt"

	"github.com/glimte/mmate-relay/internal/blob"
)

var (
	ErrCopyTimedOut = errors.New("databus: copy did not complete within the monitor ceiling")
	errNotReady     = errors.New("databus: copy not complete")
)

// CopyError is a permanent copy failure. It is dead-lettered, never retried.
type CopyError struct {
	AttachmentID string
	Blob         blob.Ref
	Reason       string
	Err          error
}

func (e *CopyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("databus: copy of attachment %s failed at %s: %s: %v", e.AttachmentID, e.Blob, e.Reason, e.Err)
	}
	return fmt.Sprintf("databus: copy of attachment %s failed at %s: %s", e.AttachmentID, e.Blob, e.Reason)
}

func (e *CopyError) Unwrap() error {
	return e.Err
}

// IsCopyError reports whether err is a permanent copy failure.
func IsCopyError(err error) bool {
	var ce *CopyError
	return errors.As(err, &ce)
}
