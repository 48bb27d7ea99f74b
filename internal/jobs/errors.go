package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateJob is returned when a job with the same name and singleton key already exists.
	ErrDuplicateJob = errors.New("job already queued for singleton key")
	// ErrJobNotFound is returned when an operator action targets a missing job.
	ErrJobNotFound = errors.New("job not found")
	// ErrQueueStarted is returned when workers are registered after Start.
	ErrQueueStarted = errors.New("queue already started")
	// ErrLeaseExpired is the failure cause of a job whose handler never reported back, usually
	// because the process died.
	ErrLeaseExpired = errors.New("lease expired before the handler finished")
)

// PermanentError marks a handler failure that retrying cannot fix, such as an invalid payload.
// The queue fails the job immediately instead of scheduling a retry.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent error: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the queue skips the remaining retries.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err or anything it wraps is a PermanentError.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}
