package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotOwned is returned when a status write finds the job no longer claimed by this worker
	ErrJobNotOwned = errors.New("job is not processing under this worker")

	// ErrInvalidPayload is returned when job payload JSON is malformed
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrUnknownJobType is returned when no handler is registered for a job type
	ErrUnknownJobType = errors.New("unknown job type")
)

// PermanentError marks a handler failure that retrying cannot fix.
// The worker fails such jobs immediately instead of re-queueing them.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent error: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a PermanentError. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf formats a new PermanentError.
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err should fail the job without consuming further retries.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrInvalidPayload) || errors.Is(err, ErrUnknownJobType) {
		return true
	}
	var permanent *PermanentError
	return errors.As(err, &permanent)
}
