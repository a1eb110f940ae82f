package core

import (
	"errors"
	"fmt"
	"time"
)

// Queue errors.
var (
	ErrInvalidHandlerName = errors.New("research: handler name must start with a letter and use only letters, digits, '.', '-' or '_'")
	ErrHandlerNameTooLong = errors.New("research: handler name too long")
	ErrInvalidQueueName   = errors.New("research: invalid queue name")
	ErrQueueNameTooLong   = errors.New("research: queue name too long")
	ErrInvalidHandle      = errors.New("research: invalid run handle")
	ErrArgsTooLarge       = errors.New("research: run arguments exceed size limit")
	ErrRunNotOwned        = errors.New("research: run not owned by this worker")
	ErrDuplicateRun       = errors.New("research: duplicate run with same handle")
)

// Pipeline errors.
var (
	ErrJobNotFound      = errors.New("research: job not found")
	ErrStaleJob         = errors.New("research: job was modified concurrently")
	ErrTaskNotFound     = errors.New("research: task not found")
	ErrNoAutomation     = errors.New("research: no automation configured for category")
	ErrQuotaExceeded    = errors.New("research: daily job quota exceeded")
	ErrNotClarification = errors.New("research: not a clarification response")
	ErrAlreadyAnswered  = errors.New("research: clarification already answered")
	ErrInvalidCallback  = errors.New("research: invalid clarification callback")
	ErrCannotCancel     = errors.New("research: job cannot be cancelled in its current state")
)

// NoRetryError marks a failure that later attempts cannot fix, such as a
// rejected API key or a task the model refuses.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string { return "permanent: " + e.Err.Error() }
func (e *NoRetryError) Unwrap() error { return e.Err }

// NoRetry marks err as permanent. NoRetry(nil) is nil.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &NoRetryError{Err: err}
}

// Permanent reports whether err, or anything it wraps, came from NoRetry.
func Permanent(err error) bool {
	var nr *NoRetryError
	return errors.As(err, &nr)
}

// RetryAfterError asks for the next attempt no sooner than Delay, as when
// a provider answers 429 with a Retry-After header.
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry in %s: %v", e.Delay, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// RetryAfter wraps err with a minimum delay before the next attempt.
// RetryAfter(d, nil) is nil.
func RetryAfter(d time.Duration, err error) error {
	if err == nil {
		return nil
	}
	return &RetryAfterError{Err: err, Delay: d}
}

// RetryDelay returns the delay requested by a RetryAfterError in err's
// chain.
func RetryDelay(err error) (time.Duration, bool) {
	var ra *RetryAfterError
	if errors.As(err, &ra) {
		return ra.Delay, true
	}
	return 0, false
}
