package types

import (
	"context"
	"errors"
	"net"
)

// Sentinel errors shared across components. Wrap with fmt.Errorf("%w") to
// add context; classify with the helpers below.
var (
	// ErrNotFound is returned when a requested entity doesn't exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyRunning is returned when an indexing job is requested for a
	// repository that already has a non-terminal job.
	ErrAlreadyRunning = errors.New("indexing job already running")
	// ErrCancelled marks a job that was cooperatively cancelled.
	ErrCancelled = errors.New("indexing cancelled")

	// ErrRateLimited marks a provider rate-limit response. Retryable.
	ErrRateLimited = errors.New("provider rate limited")
	// ErrUnavailable marks a transient provider failure (5xx). Retryable.
	ErrUnavailable = errors.New("provider unavailable")
	// ErrInvalidInput marks a non-retryable provider rejection; the offending
	// item is skipped, not retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrRepositoryInaccessible is job-fatal: the repository cannot be
	// enumerated at all.
	ErrRepositoryInaccessible = errors.New("repository inaccessible")
)

// IsRetryable reports whether the error warrants another attempt with
// backoff: rate limits, transient provider failures, and network timeouts.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// IsSkippable reports whether the error affects a single item only; the
// surrounding job logs it, counts it, and continues.
func IsSkippable(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}
