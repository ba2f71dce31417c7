package model

import (
	"context"
	"errors"
)

// IsRetryable reports whether resubmitting the same spec might succeed.
// Admission, extraction and transformation failures are deterministic.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case WriteFailure, TimeoutError:
		return true
	case RateLimited:
		return true
	default:
		return e.Retryable
	}
}

// ErrRunNotFound is returned when a run id is unknown
var ErrRunNotFound = errors.New("run not found")
