package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied means the usage-stats or monitoring capability is not granted.
	// It is never retried automatically.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrCapabilityRevoked is returned by a ForegroundSource when monitoring stops being possible.
	ErrCapabilityRevoked = errors.New("monitoring capability revoked")

	ErrNotFound        = errors.New("not found")
	ErrDuplicateLimit  = errors.New("a limit already exists for this package")
	ErrInvalidLimit    = errors.New("invalid limit")
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrNotDismissible  = errors.New("intervention is not dismissible")
)

// QueryError wraps a usage-source failure.
type QueryError struct {
	Transient bool
	Err       error
}

func (e *QueryError) Error() string {
	if e.Transient {
		return fmt.Sprintf("usage query failed (transient): %v", e.Err)
	}
	return fmt.Sprintf("usage query failed: %v", e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a retryable usage-source failure.
func IsTransient(err error) bool {
	var qe *QueryError
	return errors.As(err, &qe) && qe.Transient
}
