package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnavailable is the sentinel for store refusals, timeouts and
// malformed responses. The failover path in the distributed bucket
// matches against it with errors.Is.
var ErrUnavailable = errors.New("store unavailable")

// UnavailableError wraps an underlying cause with operation context,
// e.g. Op="redis:consume" Cause="connection refused".
type UnavailableError struct {
	Op    string
	Cause error
}

func (e *UnavailableError) Error() string {
	if e == nil {
		return ErrUnavailable.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", ErrUnavailable, e.Op, e.Cause)
	}
	return fmt.Sprintf("%s: %v", ErrUnavailable, e.Cause)
}

func (e *UnavailableError) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, ErrUnavailable) match wrapped instances.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// NewUnavailableError wraps cause as a store-unavailable error.
func NewUnavailableError(op string, cause error) error {
	if cause == nil {
		return ErrUnavailable
	}
	return &UnavailableError{Op: op, Cause: cause}
}

// IsUnavailable reports whether err indicates the store cannot serve.
func IsUnavailable(err error) bool {
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// WrapConnError classifies err as unavailable when its message matches one
// of the lowercase patterns, or when the caller's deadline expired. A
// deadline expiry must feed the failover path rather than be silently
// dropped, so context errors always classify. Other errors pass through
// unchanged.
func WrapConnError(op string, err error, patterns []string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewUnavailableError(op, err)
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range patterns {
		if strings.Contains(msg, pattern) {
			return NewUnavailableError(op, err)
		}
	}
	return err
}
