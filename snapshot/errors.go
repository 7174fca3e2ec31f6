package snapshot

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed is returned when snapshot data cannot be decoded or a
	// required field is missing or out of range.
	ErrMalformed = errors.New("malformed snapshot")

	// ErrUnknownVersion is returned for snapshots with a version this
	// codec does not understand. The codec never migrates silently.
	ErrUnknownVersion = errors.New("unknown snapshot version")
)

func newFieldError(field string, reason string) error {
	return fmt.Errorf("field %q %s: %w", field, reason, ErrMalformed)
}

func newVersionError(got int) error {
	return fmt.Errorf("got version %d, want %d: %w", got, Version, ErrUnknownVersion)
}

func newDecodeError(cause error) error {
	return fmt.Errorf("%w: %v", ErrMalformed, cause)
}
