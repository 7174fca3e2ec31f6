package distributed

import (
	"errors"
	"fmt"

	"github.com/meridianhq/ratekeeper/local"
)

// ErrInvalidConfig is returned by New for unusable configurations.
var ErrInvalidConfig = errors.New("invalid distributed bucket configuration")

func newConfigError(reason string) error {
	return fmt.Errorf("%s: %w", reason, ErrInvalidConfig)
}

func newInvalidArgumentError(what string, got float64) error {
	return fmt.Errorf("%s must be a positive finite number, got %v: %w", what, got, local.ErrInvalidArgument)
}

func newResetRangeError(tokens, capacity float64) error {
	return fmt.Errorf("reset tokens must be within [0, %v], got %v: %w", capacity, tokens, local.ErrInvalidArgument)
}

func newSnapshotMismatchError(reason string) error {
	return fmt.Errorf("snapshot does not match this bucket: %s: %w", reason, local.ErrInvalidArgument)
}
