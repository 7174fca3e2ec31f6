package local

import (
	"errors"
	"fmt"
)

// ErrInvalidArgument is returned for non-finite or non-positive values
// where positivity is required, and for out-of-range reset targets.
var ErrInvalidArgument = errors.New("invalid argument")

func newInvalidArgumentError(what string, got float64) error {
	return fmt.Errorf("%s must be a positive finite number, got %v: %w", what, got, ErrInvalidArgument)
}

func newResetRangeError(tokens, capacity float64) error {
	return fmt.Errorf("reset tokens must be within [0, %v], got %v: %w", capacity, tokens, ErrInvalidArgument)
}
