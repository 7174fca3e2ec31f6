package postgres

import (
	"fmt"

	"github.com/meridianhq/ratekeeper/store"
)

func NewConfigError(err error) error {
	return fmt.Errorf("parse postgres connection string: %w", err)
}

func NewConnectionFailedError(err error) error {
	return store.NewUnavailableError("postgres:connect", err)
}

func NewBootstrapError(err error) error {
	return fmt.Errorf("bootstrap postgres tables: %w", err)
}

func wrapOpError(op string, err error) error {
	return store.WrapConnError(op, err, connErrorStrings)
}
