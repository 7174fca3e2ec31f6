package redis

import (
	"fmt"

	"github.com/meridianhq/ratekeeper/store"
)

func NewConnectionFailedError(addr string, err error) error {
	return store.NewUnavailableError("redis:connect", fmt.Errorf("connect to %s: %w", addr, err))
}

func NewMalformedReplyError(op string, reply any) error {
	return fmt.Errorf("%s: got %v: %w", op, reply, store.ErrMalformedReply)
}

// wrapOpError classifies driver errors: connectivity problems and
// context expiry become store.ErrUnavailable, the rest pass through.
func wrapOpError(op string, err error) error {
	return store.WrapConnError(op, err, connErrorStrings)
}
