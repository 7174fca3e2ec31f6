package store

import "errors"

var (
	// ErrStoreNotFound is returned when creating a store by an unknown name.
	ErrStoreNotFound = errors.New("store not found")

	// ErrInvalidConfig is returned when a factory receives the wrong
	// configuration type or missing required fields.
	ErrInvalidConfig = errors.New("invalid store configuration")

	// ErrMalformedReply is returned when the store answers an atomic
	// program with something the adapter cannot parse.
	ErrMalformedReply = errors.New("malformed store reply")
)
