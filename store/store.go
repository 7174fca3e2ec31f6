// Package store defines the shared-store contract the distributed bucket
// runs against: a hash-map container with atomic refill-and-consume
// programs, key TTLs and a liveness probe.
package store

import (
	"context"
	"time"
)

// Params carries the bucket parameters every atomic program needs.
type Params struct {
	Capacity   float64
	RefillRate float64 // tokens per second
	TTL        time.Duration
}

// ConsumeResult is the outcome of the atomic consume program.
type ConsumeResult struct {
	Allowed bool
	Tokens  float64 // balance after the call, may be negative
}

// MutateResult is the outcome of the atomic penalty and reward programs.
type MutateResult struct {
	Applied float64
	Tokens  float64
	Before  float64
	Capped  bool // reward only
}

// State is a raw read of the primary key.
type State struct {
	Exists       bool
	Tokens       float64
	LastRefillMS int64
}

// Store is the backing-store contract. Implementations must be safe for
// concurrent use and must honor the caller's context deadline on every
// call. The block key is derived from the primary key by the
// implementation and owned by it.
type Store interface {
	// Name identifies the implementation ("redis", "postgres", "memory").
	// It is used as the source tag on emitted events.
	Name() string

	// Consume runs the atomic refill-and-consume program.
	// A missing key initializes to full capacity first.
	Consume(ctx context.Context, key string, p Params, cost float64) (ConsumeResult, error)

	// Penalize atomically refills then subtracts points; the balance may
	// go negative.
	Penalize(ctx context.Context, key string, p Params, points float64) (MutateResult, error)

	// Reward atomically refills then adds points, clamped at capacity.
	Reward(ctx context.Context, key string, p Params, points float64) (MutateResult, error)

	// ReadState reads the primary key without mutating it.
	ReadState(ctx context.Context, key string) (State, error)

	// WriteState atomically writes both fields of the primary key and
	// its TTL in one transaction.
	WriteState(ctx context.Context, key string, tokens float64, lastRefillMS int64, ttl time.Duration) error

	// SetBlock writes the block key with a TTL covering the block window.
	SetBlock(ctx context.Context, key string, until time.Time) error

	// BlockUntil reads the block key. ok is false when no block is set.
	BlockUntil(ctx context.Context, key string) (until time.Time, ok bool, err error)

	// ClearBlock deletes the block key and reports whether one existed.
	ClearBlock(ctx context.Context, key string) (bool, error)

	// Delete removes the primary key and its block key.
	Delete(ctx context.Context, key string) error

	// Ping probes liveness without touching any bucket state.
	Ping(ctx context.Context) error

	// Close releases the underlying client resources.
	Close() error
}
