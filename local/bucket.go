// Package local implements the in-process token bucket: refill, penalty,
// reward, time-based block and snapshot, with no I/O on any path.
package local

import (
	"math"
	"sync"
	"time"

	"github.com/meridianhq/ratekeeper/events"
	"github.com/meridianhq/ratekeeper/snapshot"
)

const className = "LocalBucket"

// Bucket is a mutex-guarded token bucket. All operations are O(1),
// never block on I/O and are safe for concurrent use.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64 // tokens per second
	tokens     float64
	lastRefill time.Time
	blockUntil time.Time // zero when no block is in effect

	bus    *events.Bus
	source string
}

// Option configures a Bucket at construction time.
type Option func(*Bucket)

// WithBus attaches an event bus; every mutator publishes exactly one
// business event to it.
func WithBus(bus *events.Bus) Option {
	return func(b *Bucket) { b.bus = bus }
}

// WithSource overrides the source tag carried on emitted events.
// The embedded insurance bucket of a distributed bucket uses this.
func WithSource(source string) Option {
	return func(b *Bucket) { b.source = source }
}

// New creates a full bucket. Capacity and refillRate must be positive
// and finite; refillRate is in tokens per second.
func New(capacity, refillRate float64, opts ...Option) (*Bucket, error) {
	if !isFinite(capacity) || capacity <= 0 {
		return nil, newInvalidArgumentError("capacity", capacity)
	}
	if !isFinite(refillRate) || refillRate <= 0 {
		return nil, newInvalidArgumentError("refill rate", refillRate)
	}
	b := &Bucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		lastRefill: time.Now(),
		source:     events.SourceLocal,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// FromSnapshot reconstructs a bucket from a validated snapshot.
func FromSnapshot(s snapshot.Snapshot, opts ...Option) (*Bucket, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	b, err := New(s.Capacity, s.RefillRate, opts...)
	if err != nil {
		return nil, err
	}
	b.applySnapshot(s)
	return b, nil
}

// Capacity returns the immutable capacity.
func (b *Bucket) Capacity() float64 { return b.capacity }

// RefillRate returns the immutable refill rate in tokens per second.
func (b *Bucket) RefillRate() float64 { return b.refillRate }

// TryConsume attempts to take cost tokens from the bucket. Cost must be
// positive and finite. A denial is reported in the Result, not as an error.
func (b *Bucket) TryConsume(cost float64) (Result, error) {
	if !isFinite(cost) || cost <= 0 {
		return Result{}, newInvalidArgumentError("cost", cost)
	}

	b.mu.Lock()
	now := time.Now()

	if until, blocked := b.resolveBlock(now); blocked {
		res := Result{
			Allowed:    false,
			Remaining:  flooredInt(b.tokens),
			RetryAfter: until.Sub(now),
			Reason:     ReasonBlocked,
		}
		b.mu.Unlock()
		b.publishDecision(res, cost, now)
		return res, nil
	}

	b.refill(now)

	var res Result
	if b.tokens >= cost {
		b.tokens -= cost
		res = Result{Allowed: true, Remaining: flooredInt(b.tokens)}
	} else {
		res = Result{
			Allowed:    false,
			Remaining:  flooredInt(b.tokens),
			RetryAfter: refillWait(cost-b.tokens, b.refillRate),
			Reason:     ReasonInsufficientTokens,
		}
	}
	b.mu.Unlock()
	b.publishDecision(res, cost, now)
	return res, nil
}

// Penalty removes points tokens from the bucket. The balance may go
// negative; debt is paid down by subsequent refills.
func (b *Bucket) Penalty(points float64) (PenaltyResult, error) {
	if !isFinite(points) || points <= 0 {
		return PenaltyResult{}, newInvalidArgumentError("penalty points", points)
	}

	b.mu.Lock()
	now := time.Now()
	b.refill(now)
	before := b.tokens
	b.tokens -= points
	res := PenaltyResult{Applied: points, Tokens: b.tokens, Before: before}
	b.mu.Unlock()

	b.bus.Publish(events.Event{
		Type:      events.TypePenalty,
		Source:    b.source,
		Timestamp: now,
		Applied:   res.Applied,
		Before:    res.Before,
		Remaining: flooredInt(res.Tokens),
	})
	return res, nil
}

// Reward adds points tokens to the bucket, clamped at capacity.
func (b *Bucket) Reward(points float64) (RewardResult, error) {
	if !isFinite(points) || points <= 0 {
		return RewardResult{}, newInvalidArgumentError("reward points", points)
	}

	b.mu.Lock()
	now := time.Now()
	b.refill(now)
	before := b.tokens
	b.tokens = math.Min(b.capacity, b.tokens+points)
	res := RewardResult{
		Applied: b.tokens - before,
		Tokens:  b.tokens,
		Before:  before,
		Capped:  before+points > b.capacity,
	}
	b.mu.Unlock()

	b.bus.Publish(events.Event{
		Type:      events.TypeReward,
		Source:    b.source,
		Timestamp: now,
		Applied:   res.Applied,
		Before:    res.Before,
		Remaining: flooredInt(res.Tokens),
		Capped:    res.Capped,
	})
	return res, nil
}

// Block denies every TryConsume until now+d, regardless of token count.
// It returns the absolute unblock instant.
func (b *Bucket) Block(d time.Duration) (time.Time, error) {
	if d <= 0 {
		return time.Time{}, newInvalidArgumentError("block duration", d.Seconds())
	}

	b.mu.Lock()
	now := time.Now()
	until := now.Add(d)
	b.blockUntil = until
	b.mu.Unlock()

	b.bus.Publish(events.Event{
		Type:          events.TypeBlocked,
		Source:        b.source,
		Timestamp:     now,
		BlockDuration: d,
		BlockUntil:    until,
	})
	return until, nil
}

// Unblock clears any block and reports whether one was in effect.
func (b *Bucket) Unblock() bool {
	b.mu.Lock()
	now := time.Now()
	_, was := b.resolveBlock(now)
	b.blockUntil = time.Time{}
	b.mu.Unlock()

	b.bus.Publish(events.Event{
		Type:       events.TypeUnblocked,
		Source:     b.source,
		Timestamp:  now,
		WasBlocked: was,
	})
	return was
}

// IsBlocked reports whether a block is currently in effect, resolving an
// expired block on the way. It emits no event.
func (b *Bucket) IsBlocked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, blocked := b.resolveBlock(time.Now())
	return blocked
}

// BlockRemaining returns the time left on the current block, or zero.
func (b *Bucket) BlockRemaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if until, blocked := b.resolveBlock(now); blocked {
		return until.Sub(now)
	}
	return 0
}

// AvailableTokens returns the integer token balance after refill.
func (b *Bucket) AvailableTokens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(time.Now())
	return flooredInt(b.tokens)
}

// TimeUntilNextToken returns how long until at least one whole token is
// available, or zero if one already is.
func (b *Bucket) TimeUntilNextToken() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(time.Now())
	if b.tokens >= 1 {
		return 0
	}
	return refillWait(1-b.tokens, b.refillRate)
}

// Reset refills the bucket to full capacity and clears any block.
func (b *Bucket) Reset() {
	// Range is validated, so the error path is unreachable.
	_ = b.ResetTo(b.capacity)
}

// ResetTo sets the balance to tokens (within [0, capacity]), restarts the
// refill clock and clears any block. Clearing the block is part of reset's
// contract.
func (b *Bucket) ResetTo(tokens float64) error {
	if !isFinite(tokens) || tokens < 0 || tokens > b.capacity {
		return newResetRangeError(tokens, b.capacity)
	}

	b.mu.Lock()
	now := time.Now()
	old := b.tokens
	b.tokens = tokens
	b.lastRefill = now
	b.blockUntil = time.Time{}
	b.mu.Unlock()

	b.bus.Publish(events.Event{
		Type:      events.TypeReset,
		Source:    b.source,
		Timestamp: now,
		OldTokens: old,
		NewTokens: tokens,
		Capacity:  b.capacity,
	})
	return nil
}

// State returns a consistent view of the bucket after refill.
func (b *Bucket) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.refill(now)
	s := State{
		Capacity:        b.capacity,
		RefillRate:      b.refillRate,
		Tokens:          b.tokens,
		AvailableTokens: flooredInt(b.tokens),
		LastRefillAt:    b.lastRefill,
	}
	if until, blocked := b.resolveBlock(now); blocked {
		s.Blocked = true
		s.BlockRemaining = until.Sub(now)
	}
	return s
}

// Snapshot captures the bucket's state for persistence or migration.
// It does not advance the refill clock; the refill formula makes the
// snapshot equivalent under any later restore time.
func (b *Bucket) Snapshot() snapshot.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := snapshot.Snapshot{
		Version:      snapshot.Version,
		Capacity:     b.capacity,
		Tokens:       b.tokens,
		RefillRate:   b.refillRate,
		LastRefillAt: b.lastRefill.UnixMilli(),
		Metadata:     snapshot.NewMetadata(className),
	}
	if !b.blockUntil.IsZero() {
		until := b.blockUntil.UnixMilli()
		s.BlockUntil = &until
	}
	return s
}

// Restore replaces the bucket's entire state from a validated snapshot,
// including capacity and refill rate. It emits no event.
func (b *Bucket) Restore(s snapshot.Snapshot) error {
	if err := s.Validate(); err != nil {
		return err
	}
	b.applySnapshot(s)
	return nil
}

func (b *Bucket) applySnapshot(s snapshot.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.capacity = s.Capacity
	b.refillRate = s.RefillRate
	b.tokens = s.Tokens
	b.lastRefill = time.UnixMilli(s.LastRefillAt)
	if s.BlockUntil != nil {
		b.blockUntil = time.UnixMilli(*s.BlockUntil)
	} else {
		b.blockUntil = time.Time{}
	}
}

// refill advances the balance by elapsed wall-clock time. The capacity
// clamp fires here and only here; a negative balance is paid down before
// the clamp applies. Callers must hold b.mu.
func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
	}
	b.lastRefill = now
}

// resolveBlock lazily expires a past block. Callers must hold b.mu.
func (b *Bucket) resolveBlock(now time.Time) (time.Time, bool) {
	if b.blockUntil.IsZero() {
		return time.Time{}, false
	}
	if !b.blockUntil.After(now) {
		b.blockUntil = time.Time{}
		return time.Time{}, false
	}
	return b.blockUntil, true
}

func (b *Bucket) publishDecision(res Result, cost float64, now time.Time) {
	e := events.Event{
		Source:    b.source,
		Timestamp: now,
		Remaining: res.Remaining,
		Cost:      cost,
	}
	if res.Allowed {
		e.Type = events.TypeAllowed
	} else {
		e.Type = events.TypeDenied
		e.RetryAfter = res.RetryAfter
		e.Reason = res.Reason
	}
	b.bus.Publish(e)
}

// refillWait is the time needed to accumulate deficit tokens, rounded up
// to the next millisecond.
func refillWait(deficit, rate float64) time.Duration {
	ms := math.Ceil(deficit / rate * 1000)
	return time.Duration(ms) * time.Millisecond
}

func flooredInt(tokens float64) int {
	return int(math.Floor(tokens))
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
