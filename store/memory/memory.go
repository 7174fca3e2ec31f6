// Package memory implements the store contract in process memory. It
// exists for tests and for single-process deployments that still want
// the distributed bucket's event and failover machinery.
package memory

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/meridianhq/ratekeeper/store"
)

type bucketEntry struct {
	tokens       float64
	lastRefillMS int64
	expiresAt    time.Time
}

type blockEntry struct {
	until     time.Time
	expiresAt time.Time
}

// Store holds all state behind a single mutex; every operation is O(1)
// so the lock is never held across anything slow.
type Store struct {
	mu      sync.Mutex
	buckets map[string]bucketEntry
	blocks  map[string]blockEntry
	closed  bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		buckets: make(map[string]bucketEntry),
		blocks:  make(map[string]blockEntry),
	}
}

func (s *Store) Name() string { return "memory" }

func (s *Store) Consume(ctx context.Context, key string, p store.Params, cost float64) (store.ConsumeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "memory:consume"); err != nil {
		return store.ConsumeResult{}, err
	}

	now := time.Now()
	tokens := s.refilled(key, p, now)

	allowed := tokens >= cost
	if allowed {
		tokens -= cost
	}
	s.write(key, tokens, now, p.TTL)
	return store.ConsumeResult{Allowed: allowed, Tokens: tokens}, nil
}

func (s *Store) Penalize(ctx context.Context, key string, p store.Params, points float64) (store.MutateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "memory:penalty"); err != nil {
		return store.MutateResult{}, err
	}

	now := time.Now()
	before := s.refilled(key, p, now)
	tokens := before - points
	s.write(key, tokens, now, p.TTL)
	return store.MutateResult{Applied: points, Tokens: tokens, Before: before}, nil
}

func (s *Store) Reward(ctx context.Context, key string, p store.Params, points float64) (store.MutateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "memory:reward"); err != nil {
		return store.MutateResult{}, err
	}

	now := time.Now()
	before := s.refilled(key, p, now)
	tokens := math.Min(p.Capacity, before+points)
	s.write(key, tokens, now, p.TTL)
	return store.MutateResult{
		Applied: tokens - before,
		Tokens:  tokens,
		Before:  before,
		Capped:  before+points > p.Capacity,
	}, nil
}

func (s *Store) ReadState(ctx context.Context, key string) (store.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "memory:read-state"); err != nil {
		return store.State{}, err
	}

	entry, ok := s.liveBucket(key, time.Now())
	if !ok {
		return store.State{}, nil
	}
	return store.State{Exists: true, Tokens: entry.tokens, LastRefillMS: entry.lastRefillMS}, nil
}

func (s *Store) WriteState(ctx context.Context, key string, tokens float64, lastRefillMS int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "memory:write-state"); err != nil {
		return err
	}

	s.buckets[key] = bucketEntry{
		tokens:       tokens,
		lastRefillMS: lastRefillMS,
		expiresAt:    time.Now().Add(ttl),
	}
	return nil
}

func (s *Store) SetBlock(ctx context.Context, key string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "memory:set-block"); err != nil {
		return err
	}

	s.blocks[key] = blockEntry{
		until:     until,
		expiresAt: until.Add(time.Second),
	}
	return nil
}

func (s *Store) BlockUntil(ctx context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "memory:block-until"); err != nil {
		return time.Time{}, false, err
	}

	entry, ok := s.blocks[key]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(s.blocks, key)
		return time.Time{}, false, nil
	}
	return entry.until, true, nil
}

func (s *Store) ClearBlock(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "memory:clear-block"); err != nil {
		return false, err
	}

	_, ok := s.blocks[key]
	delete(s.blocks, key)
	return ok, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "memory:delete"); err != nil {
		return err
	}

	delete(s.buckets, key)
	delete(s.blocks, key)
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check(ctx, "memory:ping")
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// check honors caller deadlines and refuses after Close, mirroring the
// failure surface of a networked store. Callers must hold s.mu.
func (s *Store) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return store.NewUnavailableError(op, err)
	}
	if s.closed {
		return store.NewUnavailableError(op, ErrClosed)
	}
	return nil
}

// refilled returns the balance after refill, initializing a missing or
// expired entry to full capacity. Callers must hold s.mu.
func (s *Store) refilled(key string, p store.Params, now time.Time) float64 {
	entry, ok := s.liveBucket(key, now)
	if !ok {
		return p.Capacity
	}
	elapsed := float64(now.UnixMilli()-entry.lastRefillMS) / 1000
	tokens := entry.tokens
	if elapsed > 0 {
		tokens = math.Min(p.Capacity, tokens+elapsed*p.RefillRate)
	}
	return tokens
}

func (s *Store) liveBucket(key string, now time.Time) (bucketEntry, bool) {
	entry, ok := s.buckets[key]
	if !ok {
		return bucketEntry{}, false
	}
	if now.After(entry.expiresAt) {
		delete(s.buckets, key)
		return bucketEntry{}, false
	}
	return entry, true
}

func (s *Store) write(key string, tokens float64, now time.Time, ttl time.Duration) {
	s.buckets[key] = bucketEntry{
		tokens:       tokens,
		lastRefillMS: now.UnixMilli(),
		expiresAt:    now.Add(ttl),
	}
}
