// Package ratekeeper is a token-bucket rate limiter with penalties,
// rewards, time-based blocks and snapshot/restore. Buckets live either
// in-process or on a shared store (Redis or PostgreSQL); store-backed
// buckets can carry an insurance fallback that keeps limiting during a
// store outage.
package ratekeeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meridianhq/ratekeeper/distributed"
	"github.com/meridianhq/ratekeeper/events"
	"github.com/meridianhq/ratekeeper/local"
	"github.com/meridianhq/ratekeeper/utils/builderpool"
)

// Result and friends are re-exported so most callers only import this
// package.
type (
	Result        = local.Result
	PenaltyResult = local.PenaltyResult
	RewardResult  = local.RewardResult
	State         = local.State
)

// Bucket is the per-key limiter surface. In-process and store-backed
// buckets implement it identically; the context is ignored by the
// in-process kind.
type Bucket interface {
	TryConsume(ctx context.Context, cost float64) (Result, error)
	Penalty(ctx context.Context, points float64) (PenaltyResult, error)
	Reward(ctx context.Context, points float64) (RewardResult, error)
	Block(ctx context.Context, d time.Duration) (time.Time, error)
	Unblock(ctx context.Context) (bool, error)
	IsBlocked(ctx context.Context) (bool, error)
	AvailableTokens(ctx context.Context) (int, error)
	TimeUntilNextToken(ctx context.Context) (time.Duration, error)
	State(ctx context.Context) (State, error)
	Reset(ctx context.Context) error
}

// Keeper stamps out one bucket per dynamic key, all sharing one
// configuration, one event bus and (in distributed mode) one store.
type Keeper struct {
	config     Config
	bus        *events.Bus
	buckets    sync.Map // dynamic key -> Bucket
	basePrefix string   // cached BaseKey + ":" for fast key construction
	logSub     string
}

// New creates a new keeper with functional options
func New(opts ...Option) (*Keeper, error) {
	var config Config
	for _, opt := range opts {
		if err := opt(&config); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	k := &Keeper{
		config:     config,
		bus:        config.Bus,
		basePrefix: config.BaseKey + ":",
	}
	if config.Logger != nil {
		k.logSub = k.bus.Subscribe(events.NewLogObserver(*config.Logger))
	}
	return k, nil
}

// Bucket returns the limiter for a dynamic key, creating it on first
// use. An empty key maps to "default".
func (k *Keeper) Bucket(key string) (Bucket, error) {
	if key == "" {
		key = "default"
	}
	if err := validateKey(key, "dynamic key"); err != nil {
		return nil, err
	}

	if v, ok := k.buckets.Load(key); ok {
		return v.(Bucket), nil
	}

	b, err := k.newBucket(key)
	if err != nil {
		return nil, err
	}
	actual, _ := k.buckets.LoadOrStore(key, b)
	return actual.(Bucket), nil
}

// Allow consumes one token for key. It is the common fast path.
func (k *Keeper) Allow(ctx context.Context, key string) (Result, error) {
	return k.TryConsume(ctx, key, 1)
}

// TryConsume consumes cost tokens for key.
func (k *Keeper) TryConsume(ctx context.Context, key string, cost float64) (Result, error) {
	b, err := k.Bucket(key)
	if err != nil {
		return Result{}, err
	}
	return b.TryConsume(ctx, cost)
}

// Penalty removes points tokens from key's bucket; the balance may go
// negative.
func (k *Keeper) Penalty(ctx context.Context, key string, points float64) (PenaltyResult, error) {
	b, err := k.Bucket(key)
	if err != nil {
		return PenaltyResult{}, err
	}
	return b.Penalty(ctx, points)
}

// Reward adds points tokens to key's bucket, clamped at capacity.
func (k *Keeper) Reward(ctx context.Context, key string, points float64) (RewardResult, error) {
	b, err := k.Bucket(key)
	if err != nil {
		return RewardResult{}, err
	}
	return b.Reward(ctx, points)
}

// Block denies every consume for key until the duration elapses.
func (k *Keeper) Block(ctx context.Context, key string, d time.Duration) (time.Time, error) {
	b, err := k.Bucket(key)
	if err != nil {
		return time.Time{}, err
	}
	return b.Block(ctx, d)
}

// Unblock clears any block on key's bucket.
func (k *Keeper) Unblock(ctx context.Context, key string) (bool, error) {
	b, err := k.Bucket(key)
	if err != nil {
		return false, err
	}
	return b.Unblock(ctx)
}

// State returns a point-in-time view of key's bucket.
func (k *Keeper) State(ctx context.Context, key string) (State, error) {
	b, err := k.Bucket(key)
	if err != nil {
		return State{}, err
	}
	return b.State(ctx)
}

// Reset refills key's bucket and clears any block.
func (k *Keeper) Reset(ctx context.Context, key string) error {
	b, err := k.Bucket(key)
	if err != nil {
		return err
	}
	return b.Reset(ctx)
}

// Delete drops key's bucket from the keeper and, in distributed mode,
// from the store.
func (k *Keeper) Delete(ctx context.Context, key string) error {
	v, ok := k.buckets.LoadAndDelete(key)
	if !ok {
		return nil
	}
	if db, ok := v.(*distributed.Bucket); ok {
		return db.Delete(ctx)
	}
	return nil
}

// HealthCheck probes the store. In-process mode is always healthy.
func (k *Keeper) HealthCheck(ctx context.Context) bool {
	if k.config.Store == nil {
		return true
	}
	return k.config.Store.Ping(ctx) == nil
}

// Capacity returns the configured per-key capacity.
func (k *Keeper) Capacity() float64 { return k.config.Capacity }

// RefillRate returns the configured refill rate in tokens per second.
func (k *Keeper) RefillRate() float64 { return k.config.RefillRate }

// Bus returns the shared event bus.
func (k *Keeper) Bus() *events.Bus { return k.bus }

// Subscribe registers an event handler on the shared bus.
func (k *Keeper) Subscribe(h events.Handler) string { return k.bus.Subscribe(h) }

// Unsubscribe removes a previously registered handler.
func (k *Keeper) Unsubscribe(id string) bool { return k.bus.Unsubscribe(id) }

// Close cleans up resources used by the keeper
func (k *Keeper) Close() error {
	if k.logSub != "" {
		k.bus.Unsubscribe(k.logSub)
		k.logSub = ""
	}
	if k.config.Store != nil {
		return k.config.Store.Close()
	}
	return nil
}

func (k *Keeper) newBucket(key string) (Bucket, error) {
	if k.config.Store == nil {
		lb, err := local.New(k.config.Capacity, k.config.RefillRate, local.WithBus(k.bus))
		if err != nil {
			return nil, err
		}
		return localBucket{lb}, nil
	}

	return distributed.New(distributed.Config{
		Store:                  k.config.Store,
		Key:                    k.storeKey(key),
		Capacity:               k.config.Capacity,
		RefillRate:             k.config.RefillRate,
		TTL:                    k.config.TTL,
		InsuranceEnabled:       k.config.Insurance,
		InsuranceCapacity:      k.config.InsuranceCapacity,
		InsuranceRefillRate:    k.config.InsuranceRefillRate,
		InsuranceRetryInterval: k.config.InsuranceRetryInterval,
		Bus:                    k.bus,
	})
}

func (k *Keeper) storeKey(key string) string {
	sb := builderpool.Get()
	defer builderpool.Put(sb)

	sb.WriteString(k.basePrefix)
	sb.WriteString(key)
	return sb.String()
}

// localBucket adapts the in-process bucket to the context-taking Bucket
// surface. None of its operations touch I/O, so the context is unused.
type localBucket struct {
	b *local.Bucket
}

func (w localBucket) TryConsume(_ context.Context, cost float64) (Result, error) {
	return w.b.TryConsume(cost)
}

func (w localBucket) Penalty(_ context.Context, points float64) (PenaltyResult, error) {
	return w.b.Penalty(points)
}

func (w localBucket) Reward(_ context.Context, points float64) (RewardResult, error) {
	return w.b.Reward(points)
}

func (w localBucket) Block(_ context.Context, d time.Duration) (time.Time, error) {
	return w.b.Block(d)
}

func (w localBucket) Unblock(_ context.Context) (bool, error) {
	return w.b.Unblock(), nil
}

func (w localBucket) IsBlocked(_ context.Context) (bool, error) {
	return w.b.IsBlocked(), nil
}

func (w localBucket) AvailableTokens(_ context.Context) (int, error) {
	return w.b.AvailableTokens(), nil
}

func (w localBucket) TimeUntilNextToken(_ context.Context) (time.Duration, error) {
	return w.b.TimeUntilNextToken(), nil
}

func (w localBucket) State(_ context.Context) (State, error) {
	return w.b.State(), nil
}

func (w localBucket) Reset(_ context.Context) error {
	w.b.Reset()
	return nil
}
