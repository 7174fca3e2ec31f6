package distributed

import (
	"context"
	"math"
	"time"

	"github.com/meridianhq/ratekeeper/snapshot"
	"github.com/meridianhq/ratekeeper/store"
)

// ConfigSnapshot returns the configuration-only snapshot: enough for a
// new process to reconnect to state that is already alive in the store.
func (b *Bucket) ConfigSnapshot() snapshot.DistributedConfig {
	return snapshot.DistributedConfig{
		Version:    snapshot.Version,
		Type:       snapshot.TypeDistributed,
		Key:        b.key,
		Capacity:   b.capacity,
		RefillRate: b.refillRate,
		TTLSeconds: int(math.Ceil(b.ttl.Seconds())),
	}
}

// Export reads the live balance and block state from the store and wraps
// them in a full-state snapshot. A missing key exports as a full bucket.
// Reads have no fallback; store errors surface.
func (b *Bucket) Export(ctx context.Context) (snapshot.DistributedState, error) {
	now := time.Now()
	st, err := b.store.ReadState(ctx, b.key)
	if err != nil {
		return snapshot.DistributedState{}, err
	}

	tokens := b.capacity
	lastMS := now.UnixMilli()
	if st.Exists {
		tokens = st.Tokens
		lastMS = st.LastRefillMS
	}

	ds := snapshot.DistributedState{
		Snapshot: snapshot.Snapshot{
			Version:      snapshot.Version,
			Capacity:     b.capacity,
			Tokens:       tokens,
			RefillRate:   b.refillRate,
			LastRefillAt: lastMS,
			Metadata:     snapshot.NewMetadata("DistributedBucket"),
		},
		Type:       snapshot.TypeDistributed,
		Key:        b.key,
		TTLSeconds: int(math.Ceil(b.ttl.Seconds())),
	}

	until, ok, err := b.store.BlockUntil(ctx, b.key)
	if err != nil {
		return snapshot.DistributedState{}, err
	}
	if ok && until.After(now) {
		ms := until.UnixMilli()
		ds.BlockUntil = &ms
	}
	return ds, nil
}

// Import writes a previously exported state into the store under this
// bucket's key. The snapshot must have been taken from a bucket with the
// same capacity and refill rate. A still-live block in the snapshot is
// replicated; an expired one is dropped.
func (b *Bucket) Import(ctx context.Context, ds snapshot.DistributedState) error {
	if err := ds.Validate(); err != nil {
		return err
	}
	if ds.Capacity != b.capacity {
		return newSnapshotMismatchError("capacity differs")
	}
	if ds.RefillRate != b.refillRate {
		return newSnapshotMismatchError("refill rate differs")
	}

	if err := b.store.WriteState(ctx, b.key, ds.Tokens, ds.LastRefillAt, b.ttl); err != nil {
		return err
	}
	if ds.BlockUntil != nil {
		until := time.UnixMilli(*ds.BlockUntil)
		if until.After(time.Now()) {
			return b.store.SetBlock(ctx, b.key, until)
		}
	}
	_, err := b.store.ClearBlock(ctx, b.key)
	return err
}

// FromConfig rebuilds a bucket from a configuration-only snapshot against
// the given store. Insurance stays disabled; callers that want fail-soft
// build the Config themselves.
func FromConfig(st store.Store, cfg snapshot.DistributedConfig, opts ...func(*Config)) (*Bucket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := Config{
		Store:      st,
		Key:        cfg.Key,
		Capacity:   cfg.Capacity,
		RefillRate: cfg.RefillRate,
		TTL:        time.Duration(cfg.TTLSeconds) * time.Second,
	}
	for _, apply := range opts {
		apply(&c)
	}
	return New(c)
}
