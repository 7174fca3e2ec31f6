// Package distributed implements the store-backed token bucket. Every
// mutation is an atomic program on the shared store; when the store is
// unreachable, calls are served by an embedded insurance bucket under
// deliberately stricter limits.
package distributed

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/meridianhq/ratekeeper/events"
	"github.com/meridianhq/ratekeeper/local"
	"github.com/meridianhq/ratekeeper/store"
)

const (
	// DefaultTTL is the inactivity TTL on the primary key.
	DefaultTTL = time.Hour

	// DefaultInsuranceRetryInterval is how often a degraded bucket
	// re-tries the store.
	DefaultInsuranceRetryInterval = 5 * time.Second

	insuranceSizingFactor = 0.1
)

// Config describes a distributed bucket. Capacity and RefillRate are
// required; everything else has defaults.
type Config struct {
	Store      store.Store
	Key        string
	Capacity   float64
	RefillRate float64 // tokens per second
	TTL        time.Duration

	// InsuranceEnabled selects fail-soft on store errors. When false the
	// bucket fails open instead. The choice is fixed at construction.
	InsuranceEnabled       bool
	InsuranceCapacity      float64 // default max(1, floor(Capacity*0.1))
	InsuranceRefillRate    float64 // default max(0.1, RefillRate*0.1)
	InsuranceRetryInterval time.Duration

	Bus *events.Bus
}

func (c *Config) withDefaults() {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.InsuranceRetryInterval <= 0 {
		c.InsuranceRetryInterval = DefaultInsuranceRetryInterval
	}
	if c.InsuranceCapacity == 0 {
		c.InsuranceCapacity = math.Max(1, math.Floor(c.Capacity*insuranceSizingFactor))
	} else if c.InsuranceCapacity < 1 {
		// Sizing below one token would deny everything during an outage.
		c.InsuranceCapacity = 1
	}
	if c.InsuranceRefillRate <= 0 {
		c.InsuranceRefillRate = math.Max(0.1, c.RefillRate*insuranceSizingFactor)
	}
	if c.Bus == nil {
		c.Bus = events.NewBus()
	}
}

func (c Config) validate() error {
	if c.Store == nil {
		return newConfigError("store cannot be nil")
	}
	if c.Key == "" {
		return newConfigError("key cannot be empty")
	}
	if !isFinite(c.Capacity) || c.Capacity <= 0 {
		return newInvalidArgumentError("capacity", c.Capacity)
	}
	if !isFinite(c.RefillRate) || c.RefillRate <= 0 {
		return newInvalidArgumentError("refill rate", c.RefillRate)
	}
	return nil
}

// Bucket fronts one primary key and its block key on the shared store.
// It is safe for concurrent use within a process; cross-process
// coordination is the store's atomic program execution.
type Bucket struct {
	store      store.Store
	key        string
	capacity   float64
	refillRate float64
	ttl        time.Duration
	params     store.Params
	bus        *events.Bus
	sup        *supervisor

	insuranceEnabled bool
	insCapacity      float64
	insRefillRate    float64

	insMu     sync.Mutex
	insurance *local.Bucket
}

// New validates the configuration and builds the bucket. No store I/O
// happens here; the key is initialized lazily on first use.
func New(cfg Config) (*Bucket, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.withDefaults()

	b := &Bucket{
		store:            cfg.Store,
		key:              cfg.Key,
		capacity:         cfg.Capacity,
		refillRate:       cfg.RefillRate,
		ttl:              cfg.TTL,
		params:           store.Params{Capacity: cfg.Capacity, RefillRate: cfg.RefillRate, TTL: cfg.TTL},
		bus:              cfg.Bus,
		sup:              newSupervisor(cfg.InsuranceRetryInterval),
		insuranceEnabled: cfg.InsuranceEnabled,
		insCapacity:      cfg.InsuranceCapacity,
		insRefillRate:    cfg.InsuranceRefillRate,
	}
	if b.insuranceEnabled {
		b.insurance = b.newInsuranceBucket()
	}
	return b, nil
}

// Key returns the primary store key.
func (b *Bucket) Key() string { return b.key }

// Capacity returns the immutable capacity.
func (b *Bucket) Capacity() float64 { return b.capacity }

// RefillRate returns the immutable refill rate in tokens per second.
func (b *Bucket) RefillRate() float64 { return b.refillRate }

// Bus returns the bucket's event bus.
func (b *Bucket) Bus() *events.Bus { return b.bus }

// Subscribe registers an event handler and returns its subscription id.
func (b *Bucket) Subscribe(h events.Handler) string { return b.bus.Subscribe(h) }

// Unsubscribe removes a previously registered handler.
func (b *Bucket) Unsubscribe(id string) bool { return b.bus.Unsubscribe(id) }

// TryConsume attempts to take cost tokens. Store errors never surface
// here: with insurance enabled the call is served fail-soft by the
// insurance bucket, otherwise it is admitted fail-open.
func (b *Bucket) TryConsume(ctx context.Context, cost float64) (local.Result, error) {
	if !isFinite(cost) || cost <= 0 {
		return local.Result{}, newInvalidArgumentError("cost", cost)
	}
	now := time.Now()

	if !b.sup.isActive() {
		if res, blocked := b.checkBlock(ctx, now); blocked {
			b.publishDecision(res, cost, b.store.Name(), now)
			return res, nil
		}
	}

	if !b.sup.shouldAttemptStore(now) {
		return b.insuranceBucket().TryConsume(cost)
	}

	cres, err := b.store.Consume(ctx, b.key, b.params, cost)
	if err != nil {
		b.recordStoreFailure("consume", err, now)
		if !b.insuranceEnabled {
			res := local.Result{Allowed: true, Remaining: -1}
			b.publishDecision(res, cost, events.SourceFailOpen, now)
			return res, nil
		}
		return b.insuranceBucket().TryConsume(cost)
	}
	b.recordStoreSuccess(now)

	res := local.Result{Allowed: cres.Allowed, Remaining: flooredInt(cres.Tokens)}
	if !cres.Allowed {
		res.Reason = local.ReasonInsufficientTokens
		res.RetryAfter = refillWait(cost-cres.Tokens, b.refillRate)
	}
	b.publishDecision(res, cost, b.store.Name(), now)
	return res, nil
}

// Penalty removes points tokens; the balance may go negative. With
// insurance disabled a store error is surfaced.
func (b *Bucket) Penalty(ctx context.Context, points float64) (local.PenaltyResult, error) {
	if !isFinite(points) || points <= 0 {
		return local.PenaltyResult{}, newInvalidArgumentError("penalty points", points)
	}
	now := time.Now()

	if !b.sup.shouldAttemptStore(now) {
		return b.insuranceBucket().Penalty(points)
	}

	mres, err := b.store.Penalize(ctx, b.key, b.params, points)
	if err != nil {
		b.recordStoreFailure("penalty", err, now)
		if !b.insuranceEnabled {
			return local.PenaltyResult{}, err
		}
		return b.insuranceBucket().Penalty(points)
	}
	b.recordStoreSuccess(now)

	b.bus.Publish(events.Event{
		Type:      events.TypePenalty,
		Source:    b.store.Name(),
		Timestamp: now,
		Applied:   mres.Applied,
		Before:    mres.Before,
		Remaining: flooredInt(mres.Tokens),
	})
	return local.PenaltyResult{Applied: mres.Applied, Tokens: mres.Tokens, Before: mres.Before}, nil
}

// Reward adds points tokens, clamped at capacity. With insurance
// disabled a store error is surfaced.
func (b *Bucket) Reward(ctx context.Context, points float64) (local.RewardResult, error) {
	if !isFinite(points) || points <= 0 {
		return local.RewardResult{}, newInvalidArgumentError("reward points", points)
	}
	now := time.Now()

	if !b.sup.shouldAttemptStore(now) {
		return b.insuranceBucket().Reward(points)
	}

	mres, err := b.store.Reward(ctx, b.key, b.params, points)
	if err != nil {
		b.recordStoreFailure("reward", err, now)
		if !b.insuranceEnabled {
			return local.RewardResult{}, err
		}
		return b.insuranceBucket().Reward(points)
	}
	b.recordStoreSuccess(now)

	b.bus.Publish(events.Event{
		Type:      events.TypeReward,
		Source:    b.store.Name(),
		Timestamp: now,
		Applied:   mres.Applied,
		Before:    mres.Before,
		Remaining: flooredInt(mres.Tokens),
		Capped:    mres.Capped,
	})
	return local.RewardResult{Applied: mres.Applied, Tokens: mres.Tokens, Before: mres.Before, Capped: mres.Capped}, nil
}

// Block denies every TryConsume until now+d. Block state lives only in
// the shared store; if the store is unreachable while a block should be
// in effect, the insurance path fails open for block state (the capacity
// limit still applies there).
func (b *Bucket) Block(ctx context.Context, d time.Duration) (time.Time, error) {
	if d <= 0 {
		return time.Time{}, newInvalidArgumentError("block duration", d.Seconds())
	}
	now := time.Now()
	until := now.Add(d)
	if err := b.store.SetBlock(ctx, b.key, until); err != nil {
		return time.Time{}, err
	}
	b.bus.Publish(events.Event{
		Type:          events.TypeBlocked,
		Source:        b.store.Name(),
		Timestamp:     now,
		BlockDuration: d,
		BlockUntil:    until,
	})
	return until, nil
}

// Unblock deletes the block key unconditionally and reports whether a
// block was in effect.
func (b *Bucket) Unblock(ctx context.Context) (bool, error) {
	now := time.Now()
	was, err := b.store.ClearBlock(ctx, b.key)
	if err != nil {
		return false, err
	}
	b.bus.Publish(events.Event{
		Type:       events.TypeUnblocked,
		Source:     b.store.Name(),
		Timestamp:  now,
		WasBlocked: was,
	})
	return was, nil
}

// IsBlocked reads the block key, resolving an expired block on the way.
func (b *Bucket) IsBlocked(ctx context.Context) (bool, error) {
	until, ok, err := b.store.BlockUntil(ctx, b.key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if !until.After(time.Now()) {
		_, _ = b.store.ClearBlock(ctx, b.key)
		return false, nil
	}
	return true, nil
}

// BlockRemaining returns the time left on the current block, or zero.
func (b *Bucket) BlockRemaining(ctx context.Context) (time.Duration, error) {
	until, ok, err := b.store.BlockUntil(ctx, b.key)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	if !ok || !until.After(now) {
		return 0, nil
	}
	return until.Sub(now), nil
}

// AvailableTokens reads the balance after a client-side refill
// projection. While degraded it reports the insurance bucket's balance.
// Reads do not participate in failover accounting.
func (b *Bucket) AvailableTokens(ctx context.Context) (int, error) {
	if b.sup.isActive() {
		return b.insuranceBucket().AvailableTokens(), nil
	}
	tokens, err := b.projectedTokens(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	return flooredInt(tokens), nil
}

// TimeUntilNextToken returns how long until at least one whole token is
// available, or zero if one already is.
func (b *Bucket) TimeUntilNextToken(ctx context.Context) (time.Duration, error) {
	if b.sup.isActive() {
		return b.insuranceBucket().TimeUntilNextToken(), nil
	}
	tokens, err := b.projectedTokens(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if tokens >= 1 {
		return 0, nil
	}
	return refillWait(1-tokens, b.refillRate), nil
}

// State reads a point-in-time view from the store. It may surface a
// store error; unlike the consume path there is no fallback for reads.
func (b *Bucket) State(ctx context.Context) (local.State, error) {
	now := time.Now()
	tokens, err := b.projectedTokens(ctx, now)
	if err != nil {
		return local.State{}, err
	}
	s := local.State{
		Capacity:        b.capacity,
		RefillRate:      b.refillRate,
		Tokens:          tokens,
		AvailableTokens: flooredInt(tokens),
		LastRefillAt:    now,
	}
	if until, ok, err := b.store.BlockUntil(ctx, b.key); err == nil && ok && until.After(now) {
		s.Blocked = true
		s.BlockRemaining = until.Sub(now)
	}
	return s, nil
}

// Reset refills the bucket to full capacity and clears any block.
func (b *Bucket) Reset(ctx context.Context) error {
	return b.ResetTo(ctx, b.capacity)
}

// ResetTo writes a fresh balance and refill instant to the store using
// the same transaction shape as the atomic programs.
func (b *Bucket) ResetTo(ctx context.Context, tokens float64) error {
	if !isFinite(tokens) || tokens < 0 || tokens > b.capacity {
		return newResetRangeError(tokens, b.capacity)
	}
	now := time.Now()

	old := b.capacity
	if st, err := b.store.ReadState(ctx, b.key); err == nil && st.Exists {
		old = st.Tokens
	}

	if err := b.store.WriteState(ctx, b.key, tokens, now.UnixMilli(), b.ttl); err != nil {
		return err
	}
	_, _ = b.store.ClearBlock(ctx, b.key)

	b.bus.Publish(events.Event{
		Type:      events.TypeReset,
		Source:    b.store.Name(),
		Timestamp: now,
		OldTokens: old,
		NewTokens: tokens,
		Capacity:  b.capacity,
	})
	return nil
}

// Delete removes the primary key and the block key. There is no
// fallback; store errors surface.
func (b *Bucket) Delete(ctx context.Context) error {
	return b.store.Delete(ctx, b.key)
}

// HealthCheck probes the store. It never returns an error and never
// touches the supervisor: it is a probe, not an accounting event.
func (b *Bucket) HealthCheck(ctx context.Context) bool {
	return b.store.Ping(ctx) == nil
}

// ForceInsurance manually overrides the failover state machine. It
// reports whether the state changed; a change emits the matching
// insurance-on/off event with reason "manual".
func (b *Bucket) ForceInsurance(active bool) bool {
	if !b.insuranceEnabled {
		return false
	}
	now := time.Now()
	if !b.sup.force(active, now) {
		return false
	}
	if active {
		b.bus.Publish(events.Event{
			Type:                events.TypeInsuranceOn,
			Timestamp:           now,
			FailureReason:       "manual",
			InsuranceCapacity:   b.insCapacity,
			InsuranceRefillRate: b.insRefillRate,
		})
	} else {
		b.bus.Publish(events.Event{
			Type:          events.TypeInsuranceOff,
			Timestamp:     now,
			FailureReason: "manual",
		})
	}
	return true
}

// InsuranceEnabled reports the construction-time failure stance.
func (b *Bucket) InsuranceEnabled() bool { return b.insuranceEnabled }

// InsuranceState exposes the embedded insurance bucket for
// observability. ok is false when insurance is disabled.
func (b *Bucket) InsuranceState() (local.State, bool) {
	if !b.insuranceEnabled {
		return local.State{}, false
	}
	return b.insuranceBucket().State(), true
}

// Supervisor returns an observability snapshot of the failover machine.
func (b *Bucket) Supervisor() SupervisorState {
	return b.sup.state()
}

// checkBlock resolves the block key before routing a consume. Read
// errors are ignored here: block state is documented fail-open, and the
// consume attempt itself drives failover accounting.
func (b *Bucket) checkBlock(ctx context.Context, now time.Time) (local.Result, bool) {
	until, ok, err := b.store.BlockUntil(ctx, b.key)
	if err != nil || !ok {
		return local.Result{}, false
	}
	if !until.After(now) {
		_, _ = b.store.ClearBlock(ctx, b.key)
		return local.Result{}, false
	}
	return local.Result{
		Allowed:    false,
		Reason:     local.ReasonBlocked,
		RetryAfter: until.Sub(now),
	}, true
}

// recordStoreSuccess drives the Degraded→Healthy edge. On recovery the
// insurance bucket is replaced with a fresh full one so fallback state
// does not leak into the recovered regime, then exactly one
// insurance-off is emitted.
func (b *Bucket) recordStoreSuccess(now time.Time) {
	if !b.insuranceEnabled {
		return
	}
	recovered, total := b.sup.recordSuccess(now)
	if !recovered {
		return
	}
	b.resetInsurance()
	b.bus.Publish(events.Event{
		Type:          events.TypeInsuranceOff,
		Timestamp:     now,
		FailureReason: "store-recovered",
		TotalFailures: total,
	})
}

// recordStoreFailure emits store-error and drives the Healthy→Degraded
// edge, emitting insurance-on exactly once per failover cycle.
func (b *Bucket) recordStoreFailure(op string, err error, now time.Time) {
	b.bus.Publish(events.Event{
		Type:      events.TypeStoreError,
		Source:    b.store.Name(),
		Timestamp: now,
		Operation: op,
		Err:       err,
	})
	if !b.insuranceEnabled {
		return
	}
	activated, failures := b.sup.recordFailure(now)
	if !activated {
		return
	}
	b.bus.Publish(events.Event{
		Type:                events.TypeInsuranceOn,
		Timestamp:           now,
		FailureReason:       "store-error",
		Err:                 err,
		FailureCount:        failures,
		InsuranceCapacity:   b.insCapacity,
		InsuranceRefillRate: b.insRefillRate,
	})
}

// projectedTokens reads the primary key and applies the refill formula
// client-side. A missing key projects to full capacity.
func (b *Bucket) projectedTokens(ctx context.Context, now time.Time) (float64, error) {
	st, err := b.store.ReadState(ctx, b.key)
	if err != nil {
		return 0, err
	}
	if !st.Exists {
		return b.capacity, nil
	}
	tokens := st.Tokens
	elapsed := float64(now.UnixMilli()-st.LastRefillMS) / 1000
	if elapsed > 0 {
		tokens = math.Min(b.capacity, tokens+elapsed*b.refillRate)
	}
	return tokens, nil
}

func (b *Bucket) insuranceBucket() *local.Bucket {
	b.insMu.Lock()
	defer b.insMu.Unlock()
	return b.insurance
}

func (b *Bucket) resetInsurance() {
	fresh := b.newInsuranceBucket()
	b.insMu.Lock()
	b.insurance = fresh
	b.insMu.Unlock()
}

func (b *Bucket) newInsuranceBucket() *local.Bucket {
	// Config validation guarantees the sizing is in range.
	bucket, err := local.New(b.insCapacity, b.insRefillRate,
		local.WithBus(b.bus),
		local.WithSource(events.SourceInsurance),
	)
	if err != nil {
		panic(err)
	}
	return bucket
}

func (b *Bucket) publishDecision(res local.Result, cost float64, source string, now time.Time) {
	e := events.Event{
		Source:    source,
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
