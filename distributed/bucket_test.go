package distributed

import (
	"context"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/ratekeeper/events"
	"github.com/meridianhq/ratekeeper/local"
	"github.com/meridianhq/ratekeeper/store"
	"github.com/meridianhq/ratekeeper/store/memory"
)

// flakyStore wraps the memory store with switchable failure injection
// and counts atomic-program invocations that reach it.
type flakyStore struct {
	*memory.Store
	mu       sync.Mutex
	failing  bool
	programs int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{Store: memory.New()}
}

func (f *flakyStore) fail(on bool) {
	f.mu.Lock()
	f.failing = on
	f.mu.Unlock()
}

func (f *flakyStore) programCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.programs
}

func (f *flakyStore) attempt(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.programs++
	if f.failing {
		return store.NewUnavailableError(op, nil)
	}
	return nil
}

func (f *flakyStore) Consume(ctx context.Context, key string, p store.Params, cost float64) (store.ConsumeResult, error) {
	if err := f.attempt("flaky:consume"); err != nil {
		return store.ConsumeResult{}, err
	}
	return f.Store.Consume(ctx, key, p, cost)
}

func (f *flakyStore) Penalize(ctx context.Context, key string, p store.Params, points float64) (store.MutateResult, error) {
	if err := f.attempt("flaky:penalty"); err != nil {
		return store.MutateResult{}, err
	}
	return f.Store.Penalize(ctx, key, p, points)
}

func (f *flakyStore) Reward(ctx context.Context, key string, p store.Params, points float64) (store.MutateResult, error) {
	if err := f.attempt("flaky:reward"); err != nil {
		return store.MutateResult{}, err
	}
	return f.Store.Reward(ctx, key, p, points)
}

func (f *flakyStore) Ping(ctx context.Context) error {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return store.NewUnavailableError("flaky:ping", nil)
	}
	return f.Store.Ping(ctx)
}

type eventLog struct {
	mu  sync.Mutex
	all []events.Event
}

func (l *eventLog) record(e events.Event) {
	l.mu.Lock()
	l.all = append(l.all, e)
	l.mu.Unlock()
}

func (l *eventLog) ofType(t events.Type) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, e := range l.all {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func setupBucket(t *testing.T, insurance bool) (*Bucket, *flakyStore, *eventLog) {
	t.Helper()
	fs := newFlakyStore()
	bus := events.NewBus()
	log := &eventLog{}
	bus.Subscribe(log.record)

	b, err := New(Config{
		Store:            fs,
		Key:              "api:tenant1",
		Capacity:         100,
		RefillRate:       10,
		InsuranceEnabled: insurance,
		Bus:              bus,
	})
	require.NoError(t, err)
	return b, fs, log
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Key: "k", Capacity: 10, RefillRate: 1})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{Store: memory.New(), Capacity: 10, RefillRate: 1})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{Store: memory.New(), Key: "k", Capacity: 0, RefillRate: 1})
	assert.ErrorIs(t, err, local.ErrInvalidArgument)

	_, err = New(Config{Store: memory.New(), Key: "k", Capacity: 10, RefillRate: -1})
	assert.ErrorIs(t, err, local.ErrInvalidArgument)
}

func TestTryConsume_StorePath(t *testing.T) {
	b, _, log := setupBucket(t, true)
	ctx := t.Context()

	res, err := b.TryConsume(ctx, 30)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 70, res.Remaining)

	allowed := log.ofType(events.TypeAllowed)
	require.Len(t, allowed, 1)
	assert.Equal(t, "memory", allowed[0].Source)
	assert.Equal(t, float64(30), allowed[0].Cost)
}

func TestTryConsume_DenyOnStore(t *testing.T) {
	b, _, log := setupBucket(t, true)
	ctx := t.Context()

	_, err := b.TryConsume(ctx, 100)
	require.NoError(t, err)

	res, err := b.TryConsume(ctx, 50)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, local.ReasonInsufficientTokens, res.Reason)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	denied := log.ofType(events.TypeDenied)
	require.Len(t, denied, 1)
	assert.Equal(t, "memory", denied[0].Source)
}

func TestFailover_SingleInsuranceOn(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b, fs, log := setupBucket(t, true)
		ctx := t.Context()
		fs.fail(true)

		// First call crosses into degraded and is served by insurance.
		res, err := b.TryConsume(ctx, 1)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.True(t, b.Supervisor().Active)

		// Insurance sizing is 10% of the primary.
		on := log.ofType(events.TypeInsuranceOn)
		require.Len(t, on, 1)
		assert.Equal(t, "store-error", on[0].FailureReason)
		assert.Equal(t, float64(10), on[0].InsuranceCapacity)
		assert.Equal(t, float64(1), on[0].InsuranceRefillRate)

		require.Len(t, log.ofType(events.TypeStoreError), 1)

		// Calls inside the retry interval never reach the store.
		before := fs.programCalls()
		for i := 0; i < 5; i++ {
			_, err := b.TryConsume(ctx, 1)
			require.NoError(t, err)
		}
		assert.Equal(t, before, fs.programCalls())

		// Still exactly one insurance-on for the whole cycle.
		assert.Len(t, log.ofType(events.TypeInsuranceOn), 1)
	})
}

func TestFailover_InsuranceEnforcesReducedLimits(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b, fs, _ := setupBucket(t, true)
		ctx := t.Context()
		fs.fail(true)

		// Insurance capacity is 10; the 11th call is denied even though
		// the primary bucket would have admitted it.
		allowed := 0
		for i := 0; i < 11; i++ {
			res, err := b.TryConsume(ctx, 1)
			require.NoError(t, err)
			if res.Allowed {
				allowed++
			}
		}
		assert.Equal(t, 10, allowed)
	})
}

func TestFailover_ProbeFailureStaysDegraded(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b, fs, log := setupBucket(t, true)
		ctx := t.Context()
		fs.fail(true)

		_, err := b.TryConsume(ctx, 1)
		require.NoError(t, err)
		require.True(t, b.Supervisor().Active)

		// After the retry interval one call probes the store again.
		time.Sleep(DefaultInsuranceRetryInterval)
		before := fs.programCalls()
		_, err = b.TryConsume(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, before+1, fs.programCalls())

		// A failed probe re-arms the interval without a second
		// insurance-on.
		assert.True(t, b.Supervisor().Active)
		assert.Len(t, log.ofType(events.TypeInsuranceOn), 1)

		before = fs.programCalls()
		_, err = b.TryConsume(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, before, fs.programCalls())
	})
}

func TestRecovery_SingleInsuranceOffAndFreshInsurance(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b, fs, log := setupBucket(t, true)
		ctx := t.Context()
		fs.fail(true)

		// Fail over and drain part of the insurance bucket.
		for i := 0; i < 6; i++ {
			_, err := b.TryConsume(ctx, 1)
			require.NoError(t, err)
		}
		st, ok := b.InsuranceState()
		require.True(t, ok)
		assert.Equal(t, 4, st.AvailableTokens)

		// Store comes back; the next probe succeeds and recovers.
		fs.fail(false)
		time.Sleep(DefaultInsuranceRetryInterval)

		res, err := b.TryConsume(ctx, 1)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.False(t, b.Supervisor().Active)

		off := log.ofType(events.TypeInsuranceOff)
		require.Len(t, off, 1)
		assert.Equal(t, "store-recovered", off[0].FailureReason)
		assert.Equal(t, 1, off[0].TotalFailures)

		// The insurance bucket is full again for the next outage.
		st, ok = b.InsuranceState()
		require.True(t, ok)
		assert.Equal(t, 10, st.AvailableTokens)

		// Healthy traffic flows to the store without further events.
		assert.Len(t, log.ofType(events.TypeInsuranceOn), 1)
		assert.Len(t, log.ofType(events.TypeInsuranceOff), 1)
	})
}

func TestFailOpen_WhenInsuranceDisabled(t *testing.T) {
	b, fs, log := setupBucket(t, false)
	ctx := t.Context()
	fs.fail(true)

	res, err := b.TryConsume(ctx, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, -1, res.Remaining)
	assert.False(t, b.Supervisor().Active)

	allowed := log.ofType(events.TypeAllowed)
	require.Len(t, allowed, 1)
	assert.Equal(t, events.SourceFailOpen, allowed[0].Source)

	// Without a fallback, penalty and reward surface the store error.
	_, err = b.Penalty(ctx, 1)
	assert.True(t, store.IsUnavailable(err))
	_, err = b.Reward(ctx, 1)
	assert.True(t, store.IsUnavailable(err))

	assert.Empty(t, log.ofType(events.TypeInsuranceOn))
}

func TestPenaltyReward_InsuranceRouting(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b, fs, _ := setupBucket(t, true)
		ctx := t.Context()
		fs.fail(true)

		pres, err := b.Penalty(ctx, 15)
		require.NoError(t, err)
		assert.Equal(t, float64(-5), pres.Tokens) // insurance capacity 10

		rres, err := b.Reward(ctx, 100)
		require.NoError(t, err)
		assert.True(t, rres.Capped)
		assert.Equal(t, float64(10), rres.Tokens)
	})
}

func TestPenalty_StorePath(t *testing.T) {
	b, _, log := setupBucket(t, true)
	ctx := t.Context()

	pres, err := b.Penalty(ctx, 130)
	require.NoError(t, err)
	assert.Equal(t, float64(100), pres.Before)
	assert.Equal(t, float64(-30), pres.Tokens)

	res, err := b.TryConsume(ctx, 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	require.Len(t, log.ofType(events.TypePenalty), 1)
}

func TestReward_StorePath(t *testing.T) {
	b, _, log := setupBucket(t, true)
	ctx := t.Context()

	_, err := b.TryConsume(ctx, 40)
	require.NoError(t, err)

	rres, err := b.Reward(ctx, 200)
	require.NoError(t, err)
	assert.True(t, rres.Capped)
	assert.Equal(t, float64(100), rres.Tokens)

	rewards := log.ofType(events.TypeReward)
	require.Len(t, rewards, 1)
	assert.True(t, rewards[0].Capped)
}

func TestBlock_StorePath(t *testing.T) {
	b, _, log := setupBucket(t, true)
	ctx := t.Context()

	until, err := b.Block(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, until.After(time.Now()))

	blocked, err := b.IsBlocked(ctx)
	require.NoError(t, err)
	assert.True(t, blocked)

	remaining, err := b.BlockRemaining(ctx)
	require.NoError(t, err)
	assert.Greater(t, remaining, 50*time.Second)

	res, err := b.TryConsume(ctx, 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, local.ReasonBlocked, res.Reason)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	was, err := b.Unblock(ctx)
	require.NoError(t, err)
	assert.True(t, was)

	res, err = b.TryConsume(ctx, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	require.Len(t, log.ofType(events.TypeBlocked), 1)
	require.Len(t, log.ofType(events.TypeUnblocked), 1)
}

func TestBlock_InvalidDuration(t *testing.T) {
	b, _, _ := setupBucket(t, true)
	_, err := b.Block(t.Context(), 0)
	assert.ErrorIs(t, err, local.ErrInvalidArgument)
}

func TestHealthCheck_DoesNotTouchSupervisor(t *testing.T) {
	b, fs, log := setupBucket(t, true)
	ctx := t.Context()

	assert.True(t, b.HealthCheck(ctx))

	fs.fail(true)
	assert.False(t, b.HealthCheck(ctx))

	// A failed probe is not an accounting event.
	assert.False(t, b.Supervisor().Active)
	assert.Empty(t, log.ofType(events.TypeInsuranceOn))
	assert.Empty(t, log.ofType(events.TypeStoreError))
}

func TestForceInsurance(t *testing.T) {
	b, fs, log := setupBucket(t, true)
	ctx := t.Context()

	changed := b.ForceInsurance(true)
	assert.True(t, changed)
	assert.True(t, b.Supervisor().Active)

	// Healthy store, but traffic is now served by insurance.
	before := fs.programCalls()
	res, err := b.TryConsume(ctx, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, before, fs.programCalls())

	// Forcing the same state again is a no-op.
	assert.False(t, b.ForceInsurance(true))

	assert.True(t, b.ForceInsurance(false))
	assert.False(t, b.Supervisor().Active)

	on := log.ofType(events.TypeInsuranceOn)
	require.Len(t, on, 1)
	assert.Equal(t, "manual", on[0].FailureReason)
	off := log.ofType(events.TypeInsuranceOff)
	require.Len(t, off, 1)
	assert.Equal(t, "manual", off[0].FailureReason)
}

func TestForceInsurance_DisabledIsNoop(t *testing.T) {
	b, _, _ := setupBucket(t, false)
	assert.False(t, b.ForceInsurance(true))
}

func TestInsuranceSizing(t *testing.T) {
	fs := newFlakyStore()

	b, err := New(Config{
		Store: fs, Key: "k", Capacity: 100, RefillRate: 10,
		InsuranceEnabled: true,
	})
	require.NoError(t, err)
	st, ok := b.InsuranceState()
	require.True(t, ok)
	assert.Equal(t, float64(10), st.Capacity)
	assert.Equal(t, float64(1), st.RefillRate)

	// Tiny primaries floor at one token and a tenth of a token per second.
	b, err = New(Config{
		Store: fs, Key: "k2", Capacity: 3, RefillRate: 0.5,
		InsuranceEnabled: true,
	})
	require.NoError(t, err)
	st, _ = b.InsuranceState()
	assert.Equal(t, float64(1), st.Capacity)
	assert.Equal(t, 0.1, st.RefillRate)

	// An explicit sizing below one token is raised to one.
	b, err = New(Config{
		Store: fs, Key: "k3", Capacity: 100, RefillRate: 10,
		InsuranceEnabled: true, InsuranceCapacity: 0.2, InsuranceRefillRate: 2,
	})
	require.NoError(t, err)
	st, _ = b.InsuranceState()
	assert.Equal(t, float64(1), st.Capacity)
	assert.Equal(t, float64(2), st.RefillRate)
}

func TestInsuranceState_DisabledReportsFalse(t *testing.T) {
	b, _, _ := setupBucket(t, false)
	_, ok := b.InsuranceState()
	assert.False(t, ok)
}

func TestResetAndState(t *testing.T) {
	b, _, log := setupBucket(t, true)
	ctx := t.Context()

	_, err := b.TryConsume(ctx, 60)
	require.NoError(t, err)
	_, err = b.Block(ctx, time.Minute)
	require.NoError(t, err)

	require.NoError(t, b.Reset(ctx))

	st, err := b.State(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 100, st.Tokens, 0.1)
	assert.False(t, st.Blocked)

	resets := log.ofType(events.TypeReset)
	require.Len(t, resets, 1)
	assert.InDelta(t, 40, resets[0].OldTokens, 0.1)
	assert.Equal(t, float64(100), resets[0].NewTokens)
}

func TestResetTo_Range(t *testing.T) {
	b, _, _ := setupBucket(t, true)
	ctx := t.Context()

	require.NoError(t, b.ResetTo(ctx, 0))
	require.NoError(t, b.ResetTo(ctx, 100))
	assert.ErrorIs(t, b.ResetTo(ctx, -1), local.ErrInvalidArgument)
	assert.ErrorIs(t, b.ResetTo(ctx, 101), local.ErrInvalidArgument)
}

func TestAvailableTokensAndTimeUntilNextToken(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b, _, _ := setupBucket(t, true)
		ctx := t.Context()

		// A missing key projects to a full bucket.
		n, err := b.AvailableTokens(ctx)
		require.NoError(t, err)
		assert.Equal(t, 100, n)

		_, err = b.TryConsume(ctx, 100)
		require.NoError(t, err)

		n, err = b.AvailableTokens(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		wait, err := b.TimeUntilNextToken(ctx)
		require.NoError(t, err)
		assert.Equal(t, 100*time.Millisecond, wait)

		// Reads are projected client-side without writing.
		time.Sleep(time.Second)
		n, err = b.AvailableTokens(ctx)
		require.NoError(t, err)
		assert.Equal(t, 10, n)
	})
}

func TestDelete(t *testing.T) {
	b, fs, _ := setupBucket(t, true)
	ctx := t.Context()

	_, err := b.TryConsume(ctx, 30)
	require.NoError(t, err)
	require.NoError(t, b.Delete(ctx))

	st, err := fs.ReadState(ctx, "api:tenant1")
	require.NoError(t, err)
	assert.False(t, st.Exists)
}

func TestTryConsume_InvalidCost(t *testing.T) {
	b, _, _ := setupBucket(t, true)
	_, err := b.TryConsume(t.Context(), 0)
	assert.ErrorIs(t, err, local.ErrInvalidArgument)
	_, err = b.TryConsume(t.Context(), -3)
	assert.ErrorIs(t, err, local.ErrInvalidArgument)
}
