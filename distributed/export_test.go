package distributed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/ratekeeper/snapshot"
	"github.com/meridianhq/ratekeeper/store/memory"
)

func TestConfigSnapshot_RoundTrip(t *testing.T) {
	ms := memory.New()
	b, err := New(Config{
		Store: ms, Key: "api:cfg", Capacity: 100, RefillRate: 10,
		TTL: 30 * time.Minute,
	})
	require.NoError(t, err)
	ctx := t.Context()

	// Live state in the store belongs to the key, not the process.
	_, err = b.TryConsume(ctx, 40)
	require.NoError(t, err)

	cfg := b.ConfigSnapshot()
	assert.Equal(t, snapshot.Version, cfg.Version)
	assert.Equal(t, snapshot.TypeDistributed, cfg.Type)
	assert.Equal(t, "api:cfg", cfg.Key)
	assert.Equal(t, 1800, cfg.TTLSeconds)

	data, err := cfg.Encode()
	require.NoError(t, err)
	decoded, err := snapshot.DecodeDistributedConfig(data)
	require.NoError(t, err)

	// A reconnected bucket sees the balance the first one left behind.
	clone, err := FromConfig(ms, decoded)
	require.NoError(t, err)
	n, err := clone.AvailableTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, 60, n)
}

func TestExportImport(t *testing.T) {
	ms := memory.New()
	b, err := New(Config{Store: ms, Key: "api:exp", Capacity: 50, RefillRate: 5})
	require.NoError(t, err)
	ctx := t.Context()

	_, err = b.TryConsume(ctx, 20)
	require.NoError(t, err)
	_, err = b.Block(ctx, time.Minute)
	require.NoError(t, err)

	ds, err := b.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, "api:exp", ds.Key)
	assert.InDelta(t, 30, ds.Tokens, 0.1)
	require.NotNil(t, ds.BlockUntil)
	assert.Equal(t, "DistributedBucket", ds.Metadata.ClassName)

	// Import into a second store under the same shape.
	other := memory.New()
	b2, err := New(Config{Store: other, Key: "api:exp", Capacity: 50, RefillRate: 5})
	require.NoError(t, err)
	require.NoError(t, b2.Import(ctx, ds))

	n, err := b2.AvailableTokens(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 30, float64(n), 1)

	blocked, err := b2.IsBlocked(ctx)
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestExport_MissingKeyIsFullBucket(t *testing.T) {
	b, err := New(Config{Store: memory.New(), Key: "api:empty", Capacity: 25, RefillRate: 1})
	require.NoError(t, err)

	ds, err := b.Export(t.Context())
	require.NoError(t, err)
	assert.Equal(t, float64(25), ds.Tokens)
	assert.Nil(t, ds.BlockUntil)
	require.NoError(t, ds.Validate())
}

func TestImport_RejectsMismatch(t *testing.T) {
	ms := memory.New()
	b, err := New(Config{Store: ms, Key: "api:mis", Capacity: 50, RefillRate: 5})
	require.NoError(t, err)
	ctx := t.Context()

	ds, err := b.Export(ctx)
	require.NoError(t, err)

	other, err := New(Config{Store: ms, Key: "api:mis2", Capacity: 60, RefillRate: 5})
	require.NoError(t, err)
	assert.Error(t, other.Import(ctx, ds))

	other, err = New(Config{Store: ms, Key: "api:mis3", Capacity: 50, RefillRate: 6})
	require.NoError(t, err)
	assert.Error(t, other.Import(ctx, ds))
}

func TestImport_RejectsInvalidSnapshot(t *testing.T) {
	b, err := New(Config{Store: memory.New(), Key: "api:bad", Capacity: 50, RefillRate: 5})
	require.NoError(t, err)

	ds, err := b.Export(t.Context())
	require.NoError(t, err)
	ds.Tokens = ds.Capacity + 1
	assert.ErrorIs(t, b.Import(t.Context(), ds), snapshot.ErrMalformed)
}

func TestFromConfig_RejectsInvalid(t *testing.T) {
	_, err := FromConfig(memory.New(), snapshot.DistributedConfig{
		Version: snapshot.Version, Type: "local", Key: "k",
		Capacity: 10, RefillRate: 1, TTLSeconds: 60,
	})
	assert.Error(t, err)
}
