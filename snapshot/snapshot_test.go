package snapshot

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSnapshot() Snapshot {
	return Snapshot{
		Version:      Version,
		Capacity:     10,
		Tokens:       4.5,
		RefillRate:   1,
		LastRefillAt: time.Now().UnixMilli(),
		Metadata:     NewMetadata("LocalBucket"),
	}
}

func TestSnapshot_EncodeDecode(t *testing.T) {
	s := validSnapshot()
	until := time.Now().Add(time.Minute).UnixMilli()
	s.BlockUntil = &until

	data, err := s.Encode()
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, s.Capacity, got.Capacity)
	assert.Equal(t, s.Tokens, got.Tokens)
	assert.Equal(t, s.RefillRate, got.RefillRate)
	assert.Equal(t, s.LastRefillAt, got.LastRefillAt)
	require.NotNil(t, got.BlockUntil)
	assert.Equal(t, until, *got.BlockUntil)
	assert.Equal(t, "LocalBucket", got.Metadata.ClassName)
}

func TestSnapshot_NegativeTokensAreValid(t *testing.T) {
	s := validSnapshot()
	s.Tokens = -25

	data, err := s.Encode()
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, float64(-25), got.Tokens)
}

func TestSnapshot_Validate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Snapshot)
	}{
		{"tokens above capacity", func(s *Snapshot) { s.Tokens = s.Capacity + 0.1 }},
		{"nan tokens", func(s *Snapshot) { s.Tokens = math.NaN() }},
		{"inf tokens", func(s *Snapshot) { s.Tokens = math.Inf(1) }},
		{"zero capacity", func(s *Snapshot) { s.Capacity = 0 }},
		{"negative capacity", func(s *Snapshot) { s.Capacity = -1; s.Tokens = -2 }},
		{"zero refill rate", func(s *Snapshot) { s.RefillRate = 0 }},
		{"missing last refill", func(s *Snapshot) { s.LastRefillAt = 0 }},
		{"bad block until", func(s *Snapshot) { z := int64(0); s.BlockUntil = &z }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := validSnapshot()
			tc.mutate(&s)
			assert.ErrorIs(t, s.Validate(), ErrMalformed)
		})
	}
}

func TestSnapshot_UnknownVersion(t *testing.T) {
	for _, v := range []int{0, 2, 99} {
		s := validSnapshot()
		s.Version = v
		assert.ErrorIs(t, s.Validate(), ErrUnknownVersion)
	}
}

func TestDecode_MalformedJSON(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte(`{"version":1}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDistributedConfig_RoundTrip(t *testing.T) {
	c := DistributedConfig{
		Version:    Version,
		Type:       TypeDistributed,
		Key:        "api:user42",
		Capacity:   100,
		RefillRate: 10,
		TTLSeconds: 3600,
	}

	data, err := c.Encode()
	require.NoError(t, err)

	got, err := DecodeDistributedConfig(data)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestDistributedConfig_Validate(t *testing.T) {
	base := DistributedConfig{
		Version:    Version,
		Type:       TypeDistributed,
		Key:        "k",
		Capacity:   10,
		RefillRate: 1,
		TTLSeconds: 60,
	}

	c := base
	c.Type = "local"
	assert.Error(t, c.Validate())

	c = base
	c.Key = ""
	assert.Error(t, c.Validate())

	c = base
	c.TTLSeconds = 0
	assert.Error(t, c.Validate())

	c = base
	c.Version = 3
	assert.ErrorIs(t, c.Validate(), ErrUnknownVersion)
}

func TestDistributedState_RoundTrip(t *testing.T) {
	d := DistributedState{
		Snapshot: Snapshot{
			Version:      Version,
			Capacity:     50,
			Tokens:       12.5,
			RefillRate:   5,
			LastRefillAt: time.Now().UnixMilli(),
			Metadata:     NewMetadata("DistributedBucket"),
		},
		Type:       TypeDistributed,
		Key:        "api:tenant7",
		TTLSeconds: 1800,
	}

	data, err := d.Encode()
	require.NoError(t, err)

	got, err := DecodeDistributedState(data)
	require.NoError(t, err)
	assert.Equal(t, d.Key, got.Key)
	assert.Equal(t, d.Tokens, got.Tokens)
	assert.Equal(t, d.TTLSeconds, got.TTLSeconds)
}

func TestDistributedState_Validate(t *testing.T) {
	d := DistributedState{
		Snapshot:   validSnapshot(),
		Type:       TypeDistributed,
		Key:        "k",
		TTLSeconds: 60,
	}
	require.NoError(t, d.Validate())

	d.Type = ""
	assert.Error(t, d.Validate())

	d.Type = TypeDistributed
	d.Tokens = d.Capacity * 2
	assert.Error(t, d.Validate())
}
