// Package snapshot implements the versioned serialize/restore format for
// bucket state. The wire form is JSON and is stable across processes; a
// snapshot taken by one implementation must restore in another.
package snapshot

import (
	"encoding/json"
	"math"
	"time"
)

// Version is the only snapshot version this codec reads or writes.
const Version = 1

// TypeDistributed marks the distributed snapshot shapes.
const TypeDistributed = "distributed"

// Metadata carries provenance information. It is informational only and
// not validated beyond being present.
type Metadata struct {
	SerializedAt string `json:"serialized_at"`
	ClassName    string `json:"class_name"`
}

// Snapshot is the persisted form of a bucket.
// Tokens may be negative (debt); it may never exceed Capacity.
type Snapshot struct {
	Version      int      `json:"version"`
	Capacity     float64  `json:"capacity"`
	Tokens       float64  `json:"tokens"`
	RefillRate   float64  `json:"refill_rate"`
	LastRefillAt int64    `json:"last_refill_at"` // epoch milliseconds
	BlockUntil   *int64   `json:"block_until"`    // epoch milliseconds, nil when unblocked
	Metadata     Metadata `json:"metadata"`
}

// NewMetadata builds metadata for a snapshot taken now.
func NewMetadata(className string) Metadata {
	return Metadata{
		SerializedAt: time.Now().UTC().Format(time.RFC3339),
		ClassName:    className,
	}
}

// Validate checks all invariants the codec enforces on restore.
func (s Snapshot) Validate() error {
	if s.Version != Version {
		return newVersionError(s.Version)
	}
	if !isFinite(s.Capacity) || s.Capacity <= 0 {
		return newFieldError("capacity", "must be a positive finite number")
	}
	if !isFinite(s.RefillRate) || s.RefillRate <= 0 {
		return newFieldError("refill_rate", "must be a positive finite number")
	}
	if !isFinite(s.Tokens) {
		return newFieldError("tokens", "must be a finite number")
	}
	if s.Tokens > s.Capacity {
		return newFieldError("tokens", "must not exceed capacity")
	}
	if s.LastRefillAt <= 0 {
		return newFieldError("last_refill_at", "must be a positive epoch-millisecond instant")
	}
	if s.BlockUntil != nil && *s.BlockUntil <= 0 {
		return newFieldError("block_until", "must be a positive epoch-millisecond instant")
	}
	return nil
}

// Encode serializes the snapshot to its JSON wire form.
func (s Snapshot) Encode() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

// Decode parses and validates a snapshot from its JSON wire form.
func Decode(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, newDecodeError(err)
	}
	if err := s.Validate(); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// DistributedConfig is the configuration-only snapshot of a distributed
// bucket: enough to reconnect a new process to state that is already alive
// in the shared store.
type DistributedConfig struct {
	Version    int     `json:"version"`
	Type       string  `json:"type"`
	Key        string  `json:"key"`
	Capacity   float64 `json:"capacity"`
	RefillRate float64 `json:"refill_rate"`
	TTLSeconds int     `json:"ttl"`
}

// Validate checks the configuration-only shape.
func (c DistributedConfig) Validate() error {
	if c.Version != Version {
		return newVersionError(c.Version)
	}
	if c.Type != TypeDistributed {
		return newFieldError("type", `must be "distributed"`)
	}
	if c.Key == "" {
		return newFieldError("key", "must not be empty")
	}
	if !isFinite(c.Capacity) || c.Capacity <= 0 {
		return newFieldError("capacity", "must be a positive finite number")
	}
	if !isFinite(c.RefillRate) || c.RefillRate <= 0 {
		return newFieldError("refill_rate", "must be a positive finite number")
	}
	if c.TTLSeconds <= 0 {
		return newFieldError("ttl", "must be positive")
	}
	return nil
}

// Encode serializes the configuration-only snapshot.
func (c DistributedConfig) Encode() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

// DecodeDistributedConfig parses and validates a configuration-only snapshot.
func DecodeDistributedConfig(data []byte) (DistributedConfig, error) {
	var c DistributedConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return DistributedConfig{}, newDecodeError(err)
	}
	if err := c.Validate(); err != nil {
		return DistributedConfig{}, err
	}
	return c, nil
}

// DistributedState is the full-state export of a distributed bucket:
// the bucket snapshot plus the store key it was read from.
type DistributedState struct {
	Snapshot
	Type       string `json:"type"`
	Key        string `json:"key"`
	TTLSeconds int    `json:"ttl"`
}

// Validate checks the full-state shape.
func (d DistributedState) Validate() error {
	if err := d.Snapshot.Validate(); err != nil {
		return err
	}
	if d.Type != TypeDistributed {
		return newFieldError("type", `must be "distributed"`)
	}
	if d.Key == "" {
		return newFieldError("key", "must not be empty")
	}
	if d.TTLSeconds <= 0 {
		return newFieldError("ttl", "must be positive")
	}
	return nil
}

// Encode serializes the full-state export.
func (d DistributedState) Encode() ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(d)
}

// DecodeDistributedState parses and validates a full-state export.
func DecodeDistributedState(data []byte) (DistributedState, error) {
	var d DistributedState
	if err := json.Unmarshal(data, &d); err != nil {
		return DistributedState{}, newDecodeError(err)
	}
	if err := d.Validate(); err != nil {
		return DistributedState{}, err
	}
	return d, nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
