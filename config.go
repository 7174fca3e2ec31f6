package ratekeeper

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianhq/ratekeeper/distributed"
	"github.com/meridianhq/ratekeeper/events"
	"github.com/meridianhq/ratekeeper/store"
)

// Config defines a keeper: one bucket shape stamped out per dynamic key.
// Capacity and RefillRate are required; Store selects distributed mode,
// a nil Store keeps every bucket in-process.
type Config struct {
	BaseKey    string
	Capacity   float64
	RefillRate float64 // tokens per second
	TTL        time.Duration
	Store      store.Store

	// Insurance selects fail-soft behavior on store errors; it has no
	// effect without a Store.
	Insurance              bool
	InsuranceCapacity      float64
	InsuranceRefillRate    float64
	InsuranceRetryInterval time.Duration

	Bus    *events.Bus
	Logger *zerolog.Logger
}

func (c *Config) withDefaults() {
	if c.BaseKey == "" {
		c.BaseKey = "default"
	}
	if c.TTL <= 0 {
		c.TTL = distributed.DefaultTTL
	}
	if c.Bus == nil {
		c.Bus = events.NewBus()
	}
}

// Validate validates the entire configuration
func (c Config) Validate() error {
	if err := validateKey(c.BaseKey, "base key"); err != nil {
		return err
	}
	if math.IsNaN(c.Capacity) || math.IsInf(c.Capacity, 0) || c.Capacity <= 0 {
		return fmt.Errorf("capacity must be a positive finite number, got %v", c.Capacity)
	}
	if math.IsNaN(c.RefillRate) || math.IsInf(c.RefillRate, 0) || c.RefillRate <= 0 {
		return fmt.Errorf("refill rate must be a positive finite number, got %v", c.RefillRate)
	}
	if c.Insurance && c.Store == nil {
		return fmt.Errorf("insurance requires a store")
	}
	return nil
}
