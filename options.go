package ratekeeper

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianhq/ratekeeper/events"
	"github.com/meridianhq/ratekeeper/store"
	"github.com/meridianhq/ratekeeper/store/memory"
	"github.com/meridianhq/ratekeeper/store/postgres"
	"github.com/meridianhq/ratekeeper/store/redis"
)

// Option is a functional option for configuring the keeper
type Option func(*Config) error

// WithBaseKey sets the base key every bucket key is namespaced under
func WithBaseKey(key string) Option {
	return func(config *Config) error {
		if err := validateKey(key, "base key"); err != nil {
			return err
		}
		config.BaseKey = key
		return nil
	}
}

// WithCapacity sets the bucket capacity in tokens
func WithCapacity(capacity float64) Option {
	return func(config *Config) error {
		config.Capacity = capacity
		return nil
	}
}

// WithRefillRate sets the refill rate in tokens per second
func WithRefillRate(perSecond float64) Option {
	return func(config *Config) error {
		config.RefillRate = perSecond
		return nil
	}
}

// WithRefill sets the refill rate as tokens per interval, e.g.
// WithRefill(100, time.Minute) for 100 tokens a minute.
func WithRefill(tokens float64, per time.Duration) Option {
	return func(config *Config) error {
		if per <= 0 {
			return fmt.Errorf("refill interval must be positive, got %v", per)
		}
		config.RefillRate = tokens / per.Seconds()
		return nil
	}
}

// WithTTL sets the inactivity TTL on distributed keys
func WithTTL(ttl time.Duration) Option {
	return func(config *Config) error {
		if ttl <= 0 {
			return fmt.Errorf("ttl must be positive, got %v", ttl)
		}
		config.TTL = ttl
		return nil
	}
}

// WithStore backs every bucket with an already-constructed store
func WithStore(s store.Store) Option {
	return func(config *Config) error {
		config.Store = s
		return nil
	}
}

// WithMemoryStore backs every bucket with in-process shared storage,
// mainly for tests and single-node deployments
func WithMemoryStore() Option {
	return func(config *Config) error {
		config.Store = memory.New()
		return nil
	}
}

// WithRedisStore backs every bucket with Redis storage
func WithRedisStore(redisConfig redis.Config) Option {
	return func(config *Config) error {
		s, err := redis.New(redisConfig)
		if err != nil {
			return fmt.Errorf("failed to create Redis store: %w", err)
		}
		config.Store = s
		return nil
	}
}

// WithPostgresStore backs every bucket with PostgreSQL storage
func WithPostgresStore(postgresConfig postgres.Config) Option {
	return func(config *Config) error {
		s, err := postgres.New(postgresConfig)
		if err != nil {
			return fmt.Errorf("failed to create PostgreSQL store: %w", err)
		}
		config.Store = s
		return nil
	}
}

// WithInsurance enables the embedded fallback bucket that serves traffic
// under stricter limits while the store is unreachable
func WithInsurance() Option {
	return func(config *Config) error {
		config.Insurance = true
		return nil
	}
}

// WithInsuranceSizing overrides the default 10% insurance sizing
func WithInsuranceSizing(capacity, refillRate float64) Option {
	return func(config *Config) error {
		config.Insurance = true
		config.InsuranceCapacity = capacity
		config.InsuranceRefillRate = refillRate
		return nil
	}
}

// WithInsuranceRetryInterval sets how often a degraded bucket re-tries
// the store
func WithInsuranceRetryInterval(interval time.Duration) Option {
	return func(config *Config) error {
		if interval <= 0 {
			return fmt.Errorf("retry interval must be positive, got %v", interval)
		}
		config.InsuranceRetryInterval = interval
		return nil
	}
}

// WithBus shares an existing event bus instead of creating one
func WithBus(bus *events.Bus) Option {
	return func(config *Config) error {
		if bus == nil {
			return fmt.Errorf("bus cannot be nil")
		}
		config.Bus = bus
		return nil
	}
}

// WithLogger subscribes a structured-log observer to the event bus
func WithLogger(logger zerolog.Logger) Option {
	return func(config *Config) error {
		config.Logger = &logger
		return nil
	}
}
