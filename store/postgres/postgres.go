// Package postgres backs the distributed bucket with PostgreSQL. The
// refill-and-consume sequence runs inside a single transaction holding a
// row lock, which gives the same atomicity as the Redis-side program.
package postgres

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianhq/ratekeeper/store"
)

type Config struct {
	ConnString string
	MaxConns   int32
	MinConns   int32
}

// Store implements store.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New builds a pool, verifies connectivity and bootstraps the tables.
func New(config Config) (*Store, error) {
	if config.MaxConns == 0 {
		config.MaxConns = 10
	}
	if config.MinConns == 0 {
		config.MinConns = 2
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnString)
	if err != nil {
		return nil, NewConfigError(err)
	}
	poolConfig.MaxConns = config.MaxConns
	poolConfig.MinConns = config.MinConns

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, NewConnectionFailedError(err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, NewConnectionFailedError(err)
	}
	if err := createTables(context.Background(), pool); err != nil {
		pool.Close()
		return nil, NewBootstrapError(err)
	}

	return &Store{pool: pool}, nil
}

func createTables(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ratekeeper_buckets (
			key TEXT PRIMARY KEY,
			tokens DOUBLE PRECISION NOT NULL,
			last_refill_at BIGINT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS ratekeeper_blocks (
			key TEXT PRIMARY KEY,
			until_ms BIGINT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)
	`)
	return err
}

func (s *Store) Name() string { return "postgres" }

// GetPool exposes the underlying pool, mainly for tests.
func (s *Store) GetPool() *pgxpool.Pool { return s.pool }

func (s *Store) Consume(ctx context.Context, key string, p store.Params, cost float64) (store.ConsumeResult, error) {
	var res store.ConsumeResult
	err := s.withBucket(ctx, "postgres:consume", key, p, func(tokens float64) float64 {
		res.Allowed = tokens >= cost
		if res.Allowed {
			tokens -= cost
		}
		res.Tokens = tokens
		return tokens
	})
	if err != nil {
		return store.ConsumeResult{}, err
	}
	return res, nil
}

func (s *Store) Penalize(ctx context.Context, key string, p store.Params, points float64) (store.MutateResult, error) {
	var res store.MutateResult
	err := s.withBucket(ctx, "postgres:penalty", key, p, func(tokens float64) float64 {
		res = store.MutateResult{Applied: points, Tokens: tokens - points, Before: tokens}
		return res.Tokens
	})
	if err != nil {
		return store.MutateResult{}, err
	}
	return res, nil
}

func (s *Store) Reward(ctx context.Context, key string, p store.Params, points float64) (store.MutateResult, error) {
	var res store.MutateResult
	err := s.withBucket(ctx, "postgres:reward", key, p, func(tokens float64) float64 {
		after := math.Min(p.Capacity, tokens+points)
		res = store.MutateResult{
			Applied: after - tokens,
			Tokens:  after,
			Before:  tokens,
			Capped:  tokens+points > p.Capacity,
		}
		return after
	})
	if err != nil {
		return store.MutateResult{}, err
	}
	return res, nil
}

// withBucket runs mutate inside a transaction: read the row under a lock,
// refill, apply the mutation, upsert the result with a fresh TTL.
func (s *Store) withBucket(ctx context.Context, op, key string, p store.Params, mutate func(tokens float64) float64) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapOpError(op, err)
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	nowMS := now.UnixMilli()

	var tokens float64
	var lastRefillMS int64
	var expiresAt time.Time
	err = tx.QueryRow(ctx, `
		SELECT tokens, last_refill_at, expires_at
		FROM ratekeeper_buckets
		WHERE key = $1
		FOR UPDATE
	`, key).Scan(&tokens, &lastRefillMS, &expiresAt)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		tokens = p.Capacity
	case err != nil:
		return wrapOpError(op, err)
	case now.After(expiresAt):
		// A lapsed row is the same as a missing one.
		tokens = p.Capacity
	default:
		elapsed := float64(nowMS-lastRefillMS) / 1000
		if elapsed > 0 {
			tokens = math.Min(p.Capacity, tokens+elapsed*p.RefillRate)
		}
	}

	tokens = mutate(tokens)

	_, err = tx.Exec(ctx, `
		INSERT INTO ratekeeper_buckets (key, tokens, last_refill_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			tokens = EXCLUDED.tokens,
			last_refill_at = EXCLUDED.last_refill_at,
			expires_at = EXCLUDED.expires_at
	`, key, tokens, nowMS, now.Add(p.TTL))
	if err != nil {
		return wrapOpError(op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return wrapOpError(op, err)
	}
	return nil
}

func (s *Store) ReadState(ctx context.Context, key string) (store.State, error) {
	var st store.State
	var expiresAt time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT tokens, last_refill_at, expires_at
		FROM ratekeeper_buckets
		WHERE key = $1
	`, key).Scan(&st.Tokens, &st.LastRefillMS, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.State{}, nil
	}
	if err != nil {
		return store.State{}, wrapOpError("postgres:read-state", err)
	}
	if time.Now().After(expiresAt) {
		return store.State{}, nil
	}
	st.Exists = true
	return st, nil
}

func (s *Store) WriteState(ctx context.Context, key string, tokens float64, lastRefillMS int64, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ratekeeper_buckets (key, tokens, last_refill_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			tokens = EXCLUDED.tokens,
			last_refill_at = EXCLUDED.last_refill_at,
			expires_at = EXCLUDED.expires_at
	`, key, tokens, lastRefillMS, time.Now().Add(ttl))
	if err != nil {
		return wrapOpError("postgres:write-state", err)
	}
	return nil
}

func (s *Store) SetBlock(ctx context.Context, key string, until time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ratekeeper_blocks (key, until_ms, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			until_ms = EXCLUDED.until_ms,
			expires_at = EXCLUDED.expires_at
	`, key, until.UnixMilli(), until.Add(time.Second))
	if err != nil {
		return wrapOpError("postgres:set-block", err)
	}
	return nil
}

func (s *Store) BlockUntil(ctx context.Context, key string) (time.Time, bool, error) {
	var untilMS int64
	var expiresAt time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT until_ms, expires_at FROM ratekeeper_blocks WHERE key = $1
	`, key).Scan(&untilMS, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, wrapOpError("postgres:block-until", err)
	}
	if time.Now().After(expiresAt) {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(untilMS), true, nil
}

func (s *Store) ClearBlock(ctx context.Context, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ratekeeper_blocks WHERE key = $1`, key)
	if err != nil {
		return false, wrapOpError("postgres:clear-block", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `
		WITH b AS (DELETE FROM ratekeeper_buckets WHERE key = $1)
		DELETE FROM ratekeeper_blocks WHERE key = $1
	`, key)
	if err != nil {
		return wrapOpError("postgres:delete", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return wrapOpError("postgres:ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
