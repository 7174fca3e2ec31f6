// Package redis backs the distributed bucket with Redis. All bucket
// mutations run as server-side Lua programs in a single round-trip;
// go-redis caches each program by SHA and falls back to the full text
// when the server does not know it.
package redis

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meridianhq/ratekeeper/store"
	"github.com/meridianhq/ratekeeper/store/redis/scripts"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

var (
	consumeScript = redis.NewScript(scripts.Consume)
	penaltyScript = redis.NewScript(scripts.Penalty)
	rewardScript  = redis.NewScript(scripts.Reward)
)

// Store implements store.Store on a Redis client.
type Store struct {
	client *redis.Client
}

// New connects a new client and verifies liveness with a ping.
func New(config Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, NewConnectionFailedError(config.Addr, err)
	}

	return &Store{client: client}, nil
}

// NewWithClient wraps an existing client. The caller keeps ownership of
// the client's lifecycle; Close is then a no-op on it.
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Name() string { return "redis" }

// GetClient exposes the underlying client, mainly for tests.
func (s *Store) GetClient() *redis.Client { return s.client }

func (s *Store) Consume(ctx context.Context, key string, p Params, cost float64) (store.ConsumeResult, error) {
	reply, err := consumeScript.Run(ctx, s.client, []string{key}, scriptArgs(p, cost)...).Result()
	if err != nil {
		return store.ConsumeResult{}, wrapOpError("redis:consume", err)
	}

	fields, err := replySlice(reply, 3)
	if err != nil {
		return store.ConsumeResult{}, err
	}
	allowed, err := replyInt(fields[0])
	if err != nil {
		return store.ConsumeResult{}, err
	}
	tokens, err := replyFloat(fields[1])
	if err != nil {
		return store.ConsumeResult{}, err
	}
	return store.ConsumeResult{Allowed: allowed == 1, Tokens: tokens}, nil
}

func (s *Store) Penalize(ctx context.Context, key string, p Params, points float64) (store.MutateResult, error) {
	reply, err := penaltyScript.Run(ctx, s.client, []string{key}, scriptArgs(p, points)...).Result()
	if err != nil {
		return store.MutateResult{}, wrapOpError("redis:penalty", err)
	}
	return parseMutateReply(reply, false)
}

func (s *Store) Reward(ctx context.Context, key string, p Params, points float64) (store.MutateResult, error) {
	reply, err := rewardScript.Run(ctx, s.client, []string{key}, scriptArgs(p, points)...).Result()
	if err != nil {
		return store.MutateResult{}, wrapOpError("redis:reward", err)
	}
	return parseMutateReply(reply, true)
}

func (s *Store) ReadState(ctx context.Context, key string) (store.State, error) {
	fields, err := s.client.HMGet(ctx, key, "tokens", "last_refill_at").Result()
	if err != nil {
		return store.State{}, wrapOpError("redis:read-state", err)
	}
	if fields[0] == nil || fields[1] == nil {
		return store.State{}, nil
	}
	tokens, err := replyFloat(fields[0])
	if err != nil {
		return store.State{}, err
	}
	lastRefill, err := replyInt(fields[1])
	if err != nil {
		return store.State{}, err
	}
	return store.State{Exists: true, Tokens: tokens, LastRefillMS: lastRefill}, nil
}

func (s *Store) WriteState(ctx context.Context, key string, tokens float64, lastRefillMS int64, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"tokens", strconv.FormatFloat(tokens, 'f', -1, 64),
		"last_refill_at", strconv.FormatInt(lastRefillMS, 10),
	)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapOpError("redis:write-state", err)
	}
	return nil
}

func (s *Store) SetBlock(ctx context.Context, key string, until time.Time) error {
	ttl := blockTTL(time.Until(until))
	value := strconv.FormatInt(until.UnixMilli(), 10)
	if err := s.client.Set(ctx, blockKey(key), value, ttl).Err(); err != nil {
		return wrapOpError("redis:set-block", err)
	}
	return nil
}

func (s *Store) BlockUntil(ctx context.Context, key string) (time.Time, bool, error) {
	value, err := s.client.Get(ctx, blockKey(key)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, wrapOpError("redis:block-until", err)
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, false, NewMalformedReplyError("redis:block-until", value)
	}
	return time.UnixMilli(ms), true, nil
}

func (s *Store) ClearBlock(ctx context.Context, key string) (bool, error) {
	removed, err := s.client.Del(ctx, blockKey(key)).Result()
	if err != nil {
		return false, wrapOpError("redis:clear-block", err)
	}
	return removed > 0, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key, blockKey(key)).Err(); err != nil {
		return wrapOpError("redis:delete", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return wrapOpError("redis:ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Params is re-exported for call-site brevity inside this package.
type Params = store.Params

func blockKey(key string) string {
	return key + ":block"
}

// blockTTL covers the whole block window plus one second so the key
// outlives the block it guards and expiry stays automatic.
func blockTTL(d time.Duration) time.Duration {
	seconds := int64(math.Ceil(float64(d.Milliseconds())/1000)) + 1
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

func scriptArgs(p store.Params, amount float64) []any {
	return []any{
		strconv.FormatFloat(p.Capacity, 'f', -1, 64),
		strconv.FormatFloat(p.RefillRate, 'f', -1, 64),
		strconv.FormatFloat(amount, 'f', -1, 64),
		time.Now().UnixMilli(),
		ttlSeconds(p.TTL),
	}
}

func ttlSeconds(ttl time.Duration) int64 {
	seconds := int64(math.Ceil(ttl.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func parseMutateReply(reply any, withCap bool) (store.MutateResult, error) {
	want := 3
	if withCap {
		want = 4
	}
	fields, err := replySlice(reply, want)
	if err != nil {
		return store.MutateResult{}, err
	}
	applied, err := replyFloat(fields[0])
	if err != nil {
		return store.MutateResult{}, err
	}
	tokens, err := replyFloat(fields[1])
	if err != nil {
		return store.MutateResult{}, err
	}
	before, err := replyFloat(fields[2])
	if err != nil {
		return store.MutateResult{}, err
	}
	res := store.MutateResult{Applied: applied, Tokens: tokens, Before: before}
	if withCap {
		capped, err := replyInt(fields[3])
		if err != nil {
			return store.MutateResult{}, err
		}
		res.Capped = capped == 1
	}
	return res, nil
}

func replySlice(reply any, want int) ([]any, error) {
	fields, ok := reply.([]any)
	if !ok || len(fields) < want {
		return nil, NewMalformedReplyError("redis:script", reply)
	}
	return fields, nil
}

func replyFloat(v any) (float64, error) {
	switch t := v.(type) {
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, NewMalformedReplyError("redis:script", v)
		}
		return f, nil
	case int64:
		return float64(t), nil
	default:
		return 0, NewMalformedReplyError("redis:script", v)
	}
}

func replyInt(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, NewMalformedReplyError("redis:script", v)
		}
		return n, nil
	default:
		return 0, NewMalformedReplyError("redis:script", v)
	}
}
