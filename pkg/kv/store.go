// Package kv is the shared key-value store abstraction every core
// component uses for the in-flight guard, the dedupe/cooldown keys, and
// the schedule calendar. The only implementation is Redis-backed, but
// callers depend on the Store interface so tests can substitute an
// in-memory fake.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chainalert/runtime/internal/apperrors"
	"github.com/chainalert/runtime/internal/telemetry"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Store is the operation set every core component needs against the
// shared key-value store. Every method takes a context carrying the
// caller's deadline. RedisStore's client re-sends a command up to 3 times
// on a network error (MaxRetries) before the method fails; retry/backoff
// beyond that is the caller's responsibility (see WithRetry).
type Store interface {
	// Get returns the string value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value at key with the given TTL. A zero TTL means no
	// expiration.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value at key only if key does not already exist,
	// returning true if the set happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Incr atomically increments the integer stored at key (treating a
	// missing key as zero) and applies ttl only on the increment that
	// creates the key, returning the resulting value.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Exists reports whether key is currently set.
	Exists(ctx context.Context, key string) (bool, error)
	// Expire updates the TTL of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Delete removes key unconditionally.
	Delete(ctx context.Context, key string) error
	// DeleteIfEqual atomically deletes key only if its current value
	// equals want, returning true if the delete happened. Used to release
	// a lock only if the holder still owns it.
	DeleteIfEqual(ctx context.Context, key, want string) (bool, error)
	// ZAddScanDue adds member to the sorted-set bucket at key scored by
	// dueAtUnix, used by the Scheduler to populate the schedule calendar.
	ZAddScanDue(ctx context.Context, key, member string, dueAtUnix float64) error
	// ZRangeDue returns members of the sorted set at key scored at most
	// maxScore, used by the Scanner to find due instances.
	ZRangeDue(ctx context.Context, key string, maxScore float64) ([]string, error)
	// Close releases the underlying connection pool.
	Close() error
}

// releaseScript atomically deletes a key only if its value still matches
// the expected holder token, the same check-and-delete pattern used for
// releasing an advisory lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Config holds Redis connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// ConfigFromURL parses a redis:// or rediss:// URL, the form every binary's
// REDIS_URL setting takes, into a Config.
func ConfigFromURL(rawURL string) (Config, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return Config{}, fmt.Errorf("parse redis url: %w", err)
	}
	return Config{Addr: opts.Addr, Password: opts.Password, DB: opts.DB, PoolSize: opts.PoolSize}, nil
}

// RedisStore is the Redis-backed Store implementation.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials Redis and verifies connectivity before returning.
func NewRedisStore(ctx context.Context, cfg Config) (*RedisStore, error) {
	logger := telemetry.GetContextualLogger(ctx).WithFields(map[string]interface{}{
		"operation": "kv_connect",
		"addr":      cfg.Addr,
		"db":        cfg.DB,
	})

	client := redis.NewClient(&redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: 3,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Error("failed to connect to key-value store")
		return nil, apperrors.NewTransientIO("kv_connect", err)
	}

	logger.Info("key-value store connected")
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", apperrors.NewTransientIO("kv_get", err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return apperrors.NewTransientIO("kv_set", err)
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, apperrors.NewTransientIO("kv_setnx", err)
	}
	return ok, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	const script = `
local n = redis.call("incr", KEYS[1])
if n == 1 and tonumber(ARGV[1]) > 0 then
	redis.call("pexpire", KEYS[1], ARGV[1])
end
return n
`
	n, err := s.client.Eval(ctx, script, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, apperrors.NewTransientIO("kv_incr", err)
	}
	return n, nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, apperrors.NewTransientIO("kv_exists", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return apperrors.NewTransientIO("kv_expire", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return apperrors.NewTransientIO("kv_delete", err)
	}
	return nil
}

func (s *RedisStore) DeleteIfEqual(ctx context.Context, key, want string) (bool, error) {
	res, err := releaseScript.Run(ctx, s.client, []string{key}, want).Int64()
	if err != nil {
		return false, apperrors.NewTransientIO("kv_delete_if_equal", err)
	}
	return res == 1, nil
}

func (s *RedisStore) ZAddScanDue(ctx context.Context, key, member string, dueAtUnix float64) error {
	if err := s.client.ZAdd(ctx, key, redis.Z{Score: dueAtUnix, Member: member}).Err(); err != nil {
		return apperrors.NewTransientIO("kv_zadd", err)
	}
	return nil
}

func (s *RedisStore) ZRangeDue(ctx context.Context, key string, maxScore float64) ([]string, error) {
	members, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", maxScore),
	}).Result()
	if err != nil {
		return nil, apperrors.NewTransientIO("kv_zrange", err)
	}
	return members, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

// WithRetry retries fn with exponential backoff (100ms * 2^attempt) up to
// maxAttempts times or until ctx is done.
func WithRetry(ctx context.Context, maxAttempts int, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := fn(); err != nil {
			lastErr = err
			if !apperrors.Is(err, apperrors.ErrorTypeTransientIO) {
				return err
			}
			backoff := time.Duration(100*(1<<uint(attempt))) * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			continue
		}
		return nil
	}
	return lastErr
}
