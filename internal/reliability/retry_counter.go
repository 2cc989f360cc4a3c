package reliability

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRetryKeyPrefix namespaces retry counters in Redis
	DefaultRetryKeyPrefix = "mqpool:retry:"

	defaultRetryTTL = time.Hour
)

// RedisClient is the subset of go-redis commands the counter needs
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisRetryCounter keeps per-message retry counts in Redis so that every
// process consuming a queue sees the same count. Each key expires after the
// TTL, refreshed on every increment. Calls go through a circuit breaker; when
// Redis is unreachable they fail fast and the consumer falls back to the
// count carried in the envelope.
type RedisRetryCounter struct {
	client  RedisClient
	prefix  string
	ttl     time.Duration
	breaker *CircuitBreaker
}

// RetryCounterOption configures the counter
type RetryCounterOption func(*RedisRetryCounter)

// WithKeyPrefix sets the key namespace
func WithKeyPrefix(prefix string) RetryCounterOption {
	return func(c *RedisRetryCounter) {
		c.prefix = prefix
	}
}

// WithRetryTTL sets how long an untouched count survives
func WithRetryTTL(ttl time.Duration) RetryCounterOption {
	return func(c *RedisRetryCounter) {
		c.ttl = ttl
	}
}

// WithCircuitBreaker replaces the default breaker
func WithCircuitBreaker(cb *CircuitBreaker) RetryCounterOption {
	return func(c *RedisRetryCounter) {
		c.breaker = cb
	}
}

// NewRedisRetryCounter creates a counter on client
func NewRedisRetryCounter(client RedisClient, logger *slog.Logger, options ...RetryCounterOption) *RedisRetryCounter {
	if logger == nil {
		logger = slog.Default()
	}
	c := &RedisRetryCounter{
		client: client,
		prefix: DefaultRetryKeyPrefix,
		ttl:    defaultRetryTTL,
	}
	for _, opt := range options {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = NewCircuitBreaker("redis-retry", WithBreakerLogger(logger))
	}
	if c.ttl <= 0 {
		c.ttl = defaultRetryTTL
	}
	return c
}

func (c *RedisRetryCounter) key(guid string) string {
	return c.prefix + guid
}

// Count returns the recorded failures for guid, 0 when none
func (c *RedisRetryCounter) Count(ctx context.Context, guid string) (int, error) {
	var n int
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		v, err := c.client.Get(ctx, c.key(guid)).Int()
		if errors.Is(err, redis.Nil) {
			n = 0
			return nil
		}
		if err != nil {
			return c.storeError("get", guid, err)
		}
		n = v
		return nil
	})
	return n, err
}

// Incr records a failure for guid and returns the new count
func (c *RedisRetryCounter) Incr(ctx context.Context, guid string) (int, error) {
	var n int64
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		key := c.key(guid)
		v, err := c.client.Incr(ctx, key).Result()
		if err != nil {
			return c.storeError("incr", guid, err)
		}
		if err := c.client.Expire(ctx, key, c.ttl).Err(); err != nil {
			return c.storeError("expire", guid, err)
		}
		n = v
		return nil
	})
	return int(n), err
}

// Forget deletes the count for guid
func (c *RedisRetryCounter) Forget(ctx context.Context, guid string) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		if err := c.client.Del(ctx, c.key(guid)).Err(); err != nil {
			return c.storeError("del", guid, err)
		}
		return nil
	})
}

func (c *RedisRetryCounter) storeError(op, guid string, err error) error {
	return &StoreError{Store: "redis retry counter", Op: op, Key: c.key(guid), Err: err}
}
