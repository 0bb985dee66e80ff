package kv

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// StoreOption is a functional option for configuring a key-value store.
type StoreOption func(*storeConfig)

// storeConfig holds configuration for key-value stores.
type storeConfig struct {
	redisClient *redis.Client
	ttl         time.Duration
	keyPrefix   string
	now         func() time.Time
}

// WithRedisClient sets the Redis client for the Redis store.
func WithRedisClient(client *redis.Client) StoreOption {
	return func(c *storeConfig) {
		c.redisClient = client
	}
}

// WithTTL sets the default expiry applied when a call passes a zero ttl.
// A zero default means keys never expire.
func WithTTL(ttl time.Duration) StoreOption {
	return func(c *storeConfig) {
		c.ttl = ttl
	}
}

// WithKeyPrefix namespaces every key, e.g. "taskflow:".
func WithKeyPrefix(prefix string) StoreOption {
	return func(c *storeConfig) {
		c.keyPrefix = prefix
	}
}

// WithClock overrides the time source used by the memory store for expiry.
func WithClock(now func() time.Time) StoreOption {
	return func(c *storeConfig) {
		c.now = now
	}
}
