package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creastat/taskflow"
	"github.com/redis/go-redis/v9"
)

// StoreType represents the type of key-value store.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
)

// NewStore creates a new Store based on the given type.
// Supports "memory" and "redis" driver types.
// For Redis, requires WithRedisClient option.
func NewStore(storeType StoreType, opts ...StoreOption) (Store, error) {
	config := &storeConfig{now: time.Now}

	for _, opt := range opts {
		opt(config)
	}

	switch storeType {
	case StoreTypeMemory:
		return &inMemoryStore{
			entries: make(map[string]memoryEntry),
			ttl:     config.ttl,
			prefix:  config.keyPrefix,
			now:     config.now,
		}, nil

	case StoreTypeRedis:
		if config.redisClient == nil {
			return nil, taskflow.ErrInvalidConfig
		}
		return &redisStore{
			client: config.redisClient,
			ttl:    config.ttl,
			prefix: config.keyPrefix,
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", taskflow.ErrInvalidStoreType, storeType)
	}
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// inMemoryStore implements Store using a mutex-guarded map.
// Expired entries are dropped lazily on access.
type inMemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	prefix  string
	now     func() time.Time
}

// CreateIfAbsent implements Store.
func (s *inMemoryStore) CreateIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, []byte, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.load(key); ok {
		return false, clone(e.value), nil
	}
	s.store(key, value, ttl)
	return true, clone(value), nil
}

// Get implements Store.
func (s *inMemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.load(key)
	if !ok {
		return nil, false, nil
	}
	return clone(e.value), true, nil
}

// Set implements Store.
func (s *inMemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.store(key, value, ttl)
	return nil
}

// CompareAndSwap implements Store.
func (s *inMemoryStore) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.load(key)
	if !ok {
		return false, taskflow.ErrNotFound
	}
	if !bytes.Equal(e.value, old) {
		return false, nil
	}
	s.store(key, value, ttl)
	return true, nil
}

// Close implements Store.
func (s *inMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]memoryEntry)
	return nil
}

// load must be called with mu held.
func (s *inMemoryStore) load(key string) (memoryEntry, bool) {
	k := s.prefix + key
	e, ok := s.entries[k]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, k)
		return memoryEntry{}, false
	}
	return e, true
}

// store must be called with mu held.
func (s *inMemoryStore) store(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	e := memoryEntry{value: clone(value)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.entries[s.prefix+key] = e
}

// redisStore implements Store on top of SET NX, GET, SET PX and WATCH/MULTI/EXEC.
type redisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// CreateIfAbsent implements Store.
func (s *redisStore) CreateIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, []byte, error) {
	k := s.key(key)
	// A lost race can observe the winner's key expiring before the GET; one
	// more SET NX round settles it.
	for attempt := 0; attempt < 2; attempt++ {
		created, err := s.client.SetNX(ctx, k, value, s.expiry(ttl)).Result()
		if err != nil {
			return false, nil, transient(err)
		}
		if created {
			return true, clone(value), nil
		}
		current, err := s.client.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return false, nil, transient(err)
		}
		return false, current, nil
	}
	return false, nil, fmt.Errorf("%w: key %q flapping between SET NX and GET", taskflow.ErrTransientStore, key)
}

// Get implements Store.
func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, transient(err)
	}
	return val, true, nil
}

// Set implements Store.
func (s *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, s.expiry(ttl)).Err(); err != nil {
		return transient(err)
	}
	return nil
}

// CompareAndSwap implements Store.
// Uses WATCH/MULTI/EXEC so a concurrent writer aborts the transaction.
func (s *redisStore) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	k := s.key(key)
	errMismatch := errors.New("value changed")

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return taskflow.ErrNotFound
		}
		if err != nil {
			return err
		}
		if !bytes.Equal(current, old) {
			return errMismatch
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, value, s.expiry(ttl))
			return nil
		})
		return err
	}, k)

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errMismatch), errors.Is(err, redis.TxFailedErr):
		return false, nil
	case errors.Is(err, taskflow.ErrNotFound):
		return false, err
	default:
		return false, transient(err)
	}
}

// Close implements Store.
func (s *redisStore) Close() error {
	return s.client.Close()
}

func (s *redisStore) key(key string) string {
	return s.prefix + key
}

func (s *redisStore) expiry(ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	return s.ttl
}

// transient marks a driver error as retryable while keeping the cause.
func transient(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", taskflow.ErrTransientStore, err)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
