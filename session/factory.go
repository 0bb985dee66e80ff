package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creastat/taskflow"
	"github.com/redis/go-redis/v9"
)

// StoreType represents the type of session store.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
)

const (
	// Redis key prefix for sessions
	sessionKeyPrefix = "session:"
	// Default TTL for session keys, matching the chat quiescence window.
	defaultTTL = 15 * time.Minute
)

// NewStore creates a new session Store based on the given type.
// Supports "memory" and "redis" driver types.
// For Redis, requires WithRedisClient option.
func NewStore(storeType StoreType, opts ...StoreOption) (Store, error) {
	config := &storeConfig{now: time.Now}

	// Apply options
	for _, opt := range opts {
		opt(config)
	}

	switch storeType {
	case StoreTypeMemory:
		return &inMemoryStore{
			sessions: make(map[string]Session),
			idleTTL:  config.idleTTL,
			now:      config.now,
		}, nil

	case StoreTypeRedis:
		if config.redisClient == nil {
			return nil, taskflow.ErrInvalidConfig
		}
		ttl := config.redisTTL
		if ttl <= 0 {
			ttl = defaultTTL
		}
		return &redisStore{
			client: config.redisClient,
			ttl:    ttl,
			now:    config.now,
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", taskflow.ErrInvalidStoreType, storeType)
	}
}

// inMemoryStore implements Store using an in-memory map with optimistic locking.
// Values are copied in and out so callers never share slices with the store.
type inMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	idleTTL  time.Duration
	now      func() time.Time
}

// Create implements Store.
func (s *inMemoryStore) Create(ctx context.Context, data *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.live(data.Key); exists {
		return taskflow.ErrVersionConflict
	}

	now := s.now()
	data.CreatedAt = now
	data.UpdatedAt = now
	data.Version = 1

	s.sessions[data.Key] = data.clone()
	return nil
}

// Get implements Store.
func (s *inMemoryStore) Get(ctx context.Context, key string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, exists := s.live(key)
	if !exists {
		return nil, nil
	}
	out := data.clone()
	return &out, nil
}

// Update implements Store.
func (s *inMemoryStore) Update(ctx context.Context, data *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.live(data.Key)
	if !exists {
		return taskflow.ErrNotFound
	}

	if stored.Version != data.Version {
		return taskflow.ErrVersionConflict
	}

	data.Version++
	data.UpdatedAt = s.now()

	s.sessions[data.Key] = data.clone()
	return nil
}

// Delete implements Store.
func (s *inMemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, key)
	return nil
}

// Close implements Store.
func (s *inMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = make(map[string]Session)
	return nil
}

// live must be called with mu held. It evicts idle sessions.
func (s *inMemoryStore) live(key string) (Session, bool) {
	data, exists := s.sessions[key]
	if !exists {
		return Session{}, false
	}
	if s.idleTTL > 0 && s.now().Sub(data.UpdatedAt) > s.idleTTL {
		delete(s.sessions, key)
		return Session{}, false
	}
	return data, true
}

// redisStore implements Store using Redis with optimistic locking.
type redisStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// Create implements Store.
func (s *redisStore) Create(ctx context.Context, data *Session) error {
	key := sessionKeyPrefix + data.Key
	now := s.now()
	data.CreatedAt = now
	data.UpdatedAt = now
	data.Version = 1

	val, err := json.Marshal(data)
	if err != nil {
		return err
	}

	created, err := s.client.SetNX(ctx, key, val, s.ttl).Result()
	if err != nil {
		return transient(err)
	}
	if !created {
		return taskflow.ErrVersionConflict
	}
	return nil
}

// Get implements Store.
func (s *redisStore) Get(ctx context.Context, key string) (*Session, error) {
	k := sessionKeyPrefix + key
	val, err := s.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, transient(err)
	}

	var data Session
	if err := json.Unmarshal(val, &data); err != nil {
		return nil, err
	}

	// Refresh TTL on read
	_ = s.client.Expire(ctx, k, s.ttl).Err()

	return &data, nil
}

// Update implements Store.
func (s *redisStore) Update(ctx context.Context, data *Session) error {
	key := sessionKeyPrefix + data.Key

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return taskflow.ErrNotFound
		}
		if err != nil {
			return err
		}

		var stored Session
		if err := json.Unmarshal(val, &stored); err != nil {
			return err
		}

		if stored.Version != data.Version {
			return taskflow.ErrVersionConflict
		}

		next := *data
		next.Version++
		next.UpdatedAt = s.now()

		newVal, err := json.Marshal(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newVal, s.ttl)
			return nil
		})
		if err == nil {
			*data = next
		}
		return err
	}, key)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return taskflow.ErrVersionConflict
	case errors.Is(err, taskflow.ErrNotFound), errors.Is(err, taskflow.ErrVersionConflict):
		return err
	default:
		return transient(err)
	}
}

// Delete implements Store.
func (s *redisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, sessionKeyPrefix+key).Err(); err != nil {
		return transient(err)
	}
	return nil
}

// Close implements Store.
func (s *redisStore) Close() error {
	return s.client.Close()
}

func transient(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", taskflow.ErrTransientStore, err)
}
