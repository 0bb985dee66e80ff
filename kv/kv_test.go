package kv

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/creastat/taskflow"
	"github.com/redis/go-redis/v9"
)

func newMemory(t *testing.T, opts ...StoreOption) Store {
	t.Helper()
	s, err := NewStore(StoreTypeMemory, opts...)
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	return s
}

func newRedis(t *testing.T) (Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s, err := NewStore(StoreTypeRedis, WithRedisClient(client), WithKeyPrefix("test:"))
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

// ---------------------------------------------------------------------------
// Factory
// ---------------------------------------------------------------------------

func TestNewStoreRejectsUnknownType(t *testing.T) {
	_, err := NewStore("etcd")
	if !errors.Is(err, taskflow.ErrInvalidStoreType) {
		t.Fatalf("expected ErrInvalidStoreType, got %v", err)
	}
}

func TestNewStoreRedisRequiresClient(t *testing.T) {
	_, err := NewStore(StoreTypeRedis)
	if !errors.Is(err, taskflow.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Shared driver semantics
// ---------------------------------------------------------------------------

func eachDriver(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, newMemory(t)) })
	t.Run("redis", func(t *testing.T) {
		s, _ := newRedis(t)
		fn(t, s)
	})
}

func TestCreateIfAbsentFirstWriterWins(t *testing.T) {
	eachDriver(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		created, cur, err := s.CreateIfAbsent(ctx, "k", []byte("first"), 0)
		if err != nil || !created || string(cur) != "first" {
			t.Fatalf("first create: created=%v cur=%q err=%v", created, cur, err)
		}
		created, cur, err = s.CreateIfAbsent(ctx, "k", []byte("second"), 0)
		if err != nil {
			t.Fatalf("second create: %v", err)
		}
		if created {
			t.Fatal("second create must not report created")
		}
		if string(cur) != "first" {
			t.Fatalf("expected stored value first, got %q", cur)
		}
	})
}

func TestGetMissingIsNotAnError(t *testing.T) {
	eachDriver(t, func(t *testing.T, s Store) {
		v, ok, err := s.Get(context.Background(), "missing")
		if err != nil || ok || v != nil {
			t.Fatalf("expected absent, got v=%q ok=%v err=%v", v, ok, err)
		}
	})
}

func TestCompareAndSwap(t *testing.T) {
	eachDriver(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.Set(ctx, "k", []byte("v1"), 0); err != nil {
			t.Fatalf("set: %v", err)
		}
		ok, err := s.CompareAndSwap(ctx, "k", []byte("stale"), []byte("v2"), 0)
		if err != nil || ok {
			t.Fatalf("swap with stale old must fail quietly, ok=%v err=%v", ok, err)
		}
		ok, err = s.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v2"), 0)
		if err != nil || !ok {
			t.Fatalf("swap with current old must succeed, ok=%v err=%v", ok, err)
		}
		v, _, _ := s.Get(ctx, "k")
		if string(v) != "v2" {
			t.Fatalf("expected v2, got %q", v)
		}
		if _, err := s.CompareAndSwap(ctx, "nope", nil, []byte("x"), 0); !errors.Is(err, taskflow.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for missing key, got %v", err)
		}
	})
}

func TestConcurrentCreateIfAbsentSingleWinner(t *testing.T) {
	eachDriver(t, func(t *testing.T, s Store) {
		const n = 32
		var wins atomic.Int32
		var wg sync.WaitGroup
		values := make([]string, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				created, cur, err := s.CreateIfAbsent(context.Background(), "race", []byte{byte('a' + i%26)}, 0)
				if err != nil {
					t.Errorf("create: %v", err)
					return
				}
				if created {
					wins.Add(1)
				}
				values[i] = string(cur)
			}(i)
		}
		wg.Wait()
		if wins.Load() != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins.Load())
		}
		for i := 1; i < n; i++ {
			if values[i] != values[0] {
				t.Fatalf("callers observed different values: %q vs %q", values[0], values[i])
			}
		}
	})
}

// ---------------------------------------------------------------------------
// Expiry
// ---------------------------------------------------------------------------

func TestMemoryExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	s := newMemory(t, WithClock(func() time.Time { return now }), WithTTL(time.Minute))
	ctx := context.Background()

	_ = s.Set(ctx, "k", []byte("v"), 0)
	now = now.Add(59 * time.Second)
	if _, ok, _ := s.Get(ctx, "k"); !ok {
		t.Fatal("key should still be live")
	}
	now = now.Add(time.Second)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("key should have expired")
	}
	created, _, _ := s.CreateIfAbsent(ctx, "k", []byte("again"), 0)
	if !created {
		t.Fatal("expired key must be creatable again")
	}
}

func TestRedisExpiry(t *testing.T) {
	s, mr := newRedis(t)
	ctx := context.Background()
	_ = s.Set(ctx, "k", []byte("v"), 10*time.Second)
	if !mr.Exists("test:k") {
		t.Fatal("expected prefixed key in redis")
	}
	mr.FastForward(11 * time.Second)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("key should have expired")
	}
}

// ---------------------------------------------------------------------------
// Retry decorator
// ---------------------------------------------------------------------------

type flakyStore struct {
	Store
	failures int
	calls    int
	err      error
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, false, f.err
	}
	return f.Store.Get(ctx, key)
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestRetryRecoversFromTransientErrors(t *testing.T) {
	base := newMemory(t)
	_ = base.Set(context.Background(), "k", []byte("v"), 0)
	f := &flakyStore{Store: base, failures: 2, err: taskflow.ErrTransientStore}

	v, ok, err := WithRetry(f, fastPolicy(3)).Get(context.Background(), "k")
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("expected recovery, got v=%q ok=%v err=%v", v, ok, err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	f := &flakyStore{Store: newMemory(t), failures: 10, err: taskflow.ErrTransientStore}

	_, _, err := WithRetry(f, fastPolicy(3)).Get(context.Background(), "k")
	if !errors.Is(err, taskflow.ErrTransientStore) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
}

func TestRetryDoesNotRetryPermanentErrors(t *testing.T) {
	boom := errors.New("boom")
	f := &flakyStore{Store: newMemory(t), failures: 10, err: boom}

	_, _, err := WithRetry(f, fastPolicy(5)).Get(context.Background(), "k")
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("expected a single call, got %d", f.calls)
	}
}

func TestRedisUnavailableIsTransient(t *testing.T) {
	s, mr := newRedis(t)
	mr.Close()
	_, _, err := s.Get(context.Background(), "k")
	if !errors.Is(err, taskflow.ErrTransientStore) {
		t.Fatalf("expected ErrTransientStore, got %v", err)
	}
}
