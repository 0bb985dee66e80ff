package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/creastat/taskflow"
)

// RetryPolicy bounds how hard a store call is retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first one.
	MaxAttempts int

	// InitialInterval and MaxInterval shape the exponential backoff.
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// AttemptTimeout bounds each individual call. Zero leaves only the
	// caller's context in charge.
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy is used when WithRetry receives a zero policy.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	AttemptTimeout:  3 * time.Second,
}

// WithRetry wraps store so every call that fails with taskflow.ErrTransientStore
// is retried with exponential backoff. Logical outcomes (a lost create race,
// a failed compare-and-swap, a missing key) are returned immediately.
func WithRetry(store Store, policy RetryPolicy) Store {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = DefaultRetryPolicy.MaxInterval
	}
	return &retryStore{next: store, policy: policy}
}

type retryStore struct {
	next   Store
	policy RetryPolicy
}

// CreateIfAbsent implements Store.
func (r *retryStore) CreateIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (created bool, current []byte, err error) {
	err = r.do(ctx, func(ctx context.Context) error {
		var opErr error
		created, current, opErr = r.next.CreateIfAbsent(ctx, key, value, ttl)
		return opErr
	})
	return created, current, err
}

// Get implements Store.
func (r *retryStore) Get(ctx context.Context, key string) (value []byte, ok bool, err error) {
	err = r.do(ctx, func(ctx context.Context) error {
		var opErr error
		value, ok, opErr = r.next.Get(ctx, key)
		return opErr
	})
	return value, ok, err
}

// Set implements Store.
func (r *retryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.do(ctx, func(ctx context.Context) error {
		return r.next.Set(ctx, key, value, ttl)
	})
}

// CompareAndSwap implements Store.
func (r *retryStore) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (swapped bool, err error) {
	err = r.do(ctx, func(ctx context.Context) error {
		var opErr error
		swapped, opErr = r.next.CompareAndSwap(ctx, key, old, value, ttl)
		return opErr
	})
	return swapped, err
}

// Close implements Store.
func (r *retryStore) Close() error {
	return r.next.Close()
}

func (r *retryStore) do(ctx context.Context, op func(context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.policy.InitialInterval
	eb.MaxInterval = r.policy.MaxInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.policy.MaxAttempts-1)), ctx)

	return backoff.Retry(func() error {
		err := r.attempt(ctx, op)
		if err == nil || errors.Is(err, taskflow.ErrTransientStore) {
			return err
		}
		return backoff.Permanent(err)
	}, b)
}

// attempt runs op under the per-attempt timeout. An attempt that times out
// while the caller's context is still live counts as transient.
func (r *retryStore) attempt(ctx context.Context, op func(context.Context) error) error {
	if r.policy.AttemptTimeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, r.policy.AttemptTimeout)
	defer cancel()

	err := op(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", taskflow.ErrTransientStore, err)
	}
	return err
}
