package storage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type flakyPersister struct {
	*MemoryStore
	fail  atomic.Bool
	calls atomic.Int32
}

func (f *flakyPersister) Set(ctx context.Context, key, value string) error {
	f.calls.Add(1)
	if f.fail.Load() {
		return errors.New("connection refused")
	}
	return f.MemoryStore.Set(ctx, key, value)
}

func (f *flakyPersister) Get(ctx context.Context, key string) (string, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return "", errors.New("connection refused")
	}
	return f.MemoryStore.Get(ctx, key)
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	next := &flakyPersister{MemoryStore: NewMemoryStore()}
	next.fail.Store(true)
	b := NewBreaker(next, BreakerSettings{Failures: 3, Timeout: time.Minute}, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := b.Set(ctx, "k", "v")
		require.ErrorContains(t, err, "connection refused")
		assert.NotErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	err := b.Set(ctx, "k", "v")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(3), next.calls.Load(), "open breaker must not reach the backend")
}

func TestBreaker_NotFoundIsNotAFailure(t *testing.T) {
	next := &flakyPersister{MemoryStore: NewMemoryStore()}
	b := NewBreaker(next, BreakerSettings{Failures: 1}, zap.NewNop())

	for i := 0; i < 5; i++ {
		_, err := b.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreaker_HalfOpenRecovers(t *testing.T) {
	next := &flakyPersister{MemoryStore: NewMemoryStore()}
	next.fail.Store(true)
	b := NewBreaker(next, BreakerSettings{Failures: 1, Timeout: 20 * time.Millisecond}, zap.NewNop())
	ctx := context.Background()

	require.Error(t, b.Set(ctx, "k", "v"))
	require.Equal(t, gobreaker.StateOpen, b.State())

	next.fail.Store(false)
	require.Eventually(t, func() bool {
		return b.Set(ctx, "k", "v") == nil
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, gobreaker.StateClosed, b.State())

	value, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", value)
}

func TestBreaker_PingBypassesBreaker(t *testing.T) {
	next := &flakyPersister{MemoryStore: NewMemoryStore()}
	next.fail.Store(true)
	b := NewBreaker(next, BreakerSettings{Failures: 1}, zap.NewNop())

	require.Error(t, b.Set(context.Background(), "k", "v"))
	assert.NoError(t, b.Ping(context.Background()))
}
