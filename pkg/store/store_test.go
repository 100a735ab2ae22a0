package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := New(context.Background(), Options{Addr: mr.Addr(), FailureThreshold: 3, Cooldown: time.Minute})
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestNew_Connected(t *testing.T) {
	s, mr := newTestStore(t)
	require.True(t, s.Available())

	err := s.Do(context.Background(), "set", func(ctx context.Context, c *redis.Client) error {
		return c.Set(ctx, "k", "v", 0).Err()
	})
	require.NoError(t, err)

	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestNew_UnreachableIsDisabled(t *testing.T) {
	s := New(context.Background(), Options{Addr: "127.0.0.1:1", Timeout: 200 * time.Millisecond})
	assert.False(t, s.Available())

	called := false
	err := s.Do(context.Background(), "get", func(ctx context.Context, c *redis.Client) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, called)
}

func TestDisabled(t *testing.T) {
	s := Disabled()
	assert.False(t, s.Available())
	assert.NoError(t, s.Close())

	var nilStore *Store
	assert.False(t, nilStore.Available())
}

func TestDo_NilIsNotAFailure(t *testing.T) {
	s, _ := newTestStore(t)

	for i := 0; i < 10; i++ {
		err := s.Do(context.Background(), "get", func(ctx context.Context, c *redis.Client) error {
			return c.Get(ctx, "missing").Err()
		})
		require.True(t, errors.Is(err, redis.Nil))
	}
	assert.True(t, s.Available())
}

func TestDo_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	s, mr := newTestStore(t)
	mr.SetError("LOADING redis is loading")

	for i := 0; i < 3; i++ {
		err := s.Do(context.Background(), "get", func(ctx context.Context, c *redis.Client) error {
			return c.Get(ctx, "k").Err()
		})
		require.Error(t, err)
	}

	assert.False(t, s.Available())
	err := s.Do(context.Background(), "get", func(ctx context.Context, c *redis.Client) error {
		return c.Get(ctx, "k").Err()
	})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestDo_IgnoresCallerCancellation(t *testing.T) {
	s, mr := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Do(ctx, "set", func(ctx context.Context, c *redis.Client) error {
		return c.Set(ctx, "k", "v", 0).Err()
	})
	require.NoError(t, err)
	assert.True(t, mr.Exists("k"))
}
