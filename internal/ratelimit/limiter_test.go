package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, limit int, window time.Duration) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l, err := New(client, limit, window, "test")
	require.NoError(t, err)
	return l, mr
}

func TestAllowWithinLimit(t *testing.T) {
	l, mr := newTestLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, err := l.Allow(ctx, "login:1.2.3.4")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, 3-i, res.Remaining)
	}
	assert.True(t, mr.Exists("test:login:1.2.3.4"))
	assert.Equal(t, time.Minute, mr.TTL("test:login:1.2.3.4"))
}

func TestAllowBlocksOverLimitUntilWindowEnds(t *testing.T) {
	l, mr := newTestLimiter(t, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := l.Allow(ctx, "k")
		require.NoError(t, err)
	}
	res, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	mr.FastForward(time.Minute + time.Second)
	res, err = l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestAllowKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()

	res, _ := l.Allow(ctx, "a")
	assert.True(t, res.Allowed)
	res, _ = l.Allow(ctx, "a")
	assert.False(t, res.Allowed)
	res, _ = l.Allow(ctx, "b")
	assert.True(t, res.Allowed)

	require.NoError(t, l.Reset(ctx, "a"))
	res, _ = l.Allow(ctx, "a")
	assert.True(t, res.Allowed)
}

func TestAllowFailsOpenWhenRedisDown(t *testing.T) {
	l, mr := newTestLimiter(t, 1, time.Minute)
	mr.Close()

	res, err := l.Allow(context.Background(), "k")
	assert.Error(t, err)
	assert.True(t, res.Allowed)
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, 1, time.Second, "")
	assert.Error(t, err)
	_, err = New(redis.NewClient(&redis.Options{}), 0, time.Second, "")
	assert.Error(t, err)
}
