package search

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cyclopcam/logs"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(2)
	c.Set(ctx, "a", []byte("1"))
	c.Set(ctx, "b", []byte("2"))
	_, ok := c.Get(ctx, "a") // a is now most recent
	require.True(t, ok)
	c.Set(ctx, "c", []byte("3"))
	_, ok = c.Get(ctx, "b")
	require.False(t, ok)
	v, ok := c.Get(ctx, "a")
	require.True(t, ok)
	require.Equal(t, "1", string(v))
	require.Equal(t, 2, c.Len())

	require.NoError(t, c.Clear(ctx))
	require.Equal(t, 0, c.Len())

	disabled := NewMemoryCache(0)
	disabled.Set(ctx, "a", []byte("1"))
	_, ok = disabled.Get(ctx, "a")
	require.False(t, ok)
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()
	c := NewRedisCache(logs.NewTestingLog(t), client, "test:", time.Minute)

	_, ok := c.Get(ctx, "k")
	require.False(t, ok)
	c.Set(ctx, "k", []byte("hello"))
	v, ok := c.Get(ctx, "k")
	require.True(t, ok)
	require.Equal(t, "hello", string(v))
	require.True(t, mr.Exists("test:0:k"))

	// Entries expire
	mr.FastForward(2 * time.Minute)
	_, ok = c.Get(ctx, "k")
	require.False(t, ok)

	// Clear bumps the generation
	c.Set(ctx, "k", []byte("hello"))
	require.NoError(t, c.Clear(ctx))
	_, ok = c.Get(ctx, "k")
	require.False(t, ok)
	c.Set(ctx, "k", []byte("again"))
	require.True(t, mr.Exists("test:1:k"))
}
