package captcha

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_SetAndGet(t *testing.T) {
	c := NewCache(time.Minute, nil)
	ctx := context.Background()

	_, ok := c.Get(ctx, "example.com")
	assert.False(t, ok)

	c.Set(ctx, "example.com", Shortcut{Strategy: "hcaptcha"})
	got, ok := c.Get(ctx, "example.com")
	assert.True(t, ok)
	assert.Equal(t, "hcaptcha", got.Strategy)
}

func TestCache_EvictsAfterTTL(t *testing.T) {
	c := NewCache(time.Millisecond, nil)
	ctx := context.Background()

	c.Set(ctx, "example.com", Shortcut{Strategy: "recaptcha"})
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get(ctx, "example.com")
	assert.False(t, ok)
}

// TestCache_MirrorsToRedis exercises the cross-instance path: a value set on
// one Cache is visible from a second Cache backed by the same Redis server
// even with no entry in the second cache's local map.
func TestCache_MirrorsToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	writer := NewCache(time.Minute, client)
	writer.Set(ctx, "example.com", Shortcut{Strategy: "hcaptcha", Selector: "#challenge"})

	reader := NewCache(time.Minute, client)
	got, ok := reader.Get(ctx, "example.com")
	require.True(t, ok)
	assert.Equal(t, "hcaptcha", got.Strategy)
	assert.Equal(t, "#challenge", got.Selector)

	// A subsequent local miss is filled in from Redis, not re-queried.
	mr.FastForward(2 * time.Minute)
	mr.SetTTL("captcha:shortcut:example.com", time.Hour)
	got2, ok := reader.Get(ctx, "example.com")
	require.True(t, ok)
	assert.Equal(t, got.Strategy, got2.Strategy)
}

func TestCache_RedisMissFallsBackToNotFound(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c := NewCache(time.Minute, client)
	_, ok := c.Get(context.Background(), "never-set.example.com")
	assert.False(t, ok)
}
