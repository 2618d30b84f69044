package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis creates a miniredis server and returns a RedisStore instance
func setupTestRedis(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })

	return NewRedisStore(client, ttl), mr
}

func TestRedisGet_Success(t *testing.T) {
	store, mr := setupTestRedis(t, 0)
	ctx := context.Background()

	payload := `[{"id":"p1","title":"Shoes","image_url":"u","price":9.99,"quantity":2}]`
	require.NoError(t, mr.Set("@GoMarketplace:products:s1", payload))

	value, err := store.Get(ctx, "@GoMarketplace:products:s1")
	require.NoError(t, err)
	assert.Equal(t, payload, value)
}

func TestRedisGet_NotFound(t *testing.T) {
	store, _ := setupTestRedis(t, 0)

	value, err := store.Get(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, value)
}

func TestRedisGet_ServerDown(t *testing.T) {
	store, mr := setupTestRedis(t, 0)
	mr.Close()

	_, err := store.Get(context.Background(), "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.ErrorContains(t, err, "redis get failed")
}

func TestRedisSet_Success(t *testing.T) {
	store, mr := setupTestRedis(t, 0)

	err := store.Set(context.Background(), "k", `[]`)
	require.NoError(t, err)

	stored, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, `[]`, stored)
	assert.Equal(t, time.Duration(0), mr.TTL("k"), "zero ttl keeps the key forever")
}

func TestRedisSet_WithTTL(t *testing.T) {
	store, mr := setupTestRedis(t, 15*time.Minute)

	require.NoError(t, store.Set(context.Background(), "k", `[]`))

	ttl := mr.TTL("k")
	assert.True(t, ttl >= 15*time.Minute, "TTL should be at least base TTL")
	assert.True(t, ttl < 16*time.Minute, "TTL should be base + max jitter")
}

func TestRedisSet_Overwrites(t *testing.T) {
	store, _ := setupTestRedis(t, 0)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "first"))
	require.NoError(t, store.Set(ctx, "k", "second"))

	value, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "second", value)
}

func TestRedisDelete(t *testing.T) {
	store, mr := setupTestRedis(t, 0)
	ctx := context.Background()

	mr.Set("k", "v")
	assert.True(t, mr.Exists("k"))

	require.NoError(t, store.Delete(ctx, "k"))
	assert.False(t, mr.Exists("k"))

	// Deleting non-existent key should not error
	assert.NoError(t, store.Delete(ctx, "k"))
}

func TestRedisPing(t *testing.T) {
	store, mr := setupTestRedis(t, 0)

	assert.NoError(t, store.Ping(context.Background()))

	mr.Close()
	assert.Error(t, store.Ping(context.Background()))
}
