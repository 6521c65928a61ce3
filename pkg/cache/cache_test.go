package cache

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCache(client, time.Second), mr
}

func TestRedisCacheGetSet(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "posts:1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SetWithTTL(ctx, "posts:1", `{"id":"1"}`, time.Hour))
	val, ok, err := c.Get(ctx, "posts:1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"id":"1"}`, val)
	assert.Equal(t, time.Hour, mr.TTL("posts:1"))

	mr.FastForward(2 * time.Hour)
	_, ok, err = c.Get(ctx, "posts:1")
	require.NoError(t, err)
	assert.False(t, ok, "entry must expire after its TTL")
}

func TestRedisCacheDelete(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetWithTTL(ctx, "a", "1", time.Minute))
	require.NoError(t, c.SetWithTTL(ctx, "b", "2", time.Minute))
	require.NoError(t, c.Delete(ctx, "a", "b", "missing"))
	assert.False(t, mr.Exists("a"))
	assert.False(t, mr.Exists("b"))

	assert.NoError(t, c.Delete(ctx))
}

func TestRedisCacheKeysMatching(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	for _, k := range []string{"posts:1", "posts:1:10", "posts:2:10", "search:hello", "postsx"} {
		require.NoError(t, c.SetWithTTL(ctx, k, "v", time.Minute))
	}

	keys, err := c.KeysMatching(ctx, "posts:*")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"posts:1", "posts:1:10", "posts:2:10"}, keys)

	keys, err = c.KeysMatching(ctx, "nothing:*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRedisCacheSurfacesTransportErrors(t *testing.T) {
	c, mr := newTestCache(t)
	mr.Close()

	_, _, err := c.Get(context.Background(), "posts:1")
	assert.Error(t, err)
	assert.Error(t, c.Delete(context.Background(), "posts:1"))
}

func TestJSONHelpers(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	type view struct {
		ID      string `json:"id"`
		Content string `json:"content"`
	}
	require.NoError(t, SetJSON(ctx, c, "posts:9", view{ID: "9", Content: "hi"}, time.Minute))

	var got view
	ok, err := GetJSON(ctx, c, "posts:9", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, view{ID: "9", Content: "hi"}, got)

	require.NoError(t, mr.Set("posts:bad", "{not json"))
	ok, err = GetJSON(ctx, c, "posts:bad", &got)
	require.NoError(t, err)
	assert.False(t, ok, "undecodable entries read as a miss")
}
