package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedKeys(t *testing.T, set func(key string)) {
	t.Helper()
	for _, k := range []string{"search:p1", "search:hello", "search:hello world", "posts:p1", "posts:1:10"} {
		set(k)
	}
}

func TestInvalidateRemovesDirectKeyAndNamespace(t *testing.T) {
	c, mr := setupCache(t)
	seedKeys(t, func(k string) { require.NoError(t, mr.Set(k, "v")) })

	inv := NewInvalidator(c, NamespaceSearch)
	require.NoError(t, inv.Invalidate(context.Background(), "p1"))

	for _, k := range []string{"search:p1", "search:hello", "search:hello world"} {
		assert.False(t, mr.Exists(k), k)
	}
	// 其它命名空间不受影响
	assert.True(t, mr.Exists("posts:p1"))
	assert.True(t, mr.Exists("posts:1:10"))
}

func TestInvalidateMissingKeysIsNoop(t *testing.T) {
	c, _ := setupCache(t)
	inv := NewInvalidator(c, NamespacePosts)
	assert.NoError(t, inv.Invalidate(context.Background(), "nope"))
}

func TestInvalidateReturnsDirectKeyFailure(t *testing.T) {
	c, mr := setupCache(t)
	seedKeys(t, func(k string) { require.NoError(t, mr.Set(k, "v")) })

	inv := NewInvalidator(&flakyCache{Cache: c, failDelete: map[string]bool{"search:p1": true}}, NamespaceSearch)
	err := inv.Invalidate(context.Background(), "p1")
	require.Error(t, err)
	assert.ErrorIs(t, err, errUnavailable)
}

func TestInvalidateLogsBulkFailures(t *testing.T) {
	c, mr := setupCache(t)
	seedKeys(t, func(k string) { require.NoError(t, mr.Set(k, "v")) })

	inv := NewInvalidator(&flakyCache{Cache: c, failDelete: map[string]bool{"search:hello": true}}, NamespaceSearch)
	require.NoError(t, inv.Invalidate(context.Background(), "p1"))

	assert.True(t, mr.Exists("search:hello"))
	assert.False(t, mr.Exists("search:hello world"))
	assert.False(t, mr.Exists("search:p1"))

	inv = NewInvalidator(&flakyCache{Cache: c, failScan: true}, NamespaceSearch)
	assert.NoError(t, inv.Invalidate(context.Background(), "p1"))
}

func TestInvalidatorKey(t *testing.T) {
	c, _ := setupCache(t)
	inv := NewInvalidator(c, NamespacePosts)
	assert.Equal(t, "posts:p1", inv.Key("p1"))
	assert.Equal(t, "posts:2:10", inv.Key("2", "10"))
	assert.Equal(t, NamespacePosts, inv.Namespace())
}
