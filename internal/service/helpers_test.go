package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/d60-Lab/socialsync/internal/model"
	"github.com/d60-Lab/socialsync/pkg/cache"
	"github.com/d60-Lab/socialsync/pkg/database"
	"github.com/d60-Lab/socialsync/pkg/eventbus"
	"github.com/d60-Lab/socialsync/pkg/storage"
)

var errUnavailable = errors.New("unavailable")

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenMemory(model.All()...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

func setupCache(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewRedisCache(client, time.Second), mr
}

func envelope(t *testing.T, key string, payload any) eventbus.Envelope {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return eventbus.Envelope{ID: "msg-" + key, RoutingKey: key, Body: body, Attempt: 1}
}

type published struct {
	key     string
	payload any
}

// recordingPublisher 记录发布的事件；err 非空时发布失败
type recordingPublisher struct {
	mu     sync.Mutex
	err    error
	events []published
}

func (p *recordingPublisher) Publish(_ context.Context, key string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, published{key: key, payload: payload})
	return nil
}

func (p *recordingPublisher) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *recordingPublisher) sent() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.events...)
}

// flakyCache 对指定 key 的删除或 SCAN 返回错误
type flakyCache struct {
	cache.Cache
	failDelete map[string]bool
	failScan   bool
}

func (c *flakyCache) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		if c.failDelete[k] {
			return errUnavailable
		}
	}
	return c.Cache.Delete(ctx, keys...)
}

func (c *flakyCache) KeysMatching(ctx context.Context, pattern string) ([]string, error) {
	if c.failScan {
		return nil, errUnavailable
	}
	return c.Cache.KeysMatching(ctx, pattern)
}

// flakyStore 对指定 storage ID 的删除返回错误
type flakyStore struct {
	*storage.MemoryStore

	mu   sync.Mutex
	fail map[string]bool
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: storage.NewMemoryStore("memory://media"), fail: make(map[string]bool)}
}

func (s *flakyStore) setFailing(storageID string, failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[storageID] = failing
}

func (s *flakyStore) Delete(ctx context.Context, storageID string) error {
	s.mu.Lock()
	failing := s.fail[storageID]
	s.mu.Unlock()
	if failing {
		return errUnavailable
	}
	return s.MemoryStore.Delete(ctx, storageID)
}
