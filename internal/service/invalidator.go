package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/d60-Lab/socialsync/pkg/cache"
	"github.com/d60-Lab/socialsync/pkg/logger"
	"github.com/d60-Lab/socialsync/pkg/metrics"
)

// 缓存命名空间
const (
	NamespacePosts  = "posts"
	NamespaceSearch = "search"
)

// Invalidator 粗粒度失效：先删直接键，再删整个命名空间
type Invalidator struct {
	cache     cache.Cache
	namespace string
	log       *zap.Logger
}

func NewInvalidator(c cache.Cache, namespace string) *Invalidator {
	return &Invalidator{
		cache:     c,
		namespace: namespace,
		log:       logger.Named("invalidator").With(zap.String("namespace", namespace)),
	}
}

func (i *Invalidator) Namespace() string { return i.namespace }

// Key 拼接 <ns>:<part>:<part>...
func (i *Invalidator) Key(parts ...string) string {
	return i.namespace + ":" + strings.Join(parts, ":")
}

// Invalidate 直接键删除失败会返回；命名空间批量删除的失败只记日志和计数
func (i *Invalidator) Invalidate(ctx context.Context, entityID string) error {
	metrics.CacheInvalidations.WithLabelValues(i.namespace).Inc()

	direct := i.Key(entityID)
	if err := i.cache.Delete(ctx, direct); err != nil {
		metrics.CacheInvalidationErrors.WithLabelValues(i.namespace).Inc()
		return fmt.Errorf("invalidate %s: %w", direct, err)
	}

	keys, err := i.cache.KeysMatching(ctx, i.namespace+":*")
	if err != nil {
		metrics.CacheInvalidationErrors.WithLabelValues(i.namespace).Inc()
		i.log.Warn("enumerate cache keys failed", zap.String("entity_id", entityID), zap.Error(err))
		return nil
	}
	for _, k := range keys {
		if err := i.cache.Delete(ctx, k); err != nil {
			metrics.CacheInvalidationErrors.WithLabelValues(i.namespace).Inc()
			i.log.Warn("delete cache key failed", zap.String("key", k), zap.Error(err))
		}
	}
	i.log.Debug("cache invalidated", zap.String("entity_id", entityID), zap.Int("keys", len(keys)))
	return nil
}
