package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/d60-Lab/socialsync/internal/events"
	"github.com/d60-Lab/socialsync/internal/repository"
	"github.com/d60-Lab/socialsync/pkg/eventbus"
	"github.com/d60-Lab/socialsync/pkg/logger"
	"github.com/d60-Lab/socialsync/pkg/metrics"
	"github.com/d60-Lab/socialsync/pkg/storage"
)

// 单条媒体的处理结果（metrics label）
const (
	mediaDeleted = "deleted"
	mediaMissing = "missing"
	mediaFailed  = "failed"
)

// MediaReconciler 帖子删除后清理其媒体：对象存储里的 blob 和媒体记录。
// 每个媒体独立处理，一个失败不影响其它。
type MediaReconciler struct {
	repo        repository.MediaRepository
	store       storage.Store
	concurrency int
	log         *zap.Logger
}

func NewMediaReconciler(repo repository.MediaRepository, store storage.Store, concurrency int) *MediaReconciler {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &MediaReconciler{repo: repo, store: store, concurrency: concurrency, log: logger.Named("media-reconciler")}
}

func (r *MediaReconciler) Routes() map[string]eventbus.Handler {
	return map[string]eventbus.Handler{events.PostDeleted: r.HandleDeleted}
}

func (r *MediaReconciler) HandleDeleted(ctx context.Context, env eventbus.Envelope) error {
	evt, err := events.DecodePostDeleted(env)
	if err != nil {
		return err
	}
	if len(evt.MediaIDs) == 0 {
		return nil
	}
	if err := r.Reconcile(ctx, evt.MediaIDs); err != nil {
		r.log.Error("media reconciliation incomplete",
			zap.String("post_id", evt.PostID), zap.Int("attempt", env.Attempt), zap.Error(err))
		return fmt.Errorf("reconcile media of %s: %w", evt.PostID, err)
	}
	r.log.Info("media reconciled", zap.String("post_id", evt.PostID), zap.Int("count", len(evt.MediaIDs)))
	return nil
}

// Reconcile 并发删除每个媒体，返回所有失败项的合并错误
func (r *MediaReconciler) Reconcile(ctx context.Context, mediaIDs []string) error {
	ids := dedupe(mediaIDs)
	errs := make([]error, len(ids))

	// 不用 WithContext：一项失败不能取消其它项
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			errs[i] = r.reconcileOne(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return multierr.Combine(errs...)
}

// reconcileOne blob 删除失败时保留记录，重投递时还能拿到 storage ID
func (r *MediaReconciler) reconcileOne(ctx context.Context, mediaID string) error {
	m, err := r.repo.FindByID(ctx, mediaID)
	if errors.Is(err, repository.ErrNotFound) {
		metrics.MediaDeletions.WithLabelValues(mediaMissing).Inc()
		return nil
	}
	if err != nil {
		metrics.MediaDeletions.WithLabelValues(mediaFailed).Inc()
		return fmt.Errorf("media %s: lookup: %w", mediaID, err)
	}

	if err := r.store.Delete(ctx, m.StorageID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		metrics.MediaDeletions.WithLabelValues(mediaFailed).Inc()
		r.log.Warn("delete blob failed", zap.String("media_id", mediaID), zap.String("storage_id", m.StorageID), zap.Error(err))
		return fmt.Errorf("media %s: delete blob: %w", mediaID, err)
	}

	if _, err := r.repo.Delete(ctx, mediaID); err != nil {
		metrics.MediaDeletions.WithLabelValues(mediaFailed).Inc()
		return fmt.Errorf("media %s: delete record: %w", mediaID, err)
	}
	metrics.MediaDeletions.WithLabelValues(mediaDeleted).Inc()
	r.log.Debug("media deleted", zap.String("media_id", mediaID), zap.String("storage_id", m.StorageID))
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
