package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/d60-Lab/socialsync/internal/events"
	"github.com/d60-Lab/socialsync/internal/model"
	"github.com/d60-Lab/socialsync/internal/repository"
	"github.com/d60-Lab/socialsync/pkg/eventbus"
	"github.com/d60-Lab/socialsync/pkg/logger"
)

// SearchProjector 把帖子事件投影到搜索文档。两个转换都是幂等的，
// 重复投递不会产生重复文档或报错。
type SearchProjector struct {
	repo repository.SearchRepository
	inv  *Invalidator
	log  *zap.Logger
}

func NewSearchProjector(repo repository.SearchRepository, inv *Invalidator) *SearchProjector {
	return &SearchProjector{repo: repo, inv: inv, log: logger.Named("search-projector")}
}

// Routes 路由键到处理函数
func (p *SearchProjector) Routes() map[string]eventbus.Handler {
	return map[string]eventbus.Handler{
		events.PostCreated: p.HandleCreated,
		events.PostDeleted: p.HandleDeleted,
	}
}

func (p *SearchProjector) HandleCreated(ctx context.Context, env eventbus.Envelope) error {
	evt, err := events.DecodePostCreated(env)
	if err != nil {
		return err
	}

	doc := &model.SearchDocument{
		PostID:    evt.PostID,
		UserID:    evt.UserID,
		Content:   evt.Content,
		CreatedAt: evt.CreatedAt,
	}
	created, err := p.repo.Upsert(ctx, doc)
	if err != nil {
		p.log.Error("upsert search document failed", zap.String("post_id", evt.PostID), zap.Error(err))
		return fmt.Errorf("project %s: %w", evt.PostID, err)
	}
	if !created {
		p.log.Info("search document already exists", zap.String("post_id", evt.PostID), zap.Int("attempt", env.Attempt))
	}

	if err := p.inv.Invalidate(ctx, evt.PostID); err != nil {
		p.log.Error("invalidate search cache failed", zap.String("post_id", evt.PostID), zap.Error(err))
		return err
	}
	p.log.Info("search document projected", zap.String("post_id", evt.PostID), zap.Bool("created", created))
	return nil
}

func (p *SearchProjector) HandleDeleted(ctx context.Context, env eventbus.Envelope) error {
	evt, err := events.DecodePostDeleted(env)
	if err != nil {
		return err
	}

	deleted, err := p.repo.DeleteByPostID(ctx, evt.PostID)
	if err != nil {
		p.log.Error("delete search document failed", zap.String("post_id", evt.PostID), zap.Error(err))
		return fmt.Errorf("unproject %s: %w", evt.PostID, err)
	}

	if err := p.inv.Invalidate(ctx, evt.PostID); err != nil {
		p.log.Error("invalidate search cache failed", zap.String("post_id", evt.PostID), zap.Error(err))
		return err
	}
	p.log.Info("search document removed", zap.String("post_id", evt.PostID), zap.Bool("existed", deleted))
	return nil
}
