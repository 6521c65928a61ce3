package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/d60-Lab/socialsync/internal/events"
	"github.com/d60-Lab/socialsync/internal/model"
	"github.com/d60-Lab/socialsync/internal/repository"
	"github.com/d60-Lab/socialsync/pkg/cache"
	"github.com/d60-Lab/socialsync/pkg/logger"
)

// EventPublisher 由 *eventbus.Publisher 实现
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// PostPage 分页结果
type PostPage struct {
	Posts       []*model.Post `json:"posts"`
	CurrentPage int           `json:"currentPage"`
	TotalPages  int           `json:"totalPages"`
	TotalPosts  int64         `json:"totalPosts"`
}

// PostService 帖子服务：写库、失效自身缓存、发布事件
type PostService interface {
	CreatePost(ctx context.Context, userID, content string, mediaIDs []string) (*model.Post, error)
	GetPost(ctx context.Context, id string) (*model.Post, error)
	ListPosts(ctx context.Context, page, limit int) (*PostPage, error)
	DeletePost(ctx context.Context, userID, postID string) error
}

// PostServiceOptions 缓存 TTL 与发布失败策略
type PostServiceOptions struct {
	EntityTTL time.Duration
	ListTTL   time.Duration
	// FailOnPublishError 为 true 时发布失败直接返回错误；否则写入 outbox
	FailOnPublishError bool
}

type postService struct {
	repo   repository.PostRepository
	outbox repository.OutboxRepository
	cache  cache.Cache
	inv    *Invalidator
	pub    EventPublisher
	opts   PostServiceOptions
	log    *zap.Logger
}

func NewPostService(repo repository.PostRepository, outbox repository.OutboxRepository, c cache.Cache, pub EventPublisher, opts PostServiceOptions) PostService {
	if opts.EntityTTL <= 0 {
		opts.EntityTTL = time.Hour
	}
	if opts.ListTTL <= 0 {
		opts.ListTTL = 5 * time.Minute
	}
	return &postService{
		repo:   repo,
		outbox: outbox,
		cache:  c,
		inv:    NewInvalidator(c, NamespacePosts),
		pub:    pub,
		opts:   opts,
		log:    logger.Named("post-service"),
	}
}

func (s *postService) CreatePost(ctx context.Context, userID, content string, mediaIDs []string) (*model.Post, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	now := time.Now().UTC()
	post := &model.Post{ID: uuid.New().String(), UserID: userID, Content: content, CreatedAt: now, UpdatedAt: now}
	post.SetMediaIDs(mediaIDs)
	if err := s.repo.Create(ctx, post); err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}

	s.invalidate(ctx, post.ID)

	evt := events.PostCreatedEvent{PostID: post.ID, UserID: post.UserID, Content: post.Content, CreatedAt: post.CreatedAt}
	if err := s.publish(ctx, events.PostCreated, evt); err != nil {
		return nil, err
	}
	s.log.Info("post created", zap.String("post_id", post.ID), zap.String("user_id", userID))
	return post, nil
}

func (s *postService) GetPost(ctx context.Context, id string) (*model.Post, error) {
	key := s.inv.Key(id)
	var cached model.Post
	if ok, err := cache.GetJSON(ctx, s.cache, key, &cached); err != nil {
		s.log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		return &cached, nil
	}

	post, err := s.repo.FindByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrPostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get post %s: %w", id, err)
	}
	if err := cache.SetJSON(ctx, s.cache, key, post, s.opts.EntityTTL); err != nil {
		s.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
	return post, nil
}

func (s *postService) ListPosts(ctx context.Context, page, limit int) (*PostPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	key := s.inv.Key(strconv.Itoa(page), strconv.Itoa(limit))
	var cached PostPage
	if ok, err := cache.GetJSON(ctx, s.cache, key, &cached); err != nil {
		s.log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		return &cached, nil
	}

	posts, err := s.repo.List(ctx, (page-1)*limit, limit)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	total, err := s.repo.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count posts: %w", err)
	}
	res := &PostPage{
		Posts:       posts,
		CurrentPage: page,
		TotalPages:  int(math.Ceil(float64(total) / float64(limit))),
		TotalPosts:  total,
	}
	if err := cache.SetJSON(ctx, s.cache, key, res, s.opts.ListTTL); err != nil {
		s.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
	return res, nil
}

func (s *postService) DeletePost(ctx context.Context, userID, postID string) error {
	post, err := s.repo.FindByID(ctx, postID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrPostNotFound
	}
	if err != nil {
		return fmt.Errorf("get post %s: %w", postID, err)
	}
	if post.UserID != userID {
		return ErrForbidden
	}

	deleted, err := s.repo.Delete(ctx, postID)
	if err != nil {
		return fmt.Errorf("delete post %s: %w", postID, err)
	}
	if !deleted {
		// 并发删除
		return ErrPostNotFound
	}

	s.invalidate(ctx, postID)

	evt := events.PostDeletedEvent{PostID: postID, UserID: userID, MediaIDs: post.MediaIDs}
	if err := s.publish(ctx, events.PostDeleted, evt); err != nil {
		return err
	}
	s.log.Info("post deleted", zap.String("post_id", postID), zap.Int("media", len(post.MediaIDs)))
	return nil
}

// invalidate 写路径上缓存失效失败不影响写入
func (s *postService) invalidate(ctx context.Context, postID string) {
	if err := s.inv.Invalidate(ctx, postID); err != nil {
		s.log.Warn("invalidate post cache failed", zap.String("post_id", postID), zap.Error(err))
	}
}

// publish 发布失败时按配置返回错误或写入 outbox
func (s *postService) publish(ctx context.Context, routingKey string, payload any) error {
	err := s.pub.Publish(ctx, routingKey, payload)
	if err == nil {
		return nil
	}
	if s.opts.FailOnPublishError || s.outbox == nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}

	body, mErr := json.Marshal(payload)
	if mErr != nil {
		return fmt.Errorf("encode %s: %w", routingKey, mErr)
	}
	out, oErr := s.outbox.Enqueue(ctx, routingKey, body)
	if oErr != nil {
		return fmt.Errorf("publish %s: %w", routingKey, errors.Join(err, oErr))
	}
	s.log.Warn("publish failed, event parked in outbox",
		zap.String("routing_key", routingKey), zap.String("outbox_id", out.ID), zap.Error(err))
	return nil
}
