package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/socialsync/internal/model"
	"github.com/d60-Lab/socialsync/internal/repository"
	"github.com/d60-Lab/socialsync/pkg/cache"
	"github.com/d60-Lab/socialsync/pkg/logger"
)

// SearchResultLimit 每次搜索返回的最多条数
const SearchResultLimit = 10

type SearchService interface {
	Search(ctx context.Context, query string) ([]*model.SearchDocument, error)
}

type searchService struct {
	repo  repository.SearchRepository
	cache cache.Cache
	inv   *Invalidator
	ttl   time.Duration
	log   *zap.Logger
}

func NewSearchService(repo repository.SearchRepository, c cache.Cache, ttl time.Duration) SearchService {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &searchService{repo: repo, cache: c, inv: NewInvalidator(c, NamespaceSearch), ttl: ttl, log: logger.Named("search-service")}
}

func (s *searchService) Search(ctx context.Context, query string) ([]*model.SearchDocument, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	key := s.inv.Key(query)
	var cached []*model.SearchDocument
	if ok, err := cache.GetJSON(ctx, s.cache, key, &cached); err != nil {
		s.log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		return cached, nil
	}

	docs, err := s.repo.Search(ctx, query, SearchResultLimit)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	if docs == nil {
		docs = []*model.SearchDocument{}
	}
	if err := cache.SetJSON(ctx, s.cache, key, docs, s.ttl); err != nil {
		s.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
	return docs, nil
}
