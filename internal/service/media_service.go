package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/d60-Lab/socialsync/internal/model"
	"github.com/d60-Lab/socialsync/internal/repository"
	"github.com/d60-Lab/socialsync/pkg/logger"
	"github.com/d60-Lab/socialsync/pkg/storage"
)

type MediaService interface {
	Upload(ctx context.Context, userID, name, mimeType string, r io.Reader) (*model.Media, error)
	GetMedia(ctx context.Context, id string) (*model.Media, error)
	ListMedia(ctx context.Context, userID string) ([]*model.Media, error)
}

type mediaService struct {
	repo  repository.MediaRepository
	store storage.Store
	log   *zap.Logger
}

func NewMediaService(repo repository.MediaRepository, store storage.Store) MediaService {
	return &mediaService{repo: repo, store: store, log: logger.Named("media-service")}
}

// Upload 先传 blob 再写记录；写记录失败时尽力删掉 blob
func (s *mediaService) Upload(ctx context.Context, userID, name, mimeType string, r io.Reader) (*model.Media, error) {
	obj, err := s.store.Upload(ctx, name, r)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", name, err)
	}

	m := &model.Media{
		ID:           uuid.New().String(),
		UserID:       userID,
		StorageID:    obj.StorageID,
		URL:          obj.URL,
		OriginalName: name,
		MimeType:     mimeType,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, m); err != nil {
		if dErr := s.store.Delete(context.WithoutCancel(ctx), obj.StorageID); dErr != nil {
			s.log.Warn("orphaned blob after failed insert", zap.String("storage_id", obj.StorageID), zap.Error(dErr))
		}
		return nil, fmt.Errorf("save media %s: %w", name, err)
	}
	s.log.Info("media uploaded", zap.String("media_id", m.ID), zap.String("storage_id", m.StorageID), zap.String("user_id", userID))
	return m, nil
}

func (s *mediaService) GetMedia(ctx context.Context, id string) (*model.Media, error) {
	m, err := s.repo.FindByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrMediaNotFound
	}
	return m, err
}

func (s *mediaService) ListMedia(ctx context.Context, userID string) ([]*model.Media, error) {
	return s.repo.ListByUser(ctx, userID)
}
