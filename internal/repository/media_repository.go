package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/d60-Lab/socialsync/internal/model"
)

type MediaRepository interface {
	Create(ctx context.Context, m *model.Media) error
	FindByID(ctx context.Context, id string) (*model.Media, error)
	ListByUser(ctx context.Context, userID string) ([]*model.Media, error)
	Delete(ctx context.Context, id string) (bool, error)
}

type mediaRepository struct{ db *gorm.DB }

func NewMediaRepository(db *gorm.DB) MediaRepository { return &mediaRepository{db: db} }

func (r *mediaRepository) Create(ctx context.Context, m *model.Media) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *mediaRepository) FindByID(ctx context.Context, id string) (*model.Media, error) {
	var m model.Media
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *mediaRepository) ListByUser(ctx context.Context, userID string) ([]*model.Media, error) {
	var res []*model.Media
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&res).Error
	return res, err
}

// Delete 幂等：记录已不存在时返回 false, nil
func (r *mediaRepository) Delete(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.Media{})
	return res.RowsAffected > 0, res.Error
}
