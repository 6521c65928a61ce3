package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/d60-Lab/socialsync/internal/model"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// PostRepository 帖子仓储接口
type PostRepository interface {
	// Create 写入帖子及其媒体关联
	Create(ctx context.Context, post *model.Post) error

	// FindByID 不存在时返回 ErrNotFound
	FindByID(ctx context.Context, id string) (*model.Post, error)

	// List 按创建时间倒序分页
	List(ctx context.Context, offset, limit int) ([]*model.Post, error)

	Count(ctx context.Context) (int64, error)

	// Delete 删除帖子及关联；返回是否删除了记录
	Delete(ctx context.Context, id string) (bool, error)
}

type postRepository struct{ db *gorm.DB }

func NewPostRepository(db *gorm.DB) PostRepository { return &postRepository{db: db} }

func (r *postRepository) Create(ctx context.Context, post *model.Post) error {
	if len(post.Attachments) != len(post.MediaIDs) {
		post.SetMediaIDs(post.MediaIDs)
	}
	return r.db.WithContext(ctx).Create(post).Error
}

func (r *postRepository) FindByID(ctx context.Context, id string) (*model.Post, error) {
	var post model.Post
	err := r.db.WithContext(ctx).Preload("Attachments").Where("id = ?", id).First(&post).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	post.LoadMediaIDs()
	return &post, nil
}

func (r *postRepository) List(ctx context.Context, offset, limit int) ([]*model.Post, error) {
	var posts []*model.Post
	err := r.db.WithContext(ctx).Preload("Attachments").
		Order("created_at DESC").Order("id").
		Offset(offset).Limit(limit).
		Find(&posts).Error
	if err != nil {
		return nil, err
	}
	for _, p := range posts {
		p.LoadMediaIDs()
	}
	return posts, nil
}

func (r *postRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Post{}).Count(&n).Error
	return n, err
}

func (r *postRepository) Delete(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// sqlite 默认不执行外键级联
		if err := tx.Where("post_id = ?", id).Delete(&model.PostMedia{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&model.Post{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected > 0
		return nil
	})
	return deleted, err
}
