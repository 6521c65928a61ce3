package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/socialsync/internal/model"
)

// OutboxRepository 待补发事件
type OutboxRepository interface {
	Enqueue(ctx context.Context, routingKey string, payload []byte) (*model.Outbox, error)

	// Claim 领取一批 pending（以及租约过期的 processing）事件
	Claim(ctx context.Context, limit int, lease time.Duration) ([]*model.Outbox, error)

	MarkDone(ctx context.Context, id string) error

	// MarkFailed 记录失败；次数达到 maxAttempts 后不再领取
	MarkFailed(ctx context.Context, id string, cause error, maxAttempts int) error

	CountPending(ctx context.Context) (int64, error)
}

type outboxRepository struct{ db *gorm.DB }

func NewOutboxRepository(db *gorm.DB) OutboxRepository { return &outboxRepository{db: db} }

func (r *outboxRepository) Enqueue(ctx context.Context, routingKey string, payload []byte) (*model.Outbox, error) {
	out := &model.Outbox{
		ID:         uuid.New().String(),
		RoutingKey: routingKey,
		Payload:    string(payload),
		Status:     model.OutboxPending,
		CreatedAt:  time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *outboxRepository) Claim(ctx context.Context, limit int, lease time.Duration) ([]*model.Outbox, error) {
	now := time.Now()
	expired := now.Add(-lease)
	var batch []*model.Outbox
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("status = ? OR (status = ? AND claimed_at < ?)", model.OutboxPending, model.OutboxProcessing, expired).
			Order("created_at").
			Limit(limit)
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.Find(&batch).Error; err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		ids := make([]string, len(batch))
		for i, b := range batch {
			ids[i] = b.ID
			b.Status = model.OutboxProcessing
			b.ClaimedAt = &now
		}
		return tx.Model(&model.Outbox{}).Where("id IN ?", ids).
			Updates(map[string]any{"status": model.OutboxProcessing, "claimed_at": now}).Error
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

func (r *outboxRepository) MarkDone(ctx context.Context, id string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.Outbox{}).Where("id = ?", id).
		Updates(map[string]any{"status": model.OutboxDone, "processed_at": now, "last_error": ""}).Error
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id string, cause error, maxAttempts int) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var out model.Outbox
		if err := tx.Where("id = ?", id).First(&out).Error; err != nil {
			return err
		}
		out.Attempts++
		status := model.OutboxPending
		if maxAttempts > 0 && out.Attempts >= maxAttempts {
			status = model.OutboxFailed
		}
		msg := ""
		if cause != nil {
			msg = cause.Error()
		}
		return tx.Model(&model.Outbox{}).Where("id = ?", id).
			Updates(map[string]any{"status": status, "attempts": out.Attempts, "last_error": msg, "claimed_at": nil}).Error
	})
}

func (r *outboxRepository) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Outbox{}).
		Where("status IN ?", []string{model.OutboxPending, model.OutboxProcessing}).
		Count(&n).Error
	return n, err
}
