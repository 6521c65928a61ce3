package model

import "time"

// Outbox 发布失败时暂存的事件，由 OutboxRelay 补发
type Outbox struct {
	ID          string     `gorm:"primaryKey;type:varchar(36)"`
	RoutingKey  string     `gorm:"type:varchar(128);not null"`
	Payload     string     `gorm:"type:text;not null"`
	Status      string     `gorm:"type:varchar(16);index:idx_outbox_status_created"` // pending, processing, done, failed
	Attempts    int        `gorm:"not null;default:0"`
	LastError   string     `gorm:"type:text"`
	CreatedAt   time.Time  `gorm:"index:idx_outbox_status_created"`
	ClaimedAt   *time.Time
	ProcessedAt *time.Time
}

func (Outbox) TableName() string { return "outboxes" }

// Outbox 状态
const (
	OutboxPending    = "pending"
	OutboxProcessing = "processing"
	OutboxDone       = "done"
	OutboxFailed     = "failed"
)

// All 需要迁移的模型
func All() []any {
	return []any{&Post{}, &PostMedia{}, &Media{}, &SearchDocument{}, &Outbox{}}
}
