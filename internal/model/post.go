package model

import (
	"sort"
	"time"
)

// Post 帖子主体；媒体引用按顺序存在 post_media
type Post struct {
	ID          string      `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID      string      `gorm:"type:varchar(36);index:idx_post_user;not null" json:"userId"`
	Content     string      `gorm:"type:text;not null" json:"content"`
	MediaIDs    []string    `gorm:"-" json:"mediaIds"`
	Attachments []PostMedia `gorm:"foreignKey:PostID;constraint:OnDelete:CASCADE" json:"-"`
	CreatedAt   time.Time   `gorm:"index:idx_post_created" json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

func (Post) TableName() string { return "posts" }

// SetMediaIDs 同步 MediaIDs 与 Attachments
func (p *Post) SetMediaIDs(ids []string) {
	p.MediaIDs = append([]string{}, ids...)
	p.Attachments = make([]PostMedia, len(ids))
	for i, id := range ids {
		p.Attachments[i] = PostMedia{PostID: p.ID, MediaID: id, Position: i}
	}
}

// LoadMediaIDs 由预加载的 Attachments 还原 MediaIDs
func (p *Post) LoadMediaIDs() {
	sort.SliceStable(p.Attachments, func(i, j int) bool {
		return p.Attachments[i].Position < p.Attachments[j].Position
	})
	p.MediaIDs = make([]string, len(p.Attachments))
	for i, a := range p.Attachments {
		p.MediaIDs[i] = a.MediaID
	}
}

// PostMedia 帖子与媒体的有序关联
type PostMedia struct {
	PostID   string `gorm:"primaryKey;type:varchar(36)"`
	MediaID  string `gorm:"primaryKey;type:varchar(36);index:idx_post_media_media"`
	Position int    `gorm:"not null;default:0"`
}

func (PostMedia) TableName() string { return "post_media" }
