package model

import "time"

// SearchDocument 帖子的搜索投影，按 post_id 唯一
type SearchDocument struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	PostID    string    `gorm:"type:varchar(36);uniqueIndex:ux_search_post;not null" json:"postId"`
	UserID    string    `gorm:"type:varchar(36);index:idx_search_user;not null" json:"userId"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `gorm:"index" json:"createdAt"`
}

func (SearchDocument) TableName() string { return "search_documents" }
