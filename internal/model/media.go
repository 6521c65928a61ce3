package model

import "time"

// Media 已上传的媒体；StorageID 是对象存储中的标识
type Media struct {
	ID           string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID       string    `gorm:"type:varchar(36);index:idx_media_user;not null" json:"userId"`
	StorageID    string    `gorm:"type:varchar(255);not null" json:"storageId"`
	URL          string    `gorm:"type:text;not null" json:"url"`
	OriginalName string    `gorm:"type:varchar(255)" json:"originalName"`
	MimeType     string    `gorm:"type:varchar(128)" json:"mimeType"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (Media) TableName() string { return "media" }
