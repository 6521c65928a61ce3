// Package events 定义服务间的领域事件（路由键与负载）
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/d60-Lab/socialsync/pkg/eventbus"
)

// 路由键
const (
	PostCreated = "post.created"
	PostDeleted = "post.deleted"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// PostCreatedEvent post.created 负载，搜索投影据此重建文档
type PostCreatedEvent struct {
	PostID    string    `json:"postId" validate:"required"`
	UserID    string    `json:"userId" validate:"required"`
	Content   string    `json:"content" validate:"required"`
	CreatedAt time.Time `json:"createdAt" validate:"required"`
}

// PostDeletedEvent post.deleted 负载；MediaIDs 缺省视为空列表
type PostDeletedEvent struct {
	PostID   string   `json:"postId" validate:"required"`
	UserID   string   `json:"userId,omitempty"`
	MediaIDs []string `json:"mediaIds" validate:"dive,required"`
}

// DecodePostCreated 解码并校验；校验失败为永久错误
func DecodePostCreated(env eventbus.Envelope) (PostCreatedEvent, error) {
	var evt PostCreatedEvent
	if err := decode(env, &evt); err != nil {
		return PostCreatedEvent{}, err
	}
	return evt, nil
}

// DecodePostDeleted 解码并校验；校验失败为永久错误
func DecodePostDeleted(env eventbus.Envelope) (PostDeletedEvent, error) {
	var evt PostDeletedEvent
	if err := decode(env, &evt); err != nil {
		return PostDeletedEvent{}, err
	}
	if evt.MediaIDs == nil {
		evt.MediaIDs = []string{}
	}
	return evt, nil
}

func decode(env eventbus.Envelope, v any) error {
	if err := env.Decode(v); err != nil {
		return err
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return eventbus.Permanent(fmt.Errorf("%w: %s: %v", eventbus.ErrMalformed, env.RoutingKey, verrs))
		}
		return eventbus.Permanent(err)
	}
	return nil
}
