package service

import "errors"

var (
	ErrPostNotFound  = errors.New("post not found")
	ErrForbidden     = errors.New("not the owner of this post")
	ErrEmptyContent  = errors.New("content is required")
	ErrEmptyQuery    = errors.New("query is required")
	ErrMediaNotFound = errors.New("media not found")
)
