package handler

import (
	"github.com/d60-Lab/socialsync/internal/service"
)

// Handler HTTP 处理器；每个进程只注入自己负责的服务
type Handler struct {
	postService   service.PostService
	searchService service.SearchService
	mediaService  service.MediaService
}

type Option func(*Handler)

func WithPostService(s service.PostService) Option { return func(h *Handler) { h.postService = s } }

func WithSearchService(s service.SearchService) Option { return func(h *Handler) { h.searchService = s } }

func WithMediaService(s service.MediaService) Option { return func(h *Handler) { h.mediaService = s } }

func NewHandler(opts ...Option) *Handler {
	h := &Handler{}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Handler) HasPosts() bool { return h.postService != nil }

func (h *Handler) HasSearch() bool { return h.searchService != nil }

func (h *Handler) HasMedia() bool { return h.mediaService != nil }
