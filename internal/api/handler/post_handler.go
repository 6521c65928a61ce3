package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/socialsync/internal/api/middleware"
	"github.com/d60-Lab/socialsync/internal/service"
	"github.com/d60-Lab/socialsync/pkg/response"
)

type createPostRequest struct {
	Content  string   `json:"content" binding:"required"`
	MediaIDs []string `json:"mediaIds" binding:"omitempty,dive,required"`
}

// CreatePost 发帖，成功后异步更新搜索索引
// @Summary 创建帖子
// @Tags 帖子
// @Accept json
// @Produce json
// @Param X-User-ID header string true "用户ID"
// @Param request body createPostRequest true "帖子内容"
// @Success 201 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 500 {object} response.Response
// @Router /api/posts [post]
func (h *Handler) CreatePost(c *gin.Context) {
	var req createPostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	post, err := h.postService.CreatePost(c.Request.Context(), middleware.UserID(c), req.Content, req.MediaIDs)
	if errors.Is(err, service.ErrEmptyContent) {
		response.BadRequest(c, err.Error())
		return
	}
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Created(c, "Post created successfully", post)
}

// GetPost 查询单个帖子
// @Summary 查询帖子
// @Tags 帖子
// @Param id path string true "帖子ID"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/posts/{id} [get]
func (h *Handler) GetPost(c *gin.Context) {
	post, err := h.postService.GetPost(c.Request.Context(), c.Param("id"))
	if errors.Is(err, service.ErrPostNotFound) {
		response.NotFound(c, "Post not found")
		return
	}
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, post)
}

// ListPosts 分页查询
// @Summary 帖子列表
// @Tags 帖子
// @Param page query int false "页码" default(1)
// @Param limit query int false "每页数量" default(10)
// @Success 200 {object} response.Response
// @Router /api/posts [get]
func (h *Handler) ListPosts(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	res, err := h.postService.ListPosts(c.Request.Context(), page, limit)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, res)
}

// DeletePost 删除帖子，仅作者可删
// @Summary 删除帖子
// @Tags 帖子
// @Param X-User-ID header string true "用户ID"
// @Param id path string true "帖子ID"
// @Success 200 {object} response.Response
// @Failure 403 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/posts/{id} [delete]
func (h *Handler) DeletePost(c *gin.Context) {
	err := h.postService.DeletePost(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	switch {
	case errors.Is(err, service.ErrPostNotFound):
		response.NotFound(c, "Post not found")
	case errors.Is(err, service.ErrForbidden):
		response.Forbidden(c, "You can only delete your own posts")
	case err != nil:
		response.InternalError(c, err)
	default:
		response.Success(c, gin.H{"message": "Post deleted successfully"})
	}
}
