package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/socialsync/internal/api/middleware"
	"github.com/d60-Lab/socialsync/internal/service"
	"github.com/d60-Lab/socialsync/pkg/response"
)

// UploadMedia 上传单个文件（multipart 字段 file）
// @Summary 上传媒体
// @Tags 媒体
// @Accept multipart/form-data
// @Param X-User-ID header string true "用户ID"
// @Param file formData file true "文件"
// @Success 201 {object} response.Response
// @Failure 400 {object} response.Response
// @Router /api/media/upload [post]
func (h *Handler) UploadMedia(c *gin.Context) {
	fh, err := c.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		response.BadRequest(c, "No file found. Please add a file and try again")
		return
	}
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	f, err := fh.Open()
	if err != nil {
		response.InternalError(c, err)
		return
	}
	defer f.Close()

	m, err := h.mediaService.Upload(c.Request.Context(), middleware.UserID(c), fh.Filename, fh.Header.Get("Content-Type"), f)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Created(c, "Media upload is successful", m)
}

// ListMedia 当前用户的媒体
// @Summary 媒体列表
// @Tags 媒体
// @Param X-User-ID header string true "用户ID"
// @Success 200 {object} response.Response
// @Router /api/media [get]
func (h *Handler) ListMedia(c *gin.Context) {
	list, err := h.mediaService.ListMedia(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, list)
}

// GetMedia 查询单个媒体
// @Summary 查询媒体
// @Tags 媒体
// @Param id path string true "媒体ID"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/media/{id} [get]
func (h *Handler) GetMedia(c *gin.Context) {
	m, err := h.mediaService.GetMedia(c.Request.Context(), c.Param("id"))
	if errors.Is(err, service.ErrMediaNotFound) {
		response.NotFound(c, "Media not found")
		return
	}
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, m)
}
