package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/socialsync/internal/service"
	"github.com/d60-Lab/socialsync/pkg/response"
)

// Search 全文搜索帖子
// @Summary 搜索帖子
// @Tags 搜索
// @Param query query string true "关键词"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Router /api/search [get]
func (h *Handler) Search(c *gin.Context) {
	docs, err := h.searchService.Search(c.Request.Context(), c.Query("query"))
	if errors.Is(err, service.ErrEmptyQuery) {
		response.BadRequest(c, err.Error())
		return
	}
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, docs)
}
