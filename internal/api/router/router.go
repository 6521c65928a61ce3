package router

import (
	"net/http"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/d60-Lab/socialsync/config"
	"github.com/d60-Lab/socialsync/internal/api/handler"
	"github.com/d60-Lab/socialsync/internal/api/middleware"
	"github.com/d60-Lab/socialsync/pkg/metrics"
)

// Setup 注册路由；只挂载 Handler 中已注入服务的路由
func Setup(h *handler.Handler, limiter *middleware.RateLimiter, cfg config.ServerConfig) *gin.Engine {
	gin.SetMode(cfg.Mode)
	r := gin.New()
	r.Use(middleware.Recovery())
	r.Use(otelgin.Middleware(cfg.Name))
	r.Use(middleware.Logger())
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": cfg.Name})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")
	if limiter != nil {
		api.Use(limiter.Middleware())
	}

	if h.HasPosts() {
		posts := api.Group("/posts")
		posts.GET("", h.ListPosts)
		posts.GET("/:id", h.GetPost)
		authed := posts.Group("", middleware.RequireUser())
		authed.POST("", h.CreatePost)
		authed.DELETE("/:id", h.DeletePost)
	}

	if h.HasSearch() {
		api.GET("/search", h.Search)
	}

	if h.HasMedia() {
		media := api.Group("/media")
		media.GET("/:id", h.GetMedia)
		authed := media.Group("", middleware.RequireUser())
		authed.POST("/upload", h.UploadMedia)
		authed.GET("", h.ListMedia)
	}

	return r
}
