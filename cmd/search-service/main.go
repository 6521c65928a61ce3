package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/d60-Lab/socialsync/config"
	"github.com/d60-Lab/socialsync/internal/api/handler"
	"github.com/d60-Lab/socialsync/internal/api/middleware"
	"github.com/d60-Lab/socialsync/internal/api/router"
	"github.com/d60-Lab/socialsync/internal/app"
	"github.com/d60-Lab/socialsync/internal/repository"
	"github.com/d60-Lab/socialsync/internal/service"
	"github.com/d60-Lab/socialsync/pkg/eventbus"
	"github.com/d60-Lab/socialsync/pkg/logger"
)

func main() {
	cfg, err := config.LoadService("search-service", 3004)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	a, err := app.Bootstrap(cfg)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	docs := repository.NewSearchRepository(a.DB)
	projector := service.NewSearchProjector(docs, service.NewInvalidator(a.Cache, service.NamespaceSearch))
	// created 与 deleted 走同一个队列，保证同一帖子的事件按序处理
	if err := a.Subscribe(ctx, "post.*", eventbus.Route(projector.Routes())); err != nil {
		logger.Error("subscribe failed", zap.Error(err))
		return
	}

	limiter := middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	go app.RunLimiterCleanup(ctx, limiter)

	h := handler.NewHandler(handler.WithSearchService(service.NewSearchService(docs, a.Cache, cfg.Cache.ListTTL)))
	if err := a.Serve(ctx, router.Setup(h, limiter, cfg.Server)); err != nil {
		logger.Error("search service stopped", zap.Error(err))
	}
}
