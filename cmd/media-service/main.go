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
	"github.com/d60-Lab/socialsync/internal/events"
	"github.com/d60-Lab/socialsync/internal/repository"
	"github.com/d60-Lab/socialsync/internal/service"
	"github.com/d60-Lab/socialsync/pkg/eventbus"
	"github.com/d60-Lab/socialsync/pkg/logger"
)

func main() {
	cfg, err := config.LoadService("media-service", 3003)
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

	media := repository.NewMediaRepository(a.DB)
	reconciler := service.NewMediaReconciler(media, a.Storage, cfg.Storage.MediaConcurrency)
	if err := a.Subscribe(ctx, events.PostDeleted, eventbus.Route(reconciler.Routes())); err != nil {
		logger.Error("subscribe failed", zap.Error(err))
		return
	}

	limiter := middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	go app.RunLimiterCleanup(ctx, limiter)

	h := handler.NewHandler(handler.WithMediaService(service.NewMediaService(media, a.Storage)))
	if err := a.Serve(ctx, router.Setup(h, limiter, cfg.Server)); err != nil {
		logger.Error("media service stopped", zap.Error(err))
	}
}
