package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/socialsync/config"
	"github.com/d60-Lab/socialsync/internal/api/handler"
	"github.com/d60-Lab/socialsync/internal/api/middleware"
	"github.com/d60-Lab/socialsync/internal/api/router"
	"github.com/d60-Lab/socialsync/internal/app"
	"github.com/d60-Lab/socialsync/internal/repository"
	"github.com/d60-Lab/socialsync/internal/service"
	"github.com/d60-Lab/socialsync/pkg/logger"
)

func main() {
	cfg, err := config.LoadService("post-service", 3002)
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

	outbox := repository.NewOutboxRepository(a.DB)
	posts := service.NewPostService(repository.NewPostRepository(a.DB), outbox, a.Cache, a.Publisher, service.PostServiceOptions{
		EntityTTL:          cfg.Cache.EntityTTL,
		ListTTL:            cfg.Cache.ListTTL,
		FailOnPublishError: cfg.Events.FailWriteOnPublishError,
	})

	relay := service.NewOutboxRelay(outbox, a.Publisher, 1, cfg.Events.OutboxClaimLimit, cfg.Events.OutboxPollInterval)
	stopRelay := relay.Start()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = stopRelay(sctx)
	}()

	limiter := middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	go app.RunLimiterCleanup(ctx, limiter)

	h := handler.NewHandler(handler.WithPostService(posts))
	if err := a.Serve(ctx, router.Setup(h, limiter, cfg.Server)); err != nil {
		logger.Error("post service stopped", zap.Error(err))
	}
}
