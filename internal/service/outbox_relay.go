package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/socialsync/internal/repository"
	"github.com/d60-Lab/socialsync/pkg/logger"
	"github.com/d60-Lab/socialsync/pkg/metrics"
)

// OutboxRelay 轮询 outbox，把写路径上发布失败的事件补发到总线
type OutboxRelay struct {
	repo         repository.OutboxRepository
	pub          EventPublisher
	workers      int
	claimLimit   int
	pollInterval time.Duration
	lease        time.Duration
	maxAttempts  int
	log          *zap.Logger
}

func NewOutboxRelay(repo repository.OutboxRepository, pub EventPublisher, workers, claimLimit int, pollInterval time.Duration) *OutboxRelay {
	if workers <= 0 {
		workers = 1
	}
	if claimLimit <= 0 {
		claimLimit = 64
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &OutboxRelay{
		repo:         repo,
		pub:          pub,
		workers:      workers,
		claimLimit:   claimLimit,
		pollInterval: pollInterval,
		lease:        time.Minute,
		maxAttempts:  20,
		log:          logger.Named("outbox-relay"),
	}
}

// Start 启动若干 worker 轮询 outbox；返回停止函数，等待 worker 退出或 ctx 到期。
func (w *OutboxRelay) Start() func(context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	return func(stopCtx context.Context) error {
		cancel()
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-stopCtx.Done():
			return stopCtx.Err()
		}
	}
}

func (w *OutboxRelay) loop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.ProcessOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.log.Warn("outbox pass failed", zap.Error(err))
			}
		}
	}
}

// ProcessOnce 领取一批并逐条补发，返回成功条数
func (w *OutboxRelay) ProcessOnce(ctx context.Context) (int, error) {
	batch, err := w.repo.Claim(ctx, w.claimLimit, w.lease)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, b := range batch {
		if err := w.pub.Publish(ctx, b.RoutingKey, json.RawMessage(b.Payload)); err != nil {
			w.log.Warn("republish failed", zap.String("outbox_id", b.ID), zap.String("routing_key", b.RoutingKey),
				zap.Int("attempts", b.Attempts+1), zap.Error(err))
			if mErr := w.repo.MarkFailed(ctx, b.ID, err, w.maxAttempts); mErr != nil {
				return sent, mErr
			}
			continue
		}
		if err := w.repo.MarkDone(ctx, b.ID); err != nil {
			return sent, err
		}
		sent++
		w.log.Info("outbox event republished", zap.String("outbox_id", b.ID), zap.String("routing_key", b.RoutingKey),
			zap.Duration("delay", time.Since(b.CreatedAt)))
	}

	if pending, err := w.repo.CountPending(ctx); err == nil {
		metrics.OutboxPending.Set(float64(pending))
	}
	return sent, nil
}
