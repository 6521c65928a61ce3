package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/socialsync/internal/api/middleware"
	"github.com/d60-Lab/socialsync/pkg/logger"
)

const (
	limiterCleanupInterval = 10 * time.Minute
	limiterIdle            = 30 * time.Minute
)

// RunLimiterCleanup 定期清理长时间未访问的 IP 限流器，直到 ctx 取消
func RunLimiterCleanup(ctx context.Context, l *middleware.RateLimiter) {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Cleanup(limiterIdle); n > 0 {
				logger.Debug("rate limiters cleaned", zap.Int("removed", n))
			}
		}
	}
}
