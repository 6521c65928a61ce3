package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/d60-Lab/socialsync/pkg/logger"
	"github.com/d60-Lab/socialsync/pkg/response"
)

// UserIDHeader 网关校验 token 后写入的用户 ID
const UserIDHeader = "X-User-ID"

const userIDKey = "userID"

// RequireUser 要求请求带有网关注入的用户 ID
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := c.GetHeader(UserIDHeader)
		if uid == "" {
			response.Unauthorized(c, "authentication required")
			return
		}
		c.Set(userIDKey, uid)
		c.Next()
	}
}

// UserID 取出 RequireUser 设置的用户 ID
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// Logger 访问日志
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		}
		if uid := c.GetHeader(UserIDHeader); uid != "" {
			fields = append(fields, zap.String("user_id", uid))
		}
		if c.Writer.Status() >= 500 {
			logger.Error("request", fields...)
			return
		}
		logger.Info("request", fields...)
	}
}

// Recovery panic 时上报 sentry 并返回 500
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, err any) {
		logger.Error("panic recovered", zap.Any("error", err), zap.String("path", c.Request.URL.Path))
		sentry.CurrentHub().Clone().Recover(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, response.Response{Success: false, Message: "internal server error"})
	})
}

// RateLimiter 按客户端 IP 限流
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{limit: rate.Limit(perSecond), burst: burst, limiters: make(map[string]*visitor)}
}

func (l *RateLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.limiters[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Cleanup 清理 idle 之前未出现的 IP
func (l *RateLimiter) Cleanup(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for ip, v := range l.limiters {
		if time.Since(v.lastSeen) > idle {
			delete(l.limiters, ip)
			removed++
		}
	}
	return removed
}

func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.limit <= 0 {
			c.Next()
			return
		}
		if !l.get(c.ClientIP()).Allow() {
			logger.Warn("rate limit exceeded", zap.String("ip", c.ClientIP()), zap.String("path", c.Request.URL.Path))
			response.TooManyRequests(c)
			return
		}
		c.Next()
	}
}
