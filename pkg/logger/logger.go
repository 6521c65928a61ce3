// Package logger 进程级 zap logger 与便捷函数
package logger

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var global atomic.Pointer[zap.Logger]

func init() {
	global.Store(zap.NewNop())
}

// Init 按级别与格式（json/console）构建全局 logger
func Init(level, format string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "time"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	global.Store(l)
	return nil
}

// Set 替换全局 logger（测试中注入 zaptest/observer）
func Set(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	global.Store(l)
}

// L 返回全局 logger
func L() *zap.Logger { return global.Load() }

// Named 返回带组件名的子 logger
func Named(component string) *zap.Logger {
	return global.Load().WithOptions(zap.AddCallerSkip(-1)).Named(component)
}

func Debug(msg string, fields ...zap.Field) { global.Load().Debug(msg, fields...) }

func Info(msg string, fields ...zap.Field) { global.Load().Info(msg, fields...) }

func Warn(msg string, fields ...zap.Field) { global.Load().Warn(msg, fields...) }

func Error(msg string, fields ...zap.Field) { global.Load().Error(msg, fields...) }

// Sync 刷新缓冲，进程退出前调用
func Sync() {
	_ = global.Load().Sync()
}
