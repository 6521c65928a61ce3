// Package app 组装进程依赖：日志、数据库、缓存、消息总线、对象存储、追踪与错误上报
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/d60-Lab/socialsync/config"
	"github.com/d60-Lab/socialsync/internal/model"
	"github.com/d60-Lab/socialsync/pkg/cache"
	"github.com/d60-Lab/socialsync/pkg/database"
	"github.com/d60-Lab/socialsync/pkg/eventbus"
	"github.com/d60-Lab/socialsync/pkg/logger"
	"github.com/d60-Lab/socialsync/pkg/storage"
)

// App 一个服务进程持有的全部外部资源
type App struct {
	Config    *config.Config
	DB        *gorm.DB
	Redis     *redis.Client
	Cache     *cache.RedisCache
	Broker    eventbus.Broker
	Publisher *eventbus.Publisher
	Consumer  *eventbus.Consumer
	Storage   storage.Store

	shutdownTracing func(context.Context) error
	sentryEnabled   bool

	mu   sync.Mutex
	subs []*eventbus.Subscription
}

// Bootstrap 按配置初始化依赖；broker 连接失败不会阻止启动，首次发布或订阅时重连
func Bootstrap(cfg *config.Config) (*App, error) {
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a := &App{Config: cfg}

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
			SampleRate:  cfg.Sentry.SampleRate,
			ServerName:  cfg.Server.Name,
		}); err != nil {
			return nil, fmt.Errorf("init sentry: %w", err)
		}
		a.sentryEnabled = true
	}

	shutdown, err := initTracing(cfg.Tracing, cfg.Server.Name)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.shutdownTracing = shutdown

	db, err := database.InitDB(cfg)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db, model.All()...); err != nil {
		return nil, err
	}
	a.DB = db

	a.Redis = cache.NewClient(cfg.Redis)
	a.Cache = cache.NewRedisCache(a.Redis, cfg.Cache.OpTimeout)

	a.Broker, err = newBroker(cfg.RabbitMQ)
	if err != nil {
		return nil, err
	}
	opts := eventbus.OptionsFromConfig(cfg.Events)
	a.Publisher = eventbus.NewPublisher(a.Broker, opts)
	a.Consumer = eventbus.NewConsumer(a.Broker, opts)

	a.Storage, err = storage.New(cfg.Storage)
	if err != nil {
		return nil, err
	}

	logger.Info("bootstrap complete",
		zap.String("service", cfg.Server.Name),
		zap.String("database", cfg.Database.Driver),
		zap.String("bus", cfg.RabbitMQ.Transport),
		zap.String("storage", cfg.Storage.Driver),
	)
	return a, nil
}

func newBroker(cfg config.RabbitMQConfig) (eventbus.Broker, error) {
	switch cfg.Transport {
	case "memory":
		return eventbus.NewMemoryBroker(), nil
	case "amqp", "":
		b := eventbus.NewAMQPBroker(cfg.URL)
		if err := b.Connect(); err != nil {
			logger.Warn("rabbitmq not reachable at startup", zap.Error(err))
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported bus transport %q", cfg.Transport)
	}
}

func initTracing(cfg config.TracingConfig, service string) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(context.Background(), opts...)
	if err != nil {
		return nil, err
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attribute.String("service.name", service)))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Ratio))),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Subscribe 订阅并登记，Wait 据此感知订阅意外退出
func (a *App) Subscribe(ctx context.Context, pattern string, h eventbus.Handler) error {
	sub, err := a.Consumer.Subscribe(ctx, pattern, h)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.subs = append(a.subs, sub)
	a.mu.Unlock()
	return nil
}

// Serve 启动 HTTP 服务，直到 ctx 取消或某个订阅因 broker 断开而退出
func (a *App) Serve(ctx context.Context, h http.Handler) error {
	srv := &http.Server{
		Addr:              a.Config.Server.Addr(),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var cause error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		cause = fmt.Errorf("http server: %w", err)
	case err := <-a.subscriptionLost():
		cause = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return cause
}

// subscriptionLost 任一订阅的接收循环因错误退出时发出
func (a *App) subscriptionLost() <-chan error {
	a.mu.Lock()
	subs := append([]*eventbus.Subscription(nil), a.subs...)
	a.mu.Unlock()

	out := make(chan error, len(subs))
	for _, s := range subs {
		go func() {
			if err := s.Wait(); err != nil {
				out <- fmt.Errorf("subscription %s: %w", s.Pattern(), err)
			}
		}()
	}
	return out
}

// Close 按依赖的逆序释放资源；调用前应先取消订阅使用的 ctx
func (a *App) Close() {
	a.mu.Lock()
	subs := a.subs
	a.mu.Unlock()
	for _, s := range subs {
		select {
		case <-s.Done():
		case <-time.After(a.Config.Server.ShutdownTimeout):
			logger.Warn("subscription did not stop in time", zap.String("pattern", s.Pattern()))
		}
	}

	if a.Publisher != nil {
		_ = a.Publisher.Close()
	}
	if a.Broker != nil {
		if err := a.Broker.Close(); err != nil {
			logger.Warn("close broker", zap.Error(err))
		}
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		_ = database.Close(a.DB)
	}
	if a.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.shutdownTracing(ctx)
		cancel()
	}
	if a.sentryEnabled {
		sentry.Flush(2 * time.Second)
	}
	logger.Sync()
}
