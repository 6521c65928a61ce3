// fanoutbench 测量写路径耗时与事件落地（搜索投影、媒体清理）延迟
package main

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/d60-Lab/socialsync/config"
	"github.com/d60-Lab/socialsync/internal/app"
	"github.com/d60-Lab/socialsync/internal/events"
	"github.com/d60-Lab/socialsync/internal/repository"
	"github.com/d60-Lab/socialsync/internal/service"
	"github.com/d60-Lab/socialsync/pkg/eventbus"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func envInt(name string, def int) int {
	if s := os.Getenv(name); s != "" {
		if v, e := strconv.Atoi(s); e == nil && v > 0 {
			return v
		}
	}
	return def
}

func pct(vs []time.Duration, p float64) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	xs := append([]time.Duration(nil), vs...)
	sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
	k := int(math.Ceil(p*float64(len(xs)))) - 1
	if k < 0 {
		k = 0
	}
	if k >= len(xs) {
		k = len(xs) - 1
	}
	return xs[k]
}

func avg(vs []time.Duration) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range vs {
		sum += d
	}
	return sum / time.Duration(len(vs))
}

// landed 包一层 handler，成功后记录从发布到落地的耗时
func landed(h eventbus.Handler, out chan<- time.Duration) eventbus.Handler {
	return func(ctx context.Context, env eventbus.Envelope) error {
		if err := h(ctx, env); err != nil {
			return err
		}
		select {
		case out <- time.Since(env.PublishedAt):
		default:
		}
		return nil
	}
}

func collect(ch <-chan time.Duration, want int, timeout time.Duration) []time.Duration {
	res := make([]time.Duration, 0, want)
	deadline := time.After(timeout)
	for len(res) < want {
		select {
		case d := <-ch:
			res = append(res, d)
		case <-deadline:
			fmt.Printf("timeout: got=%d want=%d\n", len(res), want)
			return res
		}
	}
	return res
}

func main() {
	posts := envInt("POSTS", 500)
	media := envInt("MEDIA", 2)

	cfg := must(config.LoadService("fanoutbench", 3099))
	if os.Getenv("BUS") != "amqp" {
		cfg.RabbitMQ.Transport = "memory"
	}
	cfg.Storage.Driver = "memory"
	a := must(app.Bootstrap(cfg))
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	docs := repository.NewSearchRepository(a.DB)
	mediaRepo := repository.NewMediaRepository(a.DB)
	outbox := repository.NewOutboxRepository(a.DB)
	postSvc := service.NewPostService(repository.NewPostRepository(a.DB), outbox, a.Cache, a.Publisher, service.PostServiceOptions{})
	mediaSvc := service.NewMediaService(mediaRepo, a.Storage)

	projector := service.NewSearchProjector(docs, service.NewInvalidator(a.Cache, service.NamespaceSearch))
	reconciler := service.NewMediaReconciler(mediaRepo, a.Storage, cfg.Storage.MediaConcurrency)

	created := make(chan time.Duration, posts)
	deleted := make(chan time.Duration, posts)
	reconciled := make(chan time.Duration, posts)
	if err := a.Subscribe(ctx, "post.*", eventbus.Route(map[string]eventbus.Handler{
		events.PostCreated: landed(projector.HandleCreated, created),
		events.PostDeleted: landed(projector.HandleDeleted, deleted),
	})); err != nil {
		panic(err)
	}
	if err := a.Subscribe(ctx, events.PostDeleted, landed(reconciler.HandleDeleted, reconciled)); err != nil {
		panic(err)
	}

	writes := make([]time.Duration, 0, posts)
	ids := make([]string, 0, posts)
	for i := 0; i < posts; i++ {
		mediaIDs := make([]string, 0, media)
		for j := 0; j < media; j++ {
			m := must(mediaSvc.Upload(ctx, "bench", fmt.Sprintf("img-%d-%d.png", i, j), "image/png", bytes.NewReader([]byte("png"))))
			mediaIDs = append(mediaIDs, m.ID)
		}
		st := time.Now()
		p := must(postSvc.CreatePost(ctx, "bench", fmt.Sprintf("bench post %d", i), mediaIDs))
		writes = append(writes, time.Since(st))
		ids = append(ids, p.ID)
	}
	projected := collect(created, posts, 2*time.Minute)

	deletes := make([]time.Duration, 0, posts)
	for _, id := range ids {
		st := time.Now()
		if err := postSvc.DeletePost(ctx, "bench", id); err != nil {
			panic(err)
		}
		deletes = append(deletes, time.Since(st))
	}
	unprojected := collect(deleted, posts, 2*time.Minute)
	cleaned := collect(reconciled, posts, 2*time.Minute)

	fmt.Printf("POSTS=%d MEDIA=%d BUS=%s DB=%s\n", posts, media, cfg.RabbitMQ.Transport, cfg.Database.Driver)
	fmt.Printf("CreatePost latency: avg=%v p95=%v p99=%v\n", avg(writes), pct(writes, 0.95), pct(writes, 0.99))
	fmt.Printf("Search projection landing: samples=%d avg=%v p95=%v p99=%v\n", len(projected), avg(projected), pct(projected, 0.95), pct(projected, 0.99))
	fmt.Printf("DeletePost latency: avg=%v p95=%v p99=%v\n", avg(deletes), pct(deletes, 0.95), pct(deletes, 0.99))
	fmt.Printf("Search removal landing: samples=%d avg=%v p95=%v p99=%v\n", len(unprojected), avg(unprojected), pct(unprojected, 0.95), pct(unprojected, 0.99))
	fmt.Printf("Media reconciliation landing: samples=%d avg=%v p95=%v p99=%v\n", len(cleaned), avg(cleaned), pct(cleaned, 0.95), pct(cleaned, 0.99))

	left := must(docs.Count(ctx))
	pending := must(outbox.CountPending(ctx))
	fmt.Printf("Search documents left=%d outbox pending=%d\n", left, pending)
}
