// cachebench 对比帖子读路径有无 Redis 缓存的延迟，并测量命名空间粗粒度失效的代价
package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/d60-Lab/socialsync/config"
	"github.com/d60-Lab/socialsync/internal/model"
	"github.com/d60-Lab/socialsync/internal/repository"
	"github.com/d60-Lab/socialsync/internal/service"
	"github.com/d60-Lab/socialsync/pkg/cache"
	"github.com/d60-Lab/socialsync/pkg/database"
	"github.com/d60-Lab/socialsync/pkg/logger"
)

type request struct {
	postID string // 为空表示列表请求
	page   int
	size   int
}

// noCache 永远未命中，作为对照组
type noCache struct{}

func (noCache) Get(context.Context, string) (string, bool, error)                { return "", false, nil }
func (noCache) SetWithTTL(context.Context, string, string, time.Duration) error { return nil }
func (noCache) Delete(context.Context, ...string) error                          { return nil }
func (noCache) KeysMatching(context.Context, string) ([]string, error)           { return nil, nil }

// discardPublisher 丢弃事件；本基准只关心读路径
type discardPublisher struct{}

func (discardPublisher) Publish(context.Context, string, any) error { return nil }

func main() {
	ctx := context.Background()

	posts := envInt("POSTS", 5000)
	reqCount := envInt("REQUESTS", 9000)

	cfg := must(config.LoadService("cachebench", 3098))
	mustDo(logger.Init(cfg.Log.Level, cfg.Log.Format))
	db := must(database.InitDB(cfg))
	mustDo(database.Migrate(db, model.All()...))

	fmt.Println("Setting up test data...")
	mustDo(db.Exec("DELETE FROM post_media").Error)
	mustDo(db.Exec("DELETE FROM posts").Error)
	rows := make([]model.Post, posts)
	base := time.Now()
	for i := range rows {
		rows[i] = model.Post{
			ID:        uuid.NewString(),
			UserID:    fmt.Sprintf("user_%d", i%200),
			Content:   fmt.Sprintf("post %d %s", i, strings.Repeat("lorem ipsum ", 1+i%8)),
			CreatedAt: base.Add(-time.Duration(i) * time.Second),
		}
	}
	mustDo(db.CreateInBatches(&rows, 1000).Error)
	fmt.Printf("Test data ready: %d posts\n", posts)

	client := cache.NewClient(cfg.Redis)
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		panic(fmt.Sprintf("Failed to connect to Redis at %s: %v", cfg.Redis.Addr, err))
	}
	redisCache := cache.NewRedisCache(client, cfg.Cache.OpTimeout)

	repo := repository.NewPostRepository(db)
	opts := service.PostServiceOptions{EntityTTL: cfg.Cache.EntityTTL, ListTTL: cfg.Cache.ListTTL}
	uncached := service.NewPostService(repo, nil, noCache{}, discardPublisher{}, opts)
	cached := service.NewPostService(repo, nil, redisCache, discardPublisher{}, opts)

	reqs := makeRequests(rows, reqCount)

	mustDo(client.FlushDB(ctx).Err())
	cold := runScenario(ctx, uncached, reqs)
	mustDo(client.FlushDB(ctx).Err())
	first := runScenario(ctx, cached, reqs)
	warm := runScenario(ctx, cached, reqs)
	keys := must(redisCache.KeysMatching(ctx, service.NamespacePosts+":*"))

	fmt.Printf("\nPost read latency (%d req, %d posts, %s + Redis)\n", len(reqs), posts, cfg.Database.Driver)
	fmt.Printf("%-18s avg=%v p95=%v p99=%v\n", "No cache", avg(cold), pct(cold, 0.95), pct(cold, 0.99))
	fmt.Printf("%-18s avg=%v p95=%v p99=%v\n", "Cache (filling)", avg(first), pct(first, 0.95), pct(first, 0.99))
	fmt.Printf("%-18s avg=%v p95=%v p99=%v cache_keys=%d\n", "Cache (warm)", avg(warm), pct(warm, 0.95), pct(warm, 0.99), len(keys))

	// 粗粒度失效：每次删除都要 SCAN 整个命名空间，代价随键数增长
	fmt.Println("\nNamespace invalidation cost")
	inv := service.NewInvalidator(redisCache, service.NamespacePosts)
	for _, n := range []int{100, 1000, 10000} {
		mustDo(client.FlushDB(ctx).Err())
		pipe := client.Pipeline()
		for i := 0; i < n; i++ {
			pipe.Set(ctx, inv.Key("list", strconv.Itoa(i), "20"), "[]", cfg.Cache.ListTTL)
		}
		must(pipe.Exec(ctx))
		st := time.Now()
		mustDo(inv.Invalidate(ctx, rows[0].ID))
		left := must(client.DBSize(ctx).Result())
		fmt.Printf("keys=%-6d took=%v left=%d\n", n, time.Since(st), left)
	}
}

func runScenario(ctx context.Context, svc service.PostService, reqs []request) []time.Duration {
	fmt.Print("  Running benchmark...")
	out := make([]time.Duration, 0, len(reqs))
	for _, r := range reqs {
		start := time.Now()
		var err error
		if r.postID != "" {
			_, err = svc.GetPost(ctx, r.postID)
		} else {
			_, err = svc.ListPosts(ctx, r.page, r.size)
		}
		if err != nil {
			panic(err)
		}
		out = append(out, time.Since(start))
	}
	fmt.Println(" done")
	return out
}

// makeRequests 约 70% 单帖读取（热点集中在前 5%），其余为列表分页
func makeRequests(rows []model.Post, n int) []request {
	sizes := []int{10, 20, 50}
	hot := len(rows)/20 + 1
	out := make([]request, n)
	rnd := rand.New(rand.NewSource(42))
	for i := 0; i < n; i++ {
		if rnd.Float64() < 0.7 {
			idx := rnd.Intn(hot)
			if rnd.Float64() > 0.8 {
				idx = rnd.Intn(len(rows))
			}
			out[i] = request{postID: rows[idx].ID}
			continue
		}
		size := sizes[rnd.Intn(len(sizes))]
		page := 1
		if rnd.Float64() > 0.72 {
			page = 2 + rnd.Intn(40)
		}
		out[i] = request{page: page, size: size}
	}
	return out
}

func envInt(name string, def int) int {
	if s := os.Getenv(name); s != "" {
		if v, e := strconv.Atoi(s); e == nil && v > 0 {
			return v
		}
	}
	return def
}

func avg(vs []time.Duration) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	var sum time.Duration
	for _, v := range vs {
		sum += v
	}
	return sum / time.Duration(len(vs))
}

func pct(vs []time.Duration, p float64) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), vs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func mustDo(err error) {
	if err != nil {
		panic(err)
	}
}
