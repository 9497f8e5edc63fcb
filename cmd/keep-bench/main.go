package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/dustin/go-humanize"
	"github.com/mirkobrombin/go-keep/v1/cache"
	"github.com/mirkobrombin/go-keep/v1/core"
	"github.com/mirkobrombin/go-keep/v1/persist"
	"github.com/mirkobrombin/go-keep/v1/presets"
	redis "github.com/redis/go-redis/v9"
)

var (
	concurrency = flag.Int("c", 50, "Concurrency")
	requests    = flag.Int("n", 100000, "Requests per phase")
	dataSize    = flag.String("d", "256B", "Payload size")
	keys        = flag.Int("keys", 1000, "Distinct keys")
	target      = flag.String("target", "keep-file,ristretto", "Targets: keep-file, keep-redis, keep-sqlite, ristretto, redis")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis Address")
	fsync       = flag.Bool("fsync", false, "fsync every log record of keep-file")
)

type system struct {
	set     func(ctx context.Context, key string, val []byte) error
	get     func(ctx context.Context, key string) error
	flush   func(ctx context.Context) error
	cleanup func()
}

func main() {
	flag.Parse()

	size, err := humanize.ParseBytes(*dataSize)
	if err != nil {
		log.Fatalf("invalid payload size %q: %v", *dataSize, err)
	}
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = 'x'
	}

	dir, err := os.MkdirTemp("", "keep-bench")
	if err != nil {
		log.Fatalf("temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	fmt.Printf("payload %s, %d keys, %d workers\n\n", humanize.IBytes(size), *keys, *concurrency)
	fmt.Printf("| %-12s | %-5s | %-12s | %-12s |\n", "System", "Phase", "Ops/sec", "Avg Latency")
	fmt.Println("|:---|:---|:---|:---|")

	for _, name := range strings.Split(*target, ",") {
		name = strings.TrimSpace(name)
		sys, err := open(name, dir)
		if err != nil {
			log.Printf("%s: %v", name, err)
			continue
		}
		run(name, sys, payload)
		if sys.cleanup != nil {
			sys.cleanup()
		}
	}
}

func fromEngine(e *core.Engine) *system {
	return &system{
		set: func(ctx context.Context, k string, v []byte) error {
			_, err := e.Set(ctx, k, v, time.Hour)
			return err
		},
		get: func(ctx context.Context, k string) error {
			res, err := e.Get(ctx, k)
			if err != nil {
				return err
			}
			return res.Err()
		},
		flush:   e.Drain,
		cleanup: func() { _ = e.Close(context.Background()) },
	}
}

func open(name, dir string) (*system, error) {
	ctx := context.Background()
	opts := []core.Option{core.WithMaxMemory(1 << 30), core.WithStrategy(cache.StrategyLRU)}
	switch name {
	case "keep-file":
		policy := persist.SyncNever
		if *fsync {
			policy = persist.SyncAlways
		}
		e, err := core.Open(ctx, append(opts, core.WithLogPath(filepath.Join(dir, "keep.log"), persist.WithSync(policy)))...)
		if err != nil {
			return nil, err
		}
		return fromEngine(e), nil

	case "keep-redis":
		e, err := presets.NewRedisBacked(ctx, presets.RedisOptions{Addr: *redisAddr}, opts...)
		if err != nil {
			return nil, err
		}
		return fromEngine(e), nil

	case "keep-sqlite":
		e, err := presets.NewSQLiteBacked(ctx, filepath.Join(dir, "keep.db"), opts...)
		if err != nil {
			return nil, err
		}
		return fromEngine(e), nil

	case "ristretto":
		c, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 1e7,
			MaxCost:     1 << 30,
			BufferItems: 64,
		})
		if err != nil {
			return nil, err
		}
		return &system{
			set: func(ctx context.Context, k string, v []byte) error {
				c.Set(k, v, int64(len(k)+len(v)))
				return nil
			},
			get: func(ctx context.Context, k string) error {
				if _, found := c.Get(k); !found {
					return fmt.Errorf("not found")
				}
				return nil
			},
			flush: func(context.Context) error {
				c.Wait()
				return nil
			},
			cleanup: c.Close,
		}, nil

	case "redis":
		r := redis.NewClient(&redis.Options{Addr: *redisAddr})
		if err := r.Ping(ctx).Err(); err != nil {
			_ = r.Close()
			return nil, err
		}
		return &system{
			set:     func(ctx context.Context, k string, v []byte) error { return r.Set(ctx, k, v, 0).Err() },
			get:     func(ctx context.Context, k string) error { return r.Get(ctx, k).Err() },
			flush:   func(context.Context) error { return nil },
			cleanup: func() { _ = r.Close() },
		}, nil
	}
	return nil, fmt.Errorf("unknown target")
}

func run(name string, t *system, payload []byte) {
	ctx := context.Background()
	keyOf := func(i int) string { return fmt.Sprintf("bench:%d", i%*keys) }

	phase("set", name, func(i int) error { return t.set(ctx, keyOf(i), payload) }, func() {
		if err := t.flush(ctx); err != nil {
			log.Printf("%s: flush: %v", name, err)
		}
	})
	phase("get", name, func(i int) error { return t.get(ctx, keyOf(i)) }, nil)
}

func phase(label, name string, op func(i int) error, after func()) {
	var wg sync.WaitGroup
	var ops atomic.Int64
	chunk := *requests / *concurrency

	start := time.Now()
	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for j := 0; j < chunk; j++ {
				if err := op(base + j); err == nil {
					ops.Add(1)
				}
			}
		}(w * chunk)
	}
	wg.Wait()
	if after != nil {
		after()
	}
	elapsed := time.Since(start)

	n := ops.Load()
	if n == 0 {
		fmt.Printf("| %-12s | %-5s | %-12s | %-12s |\n", name, label, "ERROR", "-")
		return
	}
	throughput := float64(n) / elapsed.Seconds()
	avgLat := time.Duration(elapsed.Nanoseconds() / n)
	fmt.Printf("| %-12s | %-5s | %-12s | %-12s |\n", name, label, humanize.Comma(int64(throughput)), avgLat)
}
