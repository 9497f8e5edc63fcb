package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mirkobrombin/go-keep/v1/cache"
	keeperrors "github.com/mirkobrombin/go-keep/v1/errors"
	"github.com/mirkobrombin/go-keep/v1/persist"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// flakyLog fails the next n appends with a persistence error.
type flakyLog struct {
	persist.Log
	failures atomic.Int32
}

func (l *flakyLog) fail() error {
	if l.failures.Load() > 0 {
		l.failures.Add(-1)
		return fmt.Errorf("%w: injected", keeperrors.ErrPersistence)
	}
	return nil
}

func (l *flakyLog) AppendSet(key string, value []byte, expiresAt time.Time) error {
	if err := l.fail(); err != nil {
		return err
	}
	return l.Log.AppendSet(key, value, expiresAt)
}

func (l *flakyLog) AppendDelete(key string) error {
	if err := l.fail(); err != nil {
		return err
	}
	return l.Log.AppendDelete(key)
}

func openEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := Open(context.Background(), opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func newEngine(t *testing.T, opts ...Option) (*Engine, string, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	path := filepath.Join(t.TempDir(), "keep.log")
	base := []Option{WithLogPath(path), WithClock(clock.Now)}
	return openEngine(t, append(base, opts...)...), path, clock
}

func mustGet(t *testing.T, e *Engine, key string) cache.Result {
	t.Helper()
	res, err := e.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%s): %v", key, err)
	}
	return res
}

func TestZeroTTLExpiresImmediately(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	if err := e.SetSync(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("SetSync: %v", err)
	}
	if res := mustGet(t, e, "k"); res.Status != cache.Expired {
		t.Fatalf("expected expired, got %v", res.Status)
	}
	if res := mustGet(t, e, "k"); res.Status != cache.NotFound {
		t.Fatalf("expected not-found, got %v", res.Status)
	}
}

func TestNeverSetKey(t *testing.T) {
	e, _, _ := newEngine(t)
	if res := mustGet(t, e, "ghost"); res.Status != cache.NotFound {
		t.Fatalf("expected not-found, got %v", res.Status)
	}
	ok, err := e.Exists(context.Background(), "ghost")
	if err != nil || ok {
		t.Fatalf("expected absent, got %v %v", ok, err)
	}
}

func TestRoundTrip(t *testing.T) {
	e, _, _ := newEngine(t)
	want := []byte{0, 1, 2, '\t', '\n', 255}
	if err := e.SetSync(context.Background(), "bin", want, time.Hour); err != nil {
		t.Fatalf("SetSync: %v", err)
	}
	res := mustGet(t, e, "bin")
	if res.Status != cache.Found || string(res.Value) != string(want) {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	_ = e.SetSync(ctx, "k", []byte("v"), time.Hour)
	removed, err := e.Delete(ctx, "k")
	if err != nil || !removed {
		t.Fatalf("first delete: %v %v", removed, err)
	}
	for i := 0; i < 2; i++ {
		removed, err = e.Delete(ctx, "k")
		if err != nil || removed {
			t.Fatalf("repeated delete: %v %v", removed, err)
		}
	}
}

func TestAsyncSetsKeepOrder(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	if _, err := e.Set(ctx, "k", []byte("a"), time.Hour); err != nil {
		t.Fatalf("Set a: %v", err)
	}
	tb, err := e.Set(ctx, "k", []byte("b"), time.Hour)
	if err != nil {
		t.Fatalf("Set b: %v", err)
	}
	if err := e.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if tb.Err() != nil {
		t.Fatalf("ticket error: %v", tb.Err())
	}
	if res := mustGet(t, e, "k"); string(res.Value) != "b" {
		t.Fatalf("expected b, got %q", res.Value)
	}
	if e.Stats().Pending != 0 {
		t.Fatalf("expected nothing pending after drain")
	}
}

func TestAsyncSetCopiesValue(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	buf := []byte("orig")
	if _, err := e.Set(ctx, "k", buf, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	copy(buf, "XXXX")
	_ = e.Drain(ctx)
	if res := mustGet(t, e, "k"); string(res.Value) != "orig" {
		t.Fatalf("value aliased caller buffer: %q", res.Value)
	}
}

func TestReplayIntoFreshEngine(t *testing.T) {
	clock := newFakeClock()
	path := filepath.Join(t.TempDir(), "keep.log")
	ctx := context.Background()

	first, err := Open(ctx, WithLogPath(path), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := first.Set(ctx, "x", []byte("1"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := first.Set(ctx, "y", []byte("2"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := first.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := openEngine(t, WithLogPath(path), WithClock(clock.Now))
	for key, want := range map[string]string{"x": "1", "y": "2"} {
		if res := mustGet(t, second, key); res.Status != cache.Found || string(res.Value) != want {
			t.Fatalf("%s: unexpected %+v", key, res)
		}
	}
	if rs := second.ReplayStats(); rs.Applied != 2 || rs.Skipped != 0 || rs.Expired != 0 {
		t.Fatalf("unexpected replay stats %+v", rs)
	}
	keys, err := second.ByRemainingTTL(ctx, 59*time.Minute)
	if err != nil || len(keys) != 2 {
		t.Fatalf("ttl not preserved: %v %v", keys, err)
	}
	if keys, _ := second.ByRemainingTTL(ctx, 61*time.Minute); len(keys) != 0 {
		t.Fatalf("ttl extended on replay: %v", keys)
	}
}

func TestReplaySkipsLapsedEntries(t *testing.T) {
	clock := newFakeClock()
	path := filepath.Join(t.TempDir(), "keep.log")
	ctx := context.Background()
	first, err := Open(ctx, WithLogPath(path), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = first.SetSync(ctx, "short", []byte("old"), time.Hour)
	_ = first.SetSync(ctx, "short", []byte("new"), time.Second)
	_ = first.SetSync(ctx, "long", []byte("v"), time.Hour)
	_ = first.Close(ctx)

	clock.Advance(time.Minute)
	second := openEngine(t, WithLogPath(path), WithClock(clock.Now))
	if res := mustGet(t, second, "short"); res.Status != cache.NotFound {
		t.Fatalf("lapsed entry resurrected: %+v", res)
	}
	if res := mustGet(t, second, "long"); res.Status != cache.Found {
		t.Fatalf("expected long to survive, got %v", res.Status)
	}
	if rs := second.ReplayStats(); rs.Expired != 1 || rs.Applied != 2 {
		t.Fatalf("unexpected replay stats %+v", rs)
	}

	third := openEngine(t, WithLogPath(path), WithClock(clock.Now), WithReplayTTL(TTLDiscard))
	res := mustGet(t, third, "short")
	if res.Status != cache.Found || string(res.Value) != "new" {
		t.Fatalf("discard policy should restore without expiry: %+v", res)
	}
}

func TestReplayAppliesDeletes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keep.log")
	ctx := context.Background()
	e, err := Open(ctx, WithLogPath(path))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = e.SetSync(ctx, "gone", []byte("v"), time.Hour)
	_ = e.SetSync(ctx, "kept", []byte("v"), time.Hour)
	if _, err := e.Delete(ctx, "gone"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_ = e.Close(ctx)

	again := openEngine(t, WithLogPath(path))
	if ok, _ := again.Exists(ctx, "gone"); ok {
		t.Fatal("deleted key came back")
	}
	if ok, _ := again.Exists(ctx, "kept"); !ok {
		t.Fatal("kept key missing")
	}
	accounted, actual := again.Store().Audit()
	if accounted != actual {
		t.Fatalf("accounting drift after replay: %d != %d", accounted, actual)
	}
}

func TestReplayMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keep.log")
	if err := os.WriteFile(path, []byte("a\t1\nno-separator\nb\t2\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	e := openEngine(t, WithLogPath(path))
	if rs := e.ReplayStats(); rs.Applied != 2 || rs.Skipped != 1 {
		t.Fatalf("unexpected replay stats %+v", rs)
	}
	if res := mustGet(t, e, "b"); string(res.Value) != "2" {
		t.Fatalf("unexpected value %q", res.Value)
	}

	_, err := Open(context.Background(), WithLogPath(path, persist.WithMalformed(persist.FailMalformed)))
	if !errors.Is(err, persist.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestWithoutReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keep.log")
	if err := os.WriteFile(path, []byte("a\t1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	e := openEngine(t, WithLogPath(path), WithoutReplay())
	if ok, _ := e.Exists(context.Background(), "a"); ok {
		t.Fatal("log replayed despite WithoutReplay")
	}
}

func TestTenSecondScenario(t *testing.T) {
	e, _, clock := newEngine(t)
	ctx := context.Background()
	if err := e.SetSync(ctx, "a", []byte("hello"), 10*time.Second); err != nil {
		t.Fatalf("SetSync: %v", err)
	}
	if res := mustGet(t, e, "a"); res.Status != cache.Found || string(res.Value) != "hello" {
		t.Fatalf("unexpected %+v", res)
	}
	clock.Advance(11 * time.Second)
	if res := mustGet(t, e, "a"); res.Status != cache.Expired {
		t.Fatalf("expected expired, got %v", res.Status)
	}
	if res := mustGet(t, e, "a"); res.Status != cache.NotFound {
		t.Fatalf("expected not-found, got %v", res.Status)
	}
}

func TestCompact(t *testing.T) {
	e, path, clock := newEngine(t)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if _, err := e.Set(ctx, "hot", []byte(fmt.Sprint(i)), time.Hour); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	_ = e.SetSync(ctx, "cold", []byte("c"), 0)
	_ = e.SetSync(ctx, "other", []byte("o"), time.Hour)
	if err := e.Compact(ctx); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 live records after compaction, got %d: %q", len(lines), lines)
	}
	if _, err := e.Set(ctx, "after", []byte("x"), time.Hour); err != nil {
		t.Fatalf("Set after compaction: %v", err)
	}
	_ = e.Close(ctx)

	again := openEngine(t, WithLogPath(path), WithClock(clock.Now))
	if res := mustGet(t, again, "hot"); string(res.Value) != "19" {
		t.Fatalf("expected last write, got %q", res.Value)
	}
	if ok, _ := again.Exists(ctx, "after"); !ok {
		t.Fatal("write after compaction lost")
	}
}

func TestSetSyncPersistenceFailure(t *testing.T) {
	fl, err := persist.OpenFile(filepath.Join(t.TempDir(), "keep.log"))
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	log := &flakyLog{Log: fl}
	e := openEngine(t, WithLog(log))
	log.failures.Store(1)
	err = e.SetSync(context.Background(), "k", []byte("v"), time.Hour)
	if !errors.Is(err, keeperrors.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if ok, _ := e.Exists(context.Background(), "k"); ok {
		t.Fatal("failed write reached memory")
	}
}

func TestAsyncPersistenceRetryAndFailure(t *testing.T) {
	fl, err := persist.OpenFile(filepath.Join(t.TempDir(), "keep.log"))
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	log := &flakyLog{Log: fl}
	e := openEngine(t, WithLog(log))
	ctx := context.Background()

	log.failures.Store(2)
	ticket, err := e.Set(ctx, "retried", []byte("v"), time.Hour)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := ticket.Wait(ctx); err != nil {
		t.Fatalf("expected retries to succeed, got %v", err)
	}

	log.failures.Store(100)
	ticket, err = e.Set(ctx, "lost", []byte("v"), time.Hour)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := ticket.Wait(ctx); !errors.Is(err, keeperrors.ErrPersistence) {
		t.Fatalf("expected ErrPersistence on ticket, got %v", err)
	}
	log.failures.Store(0)
	if ok, _ := e.Exists(ctx, "lost"); ok {
		t.Fatal("failed async write reached memory")
	}
	if ok, _ := e.Exists(ctx, "retried"); !ok {
		t.Fatal("retried write missing")
	}
}

func TestSetRejectsInvalidInputSynchronously(t *testing.T) {
	e, _, _ := newEngine(t, WithLogPath(filepath.Join(t.TempDir(), "strict.log"), persist.WithStrictSeparator()))
	ctx := context.Background()
	if _, err := e.Set(ctx, "", []byte("v"), time.Hour); !errors.Is(err, keeperrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty key, got %v", err)
	}
	if _, err := e.Set(ctx, "k", []byte("a\tb"), time.Hour); !errors.Is(err, keeperrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for reserved byte, got %v", err)
	}
	if err := e.SetSync(ctx, "k\n", []byte("v"), time.Hour); !errors.Is(err, keeperrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for reserved byte, got %v", err)
	}
	if e.Stats().Pending != 0 || e.Stats().Size != 0 {
		t.Fatal("rejected writes changed state")
	}
}

func TestCloseIsIdempotentAndFinal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keep.log")
	ctx := context.Background()
	e, err := Open(ctx, WithLogPath(path))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := e.Set(ctx, "k", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := e.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := e.Set(ctx, "k", []byte("v"), time.Hour); !errors.Is(err, keeperrors.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := e.Get(ctx, "k"); !errors.Is(err, keeperrors.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	again := openEngine(t, WithLogPath(path))
	if ok, _ := again.Exists(ctx, "k"); !ok {
		t.Fatal("Close did not drain the pending write")
	}
}

func TestQueries(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	_ = e.SetSync(ctx, "short", []byte("ab"), time.Hour)
	_ = e.SetSync(ctx, "long", []byte("abcdef"), time.Minute)
	keys, err := e.ByMinValueLength(ctx, 3)
	if err != nil || len(keys) != 1 || keys[0] != "long" {
		t.Fatalf("ByMinValueLength = %v %v", keys, err)
	}
	keys, err = e.ByRemainingTTL(ctx, 30*time.Minute)
	if err != nil || len(keys) != 1 || keys[0] != "short" {
		t.Fatalf("ByRemainingTTL = %v %v", keys, err)
	}
}

func TestNamespace(t *testing.T) {
	if got := Namespace("users", "42"); got != "users:42" {
		t.Fatalf("unexpected namespaced key %q", got)
	}
}

func TestRedisBackedEngine(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	first, err := Open(ctx, WithLog(persist.NewRedisLog(client)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = first.SetSync(ctx, Namespace("db", "k"), []byte("v"), time.Hour)
	_ = first.Close(ctx)

	second := openEngine(t, WithLog(persist.NewRedisLog(client)))
	if res := mustGet(t, second, "db:k"); string(res.Value) != "v" {
		t.Fatalf("unexpected %+v", res)
	}
}

func TestEngineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	e, _, _ := newEngine(t, WithMetrics(reg))
	ctx := context.Background()
	_ = e.SetSync(ctx, "k", []byte("v"), time.Hour)
	_, _ = e.Get(ctx, "k")
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	for _, name := range []string{"keep_cache_hits_total", "keep_set_total", "keep_get_total", "keep_scheduler_pending"} {
		if !names[name] {
			t.Fatalf("metric %s not registered", name)
		}
	}
}

func TestReplayKeepsFarExpiry(t *testing.T) {
	clock := newFakeClock()
	path := filepath.Join(t.TempDir(), "keep.log")
	ctx := context.Background()

	first, err := Open(ctx, WithLogPath(path), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := first.SetSync(ctx, "k", []byte("v"), 250*365*24*time.Hour); err != nil {
		t.Fatalf("SetSync: %v", err)
	}
	if err := first.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := openEngine(t, WithLogPath(path), WithClock(clock.Now))
	if res := mustGet(t, second, "k"); res.Status != cache.Found || string(res.Value) != "v" {
		t.Fatalf("far expiry lost on replay: %+v", res)
	}
	if rs := second.ReplayStats(); rs.Applied != 1 || rs.Expired != 0 {
		t.Fatalf("unexpected replay stats %+v", rs)
	}
}
