// Package core wires the store, the persistence log and the asynchronous
// scheduler into the Engine, the boundary callers use.
package core

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mirkobrombin/go-keep/v1/cache"
	keeperrors "github.com/mirkobrombin/go-keep/v1/errors"
	"github.com/mirkobrombin/go-keep/v1/metrics"
	"github.com/mirkobrombin/go-keep/v1/persist"
	"github.com/mirkobrombin/go-keep/v1/scheduler"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-keep/v1/core")

// Engine owns a Store, its persistence Log and the Scheduler running
// asynchronous writes. Every mutation is appended to the log before it is
// applied.
type Engine struct {
	store  *cache.Store
	log    persist.Log
	sched  *scheduler.Scheduler
	opts   options
	replay ReplayStats

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Stats combines store counters with engine state.
type Stats struct {
	cache.Stats
	Pending int
	Replay  ReplayStats
}

// Open builds an engine and, unless WithoutReplay is given, replays the
// log into the store before returning. An unreadable log fails Open;
// malformed records are skipped and reported by ReplayStats.
func Open(ctx context.Context, opts ...Option) (*Engine, error) {
	o := options{
		replay: true,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	log := o.log
	if log == nil {
		fileOpts := append([]persist.Option{persist.WithLogger(o.logger)}, o.logOpts...)
		fl, err := persist.OpenFile(o.logPath, fileOpts...)
		if err != nil {
			return nil, err
		}
		log = fl
	}

	storeOpts := append([]cache.Option{}, o.storeOpts...)
	storeOpts = append(storeOpts, cache.WithJournal(log), cache.WithClock(o.now))
	if o.reg != nil {
		storeOpts = append(storeOpts, cache.WithMetrics(o.reg))
		metrics.RegisterCoreMetrics(o.reg)
	}
	if o.tracing {
		storeOpts = append(storeOpts, cache.WithTracing())
	}

	e := &Engine{
		store: cache.New(storeOpts...),
		log:   log,
		opts:  o,
	}
	if o.replay {
		stats, err := e.replayLog(ctx)
		if err != nil {
			_ = log.Close()
			return nil, err
		}
		e.replay = stats
	}

	schedOpts := append([]scheduler.Option{scheduler.WithLogger(o.logger)}, o.schedOpts...)
	schedOpts = append(schedOpts, scheduler.WithCompletionHook(func(_ string, err error) {
		metrics.PendingGauge.Dec()
		if err != nil {
			metrics.AsyncFailureCounter.Inc()
		}
	}))
	e.sched = scheduler.New(schedOpts...)
	return e, nil
}

// Namespace builds the key of key inside database db.
func Namespace(db, key string) string {
	return db + ":" + key
}

// Store exposes the underlying store.
func (e *Engine) Store() *cache.Store { return e.store }

// Log exposes the persistence log.
func (e *Engine) Log() persist.Log { return e.log }

func (e *Engine) span(ctx context.Context, op string, key string) (context.Context, func(error)) {
	if !e.opts.tracing {
		return ctx, func(error) {}
	}
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(attribute.String("keep.key", key)))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}

// validate rejects what the store or the log would refuse, so callers of
// the asynchronous path learn about it before anything is queued.
func (e *Engine) validate(key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", keeperrors.ErrInvalidArgument)
	}
	if v, ok := e.log.(persist.Validator); ok {
		return v.Validate(key, value)
	}
	return nil
}

// Set schedules an insert or overwrite of key on the key's partition and
// returns once the write is accepted. The ticket reports the outcome.
// The expiry instant is fixed at acceptance.
func (e *Engine) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (_ *scheduler.Ticket, err error) {
	ctx, end := e.span(ctx, "Engine.Set", key)
	defer func() { end(err) }()
	if e.closed.Load() {
		return nil, keeperrors.ErrClosed
	}
	if err := e.validate(key, value); err != nil {
		return nil, err
	}
	v := bytes.Clone(value)
	expiresAt := e.store.ExpiresAt(ttl)
	metrics.PendingGauge.Inc()
	t, err := e.sched.Submit(ctx, key, func(ctx context.Context) error {
		return e.store.SetAt(ctx, key, v, expiresAt)
	})
	if err != nil {
		metrics.PendingGauge.Dec()
		return nil, err
	}
	metrics.SetCounter.Inc()
	return t, nil
}

// SetSync applies the write on the caller's goroutine. A persistence
// failure fails the call and leaves memory untouched.
func (e *Engine) SetSync(ctx context.Context, key string, value []byte, ttl time.Duration) (err error) {
	ctx, end := e.span(ctx, "Engine.SetSync", key)
	defer func() { end(err) }()
	if e.closed.Load() {
		return keeperrors.ErrClosed
	}
	if err := e.validate(key, value); err != nil {
		return err
	}
	metrics.SetCounter.Inc()
	return e.store.Set(ctx, key, value, ttl)
}

// Get looks key up.
func (e *Engine) Get(ctx context.Context, key string) (cache.Result, error) {
	if e.closed.Load() {
		return cache.Result{}, keeperrors.ErrClosed
	}
	metrics.GetCounter.Inc()
	return e.store.Get(ctx, key)
}

// Delete removes key and reports whether it was present. Deleting a
// missing key is not an error.
func (e *Engine) Delete(ctx context.Context, key string) (_ bool, err error) {
	ctx, end := e.span(ctx, "Engine.Delete", key)
	defer func() { end(err) }()
	if e.closed.Load() {
		return false, keeperrors.ErrClosed
	}
	metrics.DeleteCounter.Inc()
	return e.store.Delete(ctx, key)
}

// Exists reports whether key is present and unexpired.
func (e *Engine) Exists(ctx context.Context, key string) (bool, error) {
	if e.closed.Load() {
		return false, keeperrors.ErrClosed
	}
	return e.store.Exists(ctx, key)
}

// ByMinValueLength returns the keys whose value is at least n bytes long.
func (e *Engine) ByMinValueLength(ctx context.Context, n int) ([]string, error) {
	if e.closed.Load() {
		return nil, keeperrors.ErrClosed
	}
	return e.store.ByMinValueLength(ctx, n)
}

// ByRemainingTTL returns the keys that stay alive for at least threshold.
func (e *Engine) ByRemainingTTL(ctx context.Context, threshold time.Duration) ([]string, error) {
	if e.closed.Load() {
		return nil, keeperrors.ErrClosed
	}
	return e.store.ByRemainingTTL(ctx, threshold)
}

// Drain waits for every asynchronous write accepted before the call.
func (e *Engine) Drain(ctx context.Context) (err error) {
	ctx, end := e.span(ctx, "Engine.Drain", "")
	defer func() { end(err) }()
	return e.sched.Drain(ctx)
}

// Compact drains pending writes and rewrites the log with the live
// entries. The snapshot and the rewrite happen under the store lock.
func (e *Engine) Compact(ctx context.Context) (err error) {
	ctx, end := e.span(ctx, "Engine.Compact", "")
	defer func() { end(err) }()
	if e.closed.Load() {
		return keeperrors.ErrClosed
	}
	if err := e.Drain(ctx); err != nil {
		return err
	}
	var n int
	err = e.store.Snapshot(func(items []cache.Item) error {
		records := make([]persist.Record, len(items))
		for i, it := range items {
			records[i] = persist.Record{Op: persist.OpSet, Key: it.Key, Value: it.Value, ExpiresAt: it.ExpiresAt}
		}
		n = len(records)
		return e.log.Rewrite(ctx, records)
	})
	if err != nil {
		return err
	}
	e.opts.logger.Info("keep: log compacted", "records", n)
	return nil
}

// Stats returns a point-in-time view of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Stats:   e.store.Metrics(),
		Pending: e.sched.Pending(),
		Replay:  e.replay,
	}
}

// ReplayStats reports what the replay on Open did.
func (e *Engine) ReplayStats() ReplayStats { return e.replay }

// Close drains pending writes, stops the scheduler and closes the log.
// Later calls return the first result.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		var result *multierror.Error
		if err := e.sched.Close(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("scheduler: %w", err))
		}
		if err := e.log.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("log: %w", err))
		}
		e.closeErr = result.ErrorOrNil()
		if e.closeErr != nil {
			e.opts.logger.Error("keep: close failed", "error", e.closeErr)
		}
	})
	return e.closeErr
}
