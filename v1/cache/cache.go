package cache

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	keeperrors "github.com/mirkobrombin/go-keep/v1/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-keep/v1/cache")

// DefaultMaxMemory is the memory ceiling used when none is configured.
const DefaultMaxMemory int64 = 50 << 20

// Journal receives every mutation before it is applied. An error aborts
// the mutation and leaves the store untouched.
type Journal interface {
	AppendSet(key string, value []byte, expiresAt time.Time) error
	AppendDelete(key string) error
}

// Store is the concurrent key/value map with lazy expiry, memory
// accounting and eviction. The map, the accountant and the eviction policy
// share one lock.
type Store struct {
	mu        sync.RWMutex
	items     map[string]Entry
	used      int64
	maxMemory int64
	policy    Policy
	journal   Journal
	zeroTTL   ZeroTTL
	now       func() time.Time

	hits      atomic.Uint64
	misses    atomic.Uint64
	expired   atomic.Uint64
	evictions atomic.Uint64

	hitCounter      prometheus.Counter
	missCounter     prometheus.Counter
	expiredCounter  prometheus.Counter
	evictionCounter prometheus.Counter
	memoryGauge     prometheus.Gauge
	entriesGauge    prometheus.Gauge
	latencyHist     prometheus.Histogram
	traceEnabled    bool
}

// Option configures a Store.
type Option func(*Store)

// WithMaxMemory sets the accounted byte ceiling. A non-positive value
// disables eviction.
func WithMaxMemory(n int64) Option {
	return func(s *Store) {
		s.maxMemory = n
	}
}

// WithJournal installs the journal that records mutations.
func WithJournal(j Journal) Option {
	return func(s *Store) {
		s.journal = j
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *Store) {
		s.hitCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keep_cache_hits_total",
			Help: "Total number of cache hits",
		})
		s.missCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keep_cache_misses_total",
			Help: "Total number of cache misses",
		})
		s.expiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keep_cache_expired_total",
			Help: "Total number of entries removed because they lapsed",
		})
		s.evictionCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keep_cache_evictions_total",
			Help: "Total number of entries evicted to honour the memory ceiling",
		})
		s.memoryGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keep_cache_memory_bytes",
			Help: "Accounted bytes of resident keys and values",
		})
		s.entriesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keep_cache_entries",
			Help: "Number of resident entries",
		})
		s.latencyHist = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "keep_cache_latency_seconds",
			Help:    "Latency of cache operations",
			Buckets: prometheus.DefBuckets,
		})
		reg.MustRegister(s.hitCounter, s.missCounter, s.expiredCounter, s.evictionCounter,
			s.memoryGauge, s.entriesGauge, s.latencyHist)
	}
}

// WithTracing enables OpenTelemetry tracing for cache operations.
func WithTracing() Option {
	return func(s *Store) {
		s.traceEnabled = true
	}
}

// New returns an empty Store. Without options it evicts earliest-expiring
// entries first above DefaultMaxMemory and treats a zero TTL as expired.
func New(opts ...Option) *Store {
	s := &Store{
		items:     make(map[string]Entry),
		maxMemory: DefaultMaxMemory,
		policy:    NewExpiryPolicy(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// observe starts a span and latency measurement when enabled. The returned
// func must be called with the operation result.
func (s *Store) observe(ctx context.Context, op string) (context.Context, func(result string)) {
	if !s.traceEnabled && s.latencyHist == nil {
		return ctx, func(string) {}
	}
	var span trace.Span
	if s.traceEnabled {
		ctx, span = tracer.Start(ctx, op)
	}
	start := time.Now()
	return ctx, func(result string) {
		latency := time.Since(start)
		if s.latencyHist != nil {
			s.latencyHist.Observe(latency.Seconds())
		}
		if span != nil {
			span.SetAttributes(
				attribute.String("keep.cache.result", result),
				attribute.Int64("keep.cache.latency_us", latency.Microseconds()),
			)
			span.End()
		}
	}
}

func validKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", keeperrors.ErrInvalidArgument)
	}
	return nil
}

// ExpiresAt computes the expiry instant the store would assign to ttl now.
func (s *Store) ExpiresAt(ttl time.Duration) time.Time {
	return s.zeroTTL.ExpiresAt(s.now(), ttl)
}

// Set inserts or overwrites key. A non-positive ttl follows the ZeroTTL
// policy. Overflowing the ceiling evicts entries, it is never an error.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (err error) {
	ctx, done := s.observe(ctx, "Cache.Set")
	defer func() { done(resultOf(err, "ok")) }()
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.SetAt(ctx, key, value, s.ExpiresAt(ttl))
}

// SetAt is Set with an absolute expiry; the zero time means no expiry.
// Expiries past MaxExpiry are clamped to it.
func (s *Store) SetAt(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	if err := validKey(key); err != nil {
		return err
	}
	v := bytes.Clone(value)
	if v == nil {
		v = []byte{}
	}
	expiresAt = ClampExpiry(expiresAt)
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if s.journal != nil {
		if err := s.journal.AppendSet(key, v, expiresAt); err != nil {
			return err
		}
	}
	s.putLocked(key, v, expiresAt)
	s.evictLocked()
	s.updateGaugesLocked()
	return nil
}

// Restore applies a replayed set without journaling it.
func (s *Store) Restore(key string, value []byte, expiresAt time.Time) error {
	if err := validKey(key); err != nil {
		return err
	}
	v := bytes.Clone(value)
	if v == nil {
		v = []byte{}
	}
	expiresAt = ClampExpiry(expiresAt)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(key, v, expiresAt)
	s.evictLocked()
	s.updateGaugesLocked()
	return nil
}

// Get returns Found with a copy of the value, Expired after removing a
// lapsed entry, or NotFound.
func (s *Store) Get(ctx context.Context, key string) (res Result, err error) {
	ctx, done := s.observe(ctx, "Cache.Get")
	defer func() { done(resultOf(err, res.Status.String())) }()
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}
	s.mu.Lock()
	e, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		s.misses.Add(1)
		if s.missCounter != nil {
			s.missCounter.Inc()
		}
		return Result{Status: NotFound}, nil
	}
	if e.Expired(s.now()) {
		s.removeLocked(key)
		s.updateGaugesLocked()
		s.mu.Unlock()
		s.misses.Add(1)
		s.expired.Add(1)
		if s.missCounter != nil {
			s.missCounter.Inc()
		}
		if s.expiredCounter != nil {
			s.expiredCounter.Inc()
		}
		return Result{Status: Expired}, nil
	}
	s.policy.Accessed(key)
	v := bytes.Clone(e.Value)
	s.mu.Unlock()
	s.hits.Add(1)
	if s.hitCounter != nil {
		s.hitCounter.Inc()
	}
	return Result{Status: Found, Value: v}, nil
}

// Delete removes key if present and reports whether it did. Deleting an
// absent key is not journaled.
func (s *Store) Delete(ctx context.Context, key string) (removed bool, err error) {
	ctx, done := s.observe(ctx, "Cache.Delete")
	defer func() { done(resultOf(err, fmt.Sprint(removed))) }()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; !ok {
		return false, nil
	}
	if s.journal != nil {
		if err := s.journal.AppendDelete(key); err != nil {
			return false, err
		}
	}
	s.removeLocked(key)
	s.updateGaugesLocked()
	return true, nil
}

// Remove applies a replayed delete without journaling it.
func (s *Store) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; !ok {
		return false
	}
	s.removeLocked(key)
	s.updateGaugesLocked()
	return true
}

// Exists reports whether key is resident and live. It never removes
// anything.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	return ok && !e.Expired(s.now()), nil
}

func (s *Store) putLocked(key string, value []byte, expiresAt time.Time) {
	if old, ok := s.items[key]; ok {
		s.used -= Footprint(key, old.Value)
		s.items[key] = Entry{Value: value, ExpiresAt: expiresAt}
		s.policy.Updated(key, expiresAt)
	} else {
		s.items[key] = Entry{Value: value, ExpiresAt: expiresAt}
		s.policy.Inserted(key, expiresAt)
	}
	s.used += Footprint(key, value)
}

func (s *Store) removeLocked(key string) {
	e, ok := s.items[key]
	if !ok {
		return
	}
	delete(s.items, key)
	s.policy.Removed(key)
	s.used -= Footprint(key, e.Value)
}

// evictLocked removes policy victims until the ceiling holds.
func (s *Store) evictLocked() {
	for s.maxMemory > 0 && s.used > s.maxMemory && len(s.items) > 0 {
		victim, ok := s.policy.Victim()
		if !ok {
			return
		}
		if _, resident := s.items[victim]; !resident {
			// policy out of sync, drop the stale key and keep going
			s.policy.Removed(victim)
			continue
		}
		s.removeLocked(victim)
		s.evictions.Add(1)
		if s.evictionCounter != nil {
			s.evictionCounter.Inc()
		}
	}
}

func (s *Store) updateGaugesLocked() {
	if s.memoryGauge != nil {
		s.memoryGauge.Set(float64(s.used))
	}
	if s.entriesGauge != nil {
		s.entriesGauge.Set(float64(len(s.items)))
	}
}

// Snapshot runs fn with the live entries, sorted by key, while holding the
// store lock so no mutation interleaves. Expired entries are left out.
func (s *Store) Snapshot(fn func(items []Item) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	items := make([]Item, 0, len(s.items))
	for k, e := range s.items {
		if e.Expired(now) {
			continue
		}
		items = append(items, Item{Key: k, Entry: Entry{Value: bytes.Clone(e.Value), ExpiresAt: e.ExpiresAt}})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return fn(items)
}

// Audit returns the accounted total and the total recomputed from the
// current contents. They are equal whenever no mutation is in flight.
func (s *Store) Audit() (accounted, actual int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, e := range s.items {
		actual += Footprint(k, e.Value)
	}
	return s.used, actual
}

// Len returns the number of resident entries, expired ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// MemoryUsage returns the accounted bytes.
func (s *Store) MemoryUsage() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used
}

// MaxMemory returns the configured ceiling.
func (s *Store) MaxMemory() int64 { return s.maxMemory }

// Stats reports basic metrics about cache usage.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Expired   uint64
	Evictions uint64
	Size      int
	Bytes     int64
}

// Metrics returns current metrics for the cache.
func (s *Store) Metrics() Stats {
	s.mu.RLock()
	size, used := len(s.items), s.used
	s.mu.RUnlock()
	return Stats{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Expired:   s.expired.Load(),
		Evictions: s.evictions.Load(),
		Size:      size,
		Bytes:     used,
	}
}

func resultOf(err error, ok string) string {
	if err != nil {
		return "error"
	}
	return ok
}
