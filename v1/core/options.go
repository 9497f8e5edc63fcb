package core

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mirkobrombin/go-keep/v1/cache"
	keeperrors "github.com/mirkobrombin/go-keep/v1/errors"
	"github.com/mirkobrombin/go-keep/v1/persist"
	"github.com/mirkobrombin/go-keep/v1/scheduler"
	"github.com/prometheus/client_golang/prometheus"
)

// ReplayTTL decides what happens to logged expiry instants on replay.
type ReplayTTL int

const (
	// TTLPreserve restores the logged expiry and skips records that have
	// already lapsed.
	TTLPreserve ReplayTTL = iota
	// TTLDiscard restores every replayed entry without expiry.
	TTLDiscard
)

func (p ReplayTTL) String() string {
	if p == TTLDiscard {
		return "discard"
	}
	return "preserve"
}

// ParseReplayTTL parses "preserve" or "discard".
func ParseReplayTTL(s string) (ReplayTTL, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "preserve":
		return TTLPreserve, nil
	case "discard":
		return TTLDiscard, nil
	}
	return 0, fmt.Errorf("%w: unknown replay ttl policy %q", keeperrors.ErrInvalidArgument, s)
}

type options struct {
	storeOpts []cache.Option
	schedOpts []scheduler.Option
	log       persist.Log
	logPath   string
	logOpts   []persist.Option
	replay    bool
	replayTTL ReplayTTL
	logger    *slog.Logger
	reg       prometheus.Registerer
	tracing   bool
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*options)

// WithStoreOptions passes options to the underlying cache.Store.
func WithStoreOptions(opts ...cache.Option) Option {
	return func(o *options) { o.storeOpts = append(o.storeOpts, opts...) }
}

// WithMaxMemory sets the memory ceiling of the store.
func WithMaxMemory(n int64) Option {
	return WithStoreOptions(cache.WithMaxMemory(n))
}

// WithStrategy sets the eviction strategy of the store.
func WithStrategy(s cache.Strategy) Option {
	return WithStoreOptions(cache.WithStrategy(s))
}

// WithZeroTTL sets how the store treats a non-positive ttl.
func WithZeroTTL(z cache.ZeroTTL) Option {
	return WithStoreOptions(cache.WithZeroTTL(z))
}

// WithLog uses l as the persistence log. The engine closes it on Close.
func WithLog(l persist.Log) Option {
	return func(o *options) { o.log = l }
}

// WithLogPath opens a file log at path. It is ignored when WithLog is
// given.
func WithLogPath(path string, opts ...persist.Option) Option {
	return func(o *options) {
		o.logPath = path
		o.logOpts = append(o.logOpts, opts...)
	}
}

// WithoutReplay opens the engine without loading the existing log.
func WithoutReplay() Option {
	return func(o *options) { o.replay = false }
}

// WithReplayTTL sets the replay expiry policy.
func WithReplayTTL(p ReplayTTL) Option {
	return func(o *options) { o.replayTTL = p }
}

// WithSchedulerOptions configures the asynchronous write path.
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(o *options) { o.schedOpts = append(o.schedOpts, opts...) }
}

// WithLogger sets the logger of the engine and its scheduler.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics registers store and engine collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// WithTracing enables OpenTelemetry spans for engine and store operations.
func WithTracing() Option {
	return func(o *options) { o.tracing = true }
}

// WithClock replaces time.Now for the store and replay.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
