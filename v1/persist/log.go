// Package persist records cache mutations in an append-only log and
// replays them at startup. Three sinks share one contract: a local text
// file (the default), a Redis list and a SQL table through gorm.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	keeperrors "github.com/mirkobrombin/go-keep/v1/errors"
	redis "github.com/redis/go-redis/v9"
)

// Op is the kind of a logged mutation.
type Op int

const (
	OpSet Op = iota
	OpDelete
)

// Record is one logged mutation. ExpiresAt is zero for entries without
// expiry and ignored for deletes.
type Record struct {
	Op        Op
	Key       string
	Value     []byte
	ExpiresAt time.Time
}

// ReplayStats summarises a replay.
type ReplayStats struct {
	// Records is the number of records handed to the replay callback.
	Records int
	// Skipped is the number of malformed records that were ignored.
	Skipped int
}

// Log is the persistence contract used by the engine. AppendSet and
// AppendDelete make it a cache.Journal.
type Log interface {
	AppendSet(key string, value []byte, expiresAt time.Time) error
	AppendDelete(key string) error
	// Replay feeds every record, oldest first, to fn. Malformed records are
	// skipped or fail the replay according to the SkipPolicy. An error from
	// fn aborts the replay.
	Replay(ctx context.Context, fn func(Record) error) (ReplayStats, error)
	// Rewrite atomically replaces the whole log with records.
	Rewrite(ctx context.Context, records []Record) error
	Close() error
}

// Validator is implemented by sinks that can reject a write before it is
// attempted.
type Validator interface {
	Validate(key string, value []byte) error
}

// SkipPolicy decides what replay does with a malformed record.
type SkipPolicy int

const (
	// SkipMalformed logs and counts the record and continues.
	SkipMalformed SkipPolicy = iota
	// FailMalformed aborts the replay.
	FailMalformed
)

// ParseSkipPolicy parses "skip" or "fail".
func ParseSkipPolicy(s string) (SkipPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "skip":
		return SkipMalformed, nil
	case "fail":
		return FailMalformed, nil
	}
	return 0, fmt.Errorf("%w: unknown malformed record policy %q", keeperrors.ErrInvalidArgument, s)
}

// SyncPolicy decides when the file sink calls fsync.
type SyncPolicy int

const (
	// SyncAlways fsyncs after every record.
	SyncAlways SyncPolicy = iota
	// SyncNever leaves flushing to the operating system.
	SyncNever
)

const (
	defaultFilePath  = "keep.log"
	defaultRedisKey  = "keep:log"
	defaultTableName = "keep_log"
	defaultOpTimeout = 5 * time.Second
	replayPageSize   = 512
)

type options struct {
	codec     Codec
	malformed SkipPolicy
	sync      SyncPolicy
	logger    *slog.Logger
	timeout   time.Duration
	redisKey  string
	tableName string
}

func defaultOptions() options {
	return options{
		codec:     LineCodec{},
		malformed: SkipMalformed,
		sync:      SyncAlways,
		logger:    slog.Default(),
		timeout:   defaultOpTimeout,
		redisKey:  defaultRedisKey,
		tableName: defaultTableName,
	}
}

// Option configures a log sink.
type Option func(*options)

// WithCodec sets the line codec of the file and Redis sinks.
func WithCodec(c Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithStrictSeparator makes the file and Redis sinks reject keys and
// values containing TAB, LF or CR instead of escaping them.
func WithStrictSeparator() Option {
	return WithCodec(LineCodec{Strict: true})
}

// WithMalformed sets the replay policy for malformed records.
func WithMalformed(p SkipPolicy) Option {
	return func(o *options) { o.malformed = p }
}

// WithSync sets the fsync policy of the file sink.
func WithSync(p SyncPolicy) Option {
	return func(o *options) { o.sync = p }
}

// WithLogger sets the logger used for replay warnings.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTimeout sets the per-operation timeout of the Redis and SQL sinks.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithRedisKey sets the Redis list holding the log.
func WithRedisKey(key string) Option {
	return func(o *options) {
		if key != "" {
			o.redisKey = key
		}
	}
}

// WithTableName sets the table of the SQL sink.
func WithTableName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.tableName = name
		}
	}
}

// skip applies the skip policy to a decode failure at position pos.
func (o options) skip(pos int, err error, stats *ReplayStats) error {
	if o.malformed == FailMalformed {
		return fmt.Errorf("%w: record %d: %w", keeperrors.ErrPersistence, pos, err)
	}
	stats.Skipped++
	o.logger.Warn("keep: skipping malformed log record", "record", pos, "error", err)
	return nil
}

// ioError wraps a sink failure in ErrPersistence, mapping timeouts and
// closed connections to the shared sentinels.
func ioError(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: %w", keeperrors.ErrPersistence, op, keeperrors.ErrTimeout)
	case errors.Is(err, redis.ErrClosed):
		return fmt.Errorf("%w: %s: %w", keeperrors.ErrPersistence, op, keeperrors.ErrConnectionClosed)
	}
	return fmt.Errorf("%w: %s: %w", keeperrors.ErrPersistence, op, err)
}
