// Package config loads engine settings from a YAML file and turns them into
// engine options, a persistence sink and a logger.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mirkobrombin/go-keep/v1/cache"
	"github.com/mirkobrombin/go-keep/v1/core"
	keeperrors "github.com/mirkobrombin/go-keep/v1/errors"
	"github.com/mirkobrombin/go-keep/v1/persist"
	"github.com/mirkobrombin/go-keep/v1/scheduler"
	"gopkg.in/yaml.v3"
)

// Log backends.
const (
	BackendFile  = "file"
	BackendRedis = "redis"
	BackendSQL   = "sql"
)

// Config is the on-disk configuration of an engine.
type Config struct {
	// MaxMemory is the memory ceiling in humanized bytes, e.g. "50MiB".
	MaxMemory string `yaml:"max_memory"`
	// Eviction is one of expiry, lru or fifo.
	Eviction string `yaml:"eviction"`
	// ZeroTTL is expired or persistent.
	ZeroTTL string `yaml:"zero_ttl"`
	// Replay loads the log on open.
	Replay bool `yaml:"replay"`
	// ReplayTTL is preserve or discard.
	ReplayTTL string `yaml:"replay_ttl"`
	// Malformed is skip or fail.
	Malformed string `yaml:"malformed"`
	// StrictSeparator rejects TAB, LF and CR in keys and values instead of
	// escaping them.
	StrictSeparator bool `yaml:"strict_separator"`

	Log       LogCfg       `yaml:"log"`
	Scheduler SchedulerCfg `yaml:"scheduler"`
	Logging   LoggingCfg   `yaml:"logging"`
}

// LogCfg selects and configures the persistence sink.
type LogCfg struct {
	Backend   string        `yaml:"backend"`
	Path      string        `yaml:"path"`
	Fsync     bool          `yaml:"fsync"`
	RedisAddr string        `yaml:"redis_addr"`
	RedisKey  string        `yaml:"redis_key"`
	SQLDSN    string        `yaml:"sql_dsn"`
	Timeout   time.Duration `yaml:"timeout"`
}

// SchedulerCfg configures the asynchronous write path. Zero values keep
// the scheduler defaults.
type SchedulerCfg struct {
	Workers      int           `yaml:"workers"`
	QueueDepth   int           `yaml:"queue_depth"`
	Retries      int           `yaml:"retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// LoggingCfg configures the slog handler.
type LoggingCfg struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		MaxMemory: humanize.IBytes(uint64(cache.DefaultMaxMemory)),
		Eviction:  cache.StrategyExpiry.String(),
		ZeroTTL:   cache.ZeroTTLExpired.String(),
		Replay:    true,
		ReplayTTL: core.TTLPreserve.String(),
		Malformed: "skip",
		Log: LogCfg{
			Backend: BackendFile,
			Path:    "keep.log",
			Fsync:   true,
		},
		Scheduler: SchedulerCfg{
			QueueDepth:   scheduler.DefaultQueueDepth,
			Retries:      scheduler.DefaultRetries,
			RetryBackoff: scheduler.DefaultBackoff,
		},
		Logging: LoggingCfg{Level: "info", Format: "text"},
	}
}

// Load reads and validates the YAML file at path. Missing fields keep
// their defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML data on top of Default.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("config: %w: %s", keeperrors.ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// Validate rejects unknown enum values and inconsistent settings.
func (c Config) Validate() error {
	if _, err := c.MaxMemoryBytes(); err != nil {
		return err
	}
	if _, err := cache.ParseStrategy(c.Eviction); err != nil {
		return fmt.Errorf("config: eviction: %w", err)
	}
	if _, err := cache.ParseZeroTTL(c.ZeroTTL); err != nil {
		return fmt.Errorf("config: zero_ttl: %w", err)
	}
	if _, err := core.ParseReplayTTL(c.ReplayTTL); err != nil {
		return fmt.Errorf("config: replay_ttl: %w", err)
	}
	if _, err := persist.ParseSkipPolicy(c.Malformed); err != nil {
		return fmt.Errorf("config: malformed: %w", err)
	}
	switch c.Log.Backend {
	case "", BackendFile:
	case BackendRedis:
		if c.Log.RedisAddr == "" {
			return invalid("log.redis_addr is required for the redis backend")
		}
	case BackendSQL:
		if c.Log.SQLDSN == "" {
			return invalid("log.sql_dsn is required for the sql backend")
		}
	default:
		return invalid("unknown log backend %q", c.Log.Backend)
	}
	s := c.Scheduler
	if s.Workers < 0 || s.QueueDepth < 0 || s.Retries < 0 || s.RetryBackoff < 0 {
		return invalid("scheduler settings must not be negative")
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return invalid("unknown logging format %q", c.Logging.Format)
	}
	return nil
}

// MaxMemoryBytes parses MaxMemory. An empty value selects the store
// default.
func (c Config) MaxMemoryBytes() (int64, error) {
	if strings.TrimSpace(c.MaxMemory) == "" {
		return cache.DefaultMaxMemory, nil
	}
	n, err := humanize.ParseBytes(c.MaxMemory)
	if err != nil {
		return 0, invalid("max_memory %q: %v", c.MaxMemory, err)
	}
	return int64(n), nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, invalid("unknown logging level %q", s)
}

// NewLogger builds the configured slog logger writing to w.
func (c Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(c.Logging.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// PersistOptions converts the sink related settings.
func (c Config) PersistOptions() []persist.Option {
	malformed, _ := persist.ParseSkipPolicy(c.Malformed)
	opts := []persist.Option{persist.WithMalformed(malformed)}
	if c.StrictSeparator {
		opts = append(opts, persist.WithStrictSeparator())
	}
	if !c.Log.Fsync {
		opts = append(opts, persist.WithSync(persist.SyncNever))
	}
	if c.Log.RedisKey != "" {
		opts = append(opts, persist.WithRedisKey(c.Log.RedisKey))
	}
	if c.Log.Timeout > 0 {
		opts = append(opts, persist.WithTimeout(c.Log.Timeout))
	}
	return opts
}

// EngineOptions converts the store, replay and scheduler settings. The
// log itself comes from OpenLog.
func (c Config) EngineOptions() ([]core.Option, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	maxMemory, _ := c.MaxMemoryBytes()
	strategy, _ := cache.ParseStrategy(c.Eviction)
	zeroTTL, _ := cache.ParseZeroTTL(c.ZeroTTL)
	replayTTL, _ := core.ParseReplayTTL(c.ReplayTTL)
	opts := []core.Option{
		core.WithMaxMemory(maxMemory),
		core.WithStrategy(strategy),
		core.WithZeroTTL(zeroTTL),
		core.WithReplayTTL(replayTTL),
	}
	if !c.Replay {
		opts = append(opts, core.WithoutReplay())
	}
	s := c.Scheduler
	var schedOpts []scheduler.Option
	if s.Workers > 0 {
		schedOpts = append(schedOpts, scheduler.WithWorkers(s.Workers))
	}
	if s.QueueDepth > 0 {
		schedOpts = append(schedOpts, scheduler.WithQueueDepth(s.QueueDepth))
	}
	schedOpts = append(schedOpts, scheduler.WithRetries(s.Retries, s.RetryBackoff))
	opts = append(opts, core.WithSchedulerOptions(schedOpts...))
	return opts, nil
}
