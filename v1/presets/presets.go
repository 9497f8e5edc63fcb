package presets

import (
	"context"
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/mirkobrombin/go-keep/v1/core"
	"github.com/mirkobrombin/go-keep/v1/persist"
	redis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// ownedLog closes the connection a sink was built on together with the
// sink.
type ownedLog struct {
	persist.Log
	release func() error
}

func (l *ownedLog) Validate(key string, value []byte) error {
	if v, ok := l.Log.(persist.Validator); ok {
		return v.Validate(key, value)
	}
	return nil
}

func (l *ownedLog) Close() error {
	err := l.Log.Close()
	if rerr := l.release(); err == nil {
		err = rerr
	}
	return err
}

// OpenRedisLog connects to Redis and returns a log stored in a Redis list.
// Closing the log closes the client.
func OpenRedisLog(ctx context.Context, opts RedisOptions, logOpts ...persist.Option) (persist.Log, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("presets: connect redis %s: %w", opts.Addr, err)
	}
	return &ownedLog{Log: persist.NewRedisLog(client, logOpts...), release: client.Close}, nil
}

// OpenSQLiteLog opens the SQLite database at dsn and returns a log stored
// in one of its tables. Closing the log closes the database.
func OpenSQLiteLog(dsn string, logOpts ...persist.Option) (persist.Log, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("presets: open sqlite %s: %w", dsn, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("presets: open sqlite %s: %w", dsn, err)
	}
	l, err := persist.NewSQLLog(db, logOpts...)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return &ownedLog{Log: l, release: sqlDB.Close}, nil
}

// NewFileBacked opens an engine persisted to the text log at path.
func NewFileBacked(ctx context.Context, path string, opts ...core.Option) (*core.Engine, error) {
	return core.Open(ctx, append([]core.Option{core.WithLogPath(path)}, opts...)...)
}

// NewRedisBacked opens an engine persisted to a Redis list. The log is
// replayed from Redis on open, so several restarts of one process share
// the same data set.
func NewRedisBacked(ctx context.Context, redisOpts RedisOptions, opts ...core.Option) (*core.Engine, error) {
	l, err := OpenRedisLog(ctx, redisOpts)
	if err != nil {
		return nil, err
	}
	return core.Open(ctx, append([]core.Option{core.WithLog(l)}, opts...)...)
}

// NewSQLiteBacked opens an engine persisted to a SQLite table.
func NewSQLiteBacked(ctx context.Context, dsn string, opts ...core.Option) (*core.Engine, error) {
	l, err := OpenSQLiteLog(dsn)
	if err != nil {
		return nil, err
	}
	return core.Open(ctx, append([]core.Option{core.WithLog(l)}, opts...)...)
}
