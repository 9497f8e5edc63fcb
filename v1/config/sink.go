package config

import (
	"context"

	"github.com/mirkobrombin/go-keep/v1/core"
	"github.com/mirkobrombin/go-keep/v1/persist"
	"github.com/mirkobrombin/go-keep/v1/presets"
)

// OpenLog builds the configured sink. Connections it opens are closed by
// the returned log's Close. extra options are applied after the
// configured ones.
func (c Config) OpenLog(ctx context.Context, extra ...persist.Option) (persist.Log, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	opts := append(c.PersistOptions(), extra...)
	switch c.Log.Backend {
	case BackendRedis:
		return presets.OpenRedisLog(ctx, presets.RedisOptions{Addr: c.Log.RedisAddr}, opts...)
	case BackendSQL:
		return presets.OpenSQLiteLog(c.Log.SQLDSN, opts...)
	}
	fl, err := persist.OpenFile(c.Log.Path, opts...)
	if err != nil {
		return nil, err
	}
	return fl, nil
}

// Open builds the configured log and opens an engine on it. extra options
// are applied after the configured ones.
func (c Config) Open(ctx context.Context, extra ...core.Option) (*core.Engine, error) {
	opts, err := c.EngineOptions()
	if err != nil {
		return nil, err
	}
	log, err := c.OpenLog(ctx)
	if err != nil {
		return nil, err
	}
	opts = append(opts, core.WithLog(log))
	return core.Open(ctx, append(opts, extra...)...)
}
