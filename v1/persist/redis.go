package persist

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisLog keeps the log as encoded lines in a Redis list. The client is
// owned by the caller.
type RedisLog struct {
	client *redis.Client
	opts   options
}

// NewRedisLog returns a RedisLog writing to the list selected by
// WithRedisKey (default "keep:log").
func NewRedisLog(client *redis.Client, opts ...Option) *RedisLog {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisLog{client: client, opts: o}
}

// Validate implements Validator using the sink codec.
func (l *RedisLog) Validate(key string, value []byte) error {
	_, err := l.opts.codec.Encode(Record{Op: OpSet, Key: key, Value: value})
	return err
}

// AppendSet implements Log.AppendSet.
func (l *RedisLog) AppendSet(key string, value []byte, expiresAt time.Time) error {
	return l.append(Record{Op: OpSet, Key: key, Value: value, ExpiresAt: expiresAt})
}

// AppendDelete implements Log.AppendDelete.
func (l *RedisLog) AppendDelete(key string) error {
	return l.append(Record{Op: OpDelete, Key: key})
}

func (l *RedisLog) append(r Record) error {
	line, err := l.opts.codec.Encode(r)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.opts.timeout)
	defer cancel()
	if err := l.client.RPush(ctx, l.opts.redisKey, line).Err(); err != nil {
		return ioError("rpush", err)
	}
	return nil
}

// Replay implements Log.Replay, reading the list page by page.
func (l *RedisLog) Replay(ctx context.Context, fn func(Record) error) (ReplayStats, error) {
	var stats ReplayStats
	for start := int64(0); ; start += replayPageSize {
		cctx, cancel := context.WithTimeout(ctx, l.opts.timeout)
		lines, err := l.client.LRange(cctx, l.opts.redisKey, start, start+replayPageSize-1).Result()
		cancel()
		if err != nil {
			return stats, ioError("lrange", err)
		}
		for i, line := range lines {
			rec, err := l.opts.codec.Decode([]byte(line))
			if err != nil {
				if err := l.opts.skip(int(start)+i+1, err, &stats); err != nil {
					return stats, err
				}
				continue
			}
			stats.Records++
			if err := fn(rec); err != nil {
				return stats, err
			}
		}
		if len(lines) < replayPageSize {
			return stats, nil
		}
	}
}

// Rewrite implements Log.Rewrite inside a MULTI/EXEC transaction.
func (l *RedisLog) Rewrite(ctx context.Context, records []Record) error {
	lines := make([]any, 0, len(records))
	for _, r := range records {
		line, err := l.opts.codec.Encode(r)
		if err != nil {
			return err
		}
		lines = append(lines, line)
	}
	cctx, cancel := context.WithTimeout(ctx, l.opts.timeout)
	defer cancel()
	_, err := l.client.TxPipelined(cctx, func(pipe redis.Pipeliner) error {
		pipe.Del(cctx, l.opts.redisKey)
		for i := 0; i < len(lines); i += replayPageSize {
			end := min(i+replayPageSize, len(lines))
			pipe.RPush(cctx, l.opts.redisKey, lines[i:end]...)
		}
		return nil
	})
	if err != nil {
		return ioError("rewrite", err)
	}
	return nil
}

// Close implements Log.Close. The client stays open.
func (l *RedisLog) Close() error { return nil }

var _ Log = (*RedisLog)(nil)
