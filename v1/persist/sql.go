package persist

import (
	"context"
	"fmt"
	"time"

	keeperrors "github.com/mirkobrombin/go-keep/v1/errors"
	"gorm.io/gorm"
)

const (
	sqlOpSet    = "S"
	sqlOpDelete = "D"
)

// sqlRecord is the row stored for every logged mutation.
type sqlRecord struct {
	Seq       uint64 `gorm:"primaryKey;autoIncrement;column:seq"`
	Op        string `gorm:"column:op;size:1"`
	Key       string `gorm:"column:key_id"`
	Value     []byte `gorm:"column:value"`
	ExpiresAt int64  `gorm:"column:expires_at"`
}

// SQLLog keeps the log as rows of a SQL table through gorm. Keys and
// values are stored verbatim, so the separator rules of the line format do
// not apply. The database handle is owned by the caller.
type SQLLog struct {
	db   *gorm.DB
	opts options
}

// NewSQLLog returns a SQLLog, creating its table if needed.
func NewSQLLog(db *gorm.DB, opts ...Option) (*SQLLog, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if !db.Migrator().HasTable(o.tableName) {
		if err := db.Table(o.tableName).AutoMigrate(&sqlRecord{}); err != nil {
			return nil, ioError("migrate", err)
		}
	}
	return &SQLLog{db: db, opts: o}, nil
}

func toRow(r Record) (sqlRecord, error) {
	if r.Key == "" {
		return sqlRecord{}, fmt.Errorf("%w: empty key", keeperrors.ErrInvalidArgument)
	}
	row := sqlRecord{Key: r.Key}
	switch r.Op {
	case OpSet:
		row.Op = sqlOpSet
		row.Value = r.Value
		if row.Value == nil {
			row.Value = []byte{}
		}
		if !r.ExpiresAt.IsZero() {
			row.ExpiresAt = unixNanos(r.ExpiresAt)
		}
	case OpDelete:
		row.Op = sqlOpDelete
	default:
		return sqlRecord{}, fmt.Errorf("%w: unknown op %d", keeperrors.ErrInvalidArgument, r.Op)
	}
	return row, nil
}

func fromRow(row sqlRecord) (Record, error) {
	switch row.Op {
	case sqlOpSet:
		r := Record{Op: OpSet, Key: row.Key, Value: row.Value}
		if row.ExpiresAt != 0 {
			r.ExpiresAt = time.Unix(0, row.ExpiresAt)
		}
		return r, nil
	case sqlOpDelete:
		return Record{Op: OpDelete, Key: row.Key}, nil
	}
	return Record{}, fmt.Errorf("%w: unknown op %q", ErrMalformed, row.Op)
}

// AppendSet implements Log.AppendSet.
func (l *SQLLog) AppendSet(key string, value []byte, expiresAt time.Time) error {
	return l.append(Record{Op: OpSet, Key: key, Value: value, ExpiresAt: expiresAt})
}

// AppendDelete implements Log.AppendDelete.
func (l *SQLLog) AppendDelete(key string) error {
	return l.append(Record{Op: OpDelete, Key: key})
}

func (l *SQLLog) append(r Record) error {
	row, err := toRow(r)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.opts.timeout)
	defer cancel()
	if err := l.db.WithContext(ctx).Table(l.opts.tableName).Create(&row).Error; err != nil {
		return ioError("insert", err)
	}
	return nil
}

// Replay implements Log.Replay in sequence order.
func (l *SQLLog) Replay(ctx context.Context, fn func(Record) error) (ReplayStats, error) {
	var stats ReplayStats
	var last uint64
	for {
		var rows []sqlRecord
		cctx, cancel := context.WithTimeout(ctx, l.opts.timeout)
		err := l.db.WithContext(cctx).Table(l.opts.tableName).
			Where("seq > ?", last).Order("seq").Limit(replayPageSize).Find(&rows).Error
		cancel()
		if err != nil {
			return stats, ioError("select", err)
		}
		for _, row := range rows {
			last = row.Seq
			rec, err := fromRow(row)
			if err != nil {
				if err := l.opts.skip(int(row.Seq), err, &stats); err != nil {
					return stats, err
				}
				continue
			}
			stats.Records++
			if err := fn(rec); err != nil {
				return stats, err
			}
		}
		if len(rows) < replayPageSize {
			return stats, nil
		}
	}
}

// Rewrite implements Log.Rewrite inside a transaction.
func (l *SQLLog) Rewrite(ctx context.Context, records []Record) error {
	rows := make([]sqlRecord, 0, len(records))
	for _, r := range records {
		row, err := toRow(r)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	cctx, cancel := context.WithTimeout(ctx, l.opts.timeout)
	defer cancel()
	err := l.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Table(l.opts.tableName).Where("1 = 1").Delete(&sqlRecord{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Table(l.opts.tableName).CreateInBatches(rows, 100).Error
	})
	if err != nil {
		return ioError("rewrite", err)
	}
	return nil
}

// Close implements Log.Close. The database handle stays open.
func (l *SQLLog) Close() error { return nil }

var _ Log = (*SQLLog)(nil)
