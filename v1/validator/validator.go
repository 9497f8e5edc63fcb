// Package validator checks that an engine's memory agrees with its
// persistence log, alerting on or healing any divergence.
package validator

import (
	"bytes"
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-keep/v1/cache"
	"github.com/mirkobrombin/go-keep/v1/core"
	"github.com/mirkobrombin/go-keep/v1/persist"
)

// Mode defines validator behaviour.
type Mode int

const (
	ModeNoop Mode = iota
	ModeAlert
	ModeAutoHeal
)

// Report is the outcome of one check.
type Report struct {
	// Checked is the number of live entries compared with the log.
	Checked int
	// Mismatches counts live entries whose value the log would not
	// restore.
	Mismatches int
	// Accounted and Actual are the store's byte total and its recomputed
	// value.
	Accounted int64
	Actual    int64
	// Healed is set when the log was rewritten from memory.
	Healed bool
}

// Validator periodically compares the store with a replay of the log.
// Keys present only in the log are not mismatches: evictions are not
// journaled.
type Validator struct {
	engine     *core.Engine
	mode       Mode
	interval   time.Duration
	logger     *slog.Logger
	mismatches atomic.Uint64
}

// New creates a new Validator.
func New(e *core.Engine, mode Mode, interval time.Duration) *Validator {
	return &Validator{engine: e, mode: mode, interval: interval, logger: slog.Default()}
}

// WithLogger sets the logger used for alerts.
func (v *Validator) WithLogger(l *slog.Logger) *Validator {
	if l != nil {
		v.logger = l
	}
	return v
}

// Run starts the validation loop.
func (v *Validator) Run(ctx context.Context) {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := v.Check(ctx); err != nil && ctx.Err() == nil {
				v.logger.Warn("keep: validation failed", "error", err)
			}
		}
	}
}

// Check compares memory with the log once. The store lock is held while
// the log is read, so no mutation interleaves.
func (v *Validator) Check(ctx context.Context) (Report, error) {
	var rep Report
	err := v.engine.Store().Snapshot(func(items []cache.Item) error {
		logged := make(map[string][]byte)
		if _, err := v.engine.Log().Replay(ctx, func(r persist.Record) error {
			if r.Op == persist.OpDelete {
				delete(logged, r.Key)
			} else {
				logged[r.Key] = r.Value
			}
			return nil
		}); err != nil {
			return err
		}
		for _, it := range items {
			rep.Checked++
			if lv, ok := logged[it.Key]; !ok || !bytes.Equal(lv, it.Value) {
				rep.Mismatches++
			}
		}
		return nil
	})
	if err != nil {
		return rep, err
	}
	rep.Accounted, rep.Actual = v.engine.Store().Audit()
	if rep.Mismatches == 0 && rep.Accounted == rep.Actual {
		return rep, nil
	}
	v.mismatches.Add(uint64(rep.Mismatches))

	switch v.mode {
	case ModeAlert:
		v.logger.Warn("keep: memory and log diverge", "mismatches", rep.Mismatches,
			"accounted", rep.Accounted, "actual", rep.Actual)
	case ModeAutoHeal:
		if rep.Mismatches > 0 {
			if err := v.engine.Compact(ctx); err != nil {
				return rep, err
			}
			rep.Healed = true
		}
	}
	return rep, nil
}

// Metrics returns number of mismatches detected.
func (v *Validator) Metrics() uint64 {
	return v.mismatches.Load()
}
