package cache

import (
	"fmt"
	"strings"

	keeperrors "github.com/mirkobrombin/go-keep/v1/errors"
)

// Strategy names a built-in eviction policy.
type Strategy int

const (
	// StrategyExpiry evicts the earliest-expiring entry first.
	StrategyExpiry Strategy = iota
	// StrategyLRU evicts the least recently used entry.
	StrategyLRU
	// StrategyFIFO evicts entries in insertion order.
	StrategyFIFO
)

func (s Strategy) String() string {
	switch s {
	case StrategyLRU:
		return "lru"
	case StrategyFIFO:
		return "fifo"
	default:
		return "expiry"
	}
}

// ParseStrategy parses "expiry", "lru" or "fifo". The empty string selects
// StrategyExpiry.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "expiry":
		return StrategyExpiry, nil
	case "lru":
		return StrategyLRU, nil
	case "fifo":
		return StrategyFIFO, nil
	}
	return 0, fmt.Errorf("%w: unknown eviction strategy %q", keeperrors.ErrInvalidArgument, s)
}

// NewPolicy returns a fresh Policy for the strategy.
func (s Strategy) NewPolicy() Policy {
	switch s {
	case StrategyLRU:
		return NewLRUPolicy()
	case StrategyFIFO:
		return NewFIFOPolicy()
	default:
		return NewExpiryPolicy()
	}
}

// WithStrategy selects a built-in eviction policy. The default is StrategyExpiry.
func WithStrategy(s Strategy) Option {
	return func(st *Store) {
		st.policy = s.NewPolicy()
	}
}

// WithPolicy installs a custom eviction policy. newPolicy is called once
// per store, so an Option value can be shared between stores.
func WithPolicy(newPolicy func() Policy) Option {
	return func(st *Store) {
		if newPolicy == nil {
			return
		}
		if p := newPolicy(); p != nil {
			st.policy = p
		}
	}
}
