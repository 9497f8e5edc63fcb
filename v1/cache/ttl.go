package cache

import (
	"fmt"
	"math"
	"strings"
	"time"

	keeperrors "github.com/mirkobrombin/go-keep/v1/errors"
)

// ZeroTTL decides what a non-positive TTL means.
type ZeroTTL int

const (
	// ZeroTTLExpired stores the entry as already expired: the next access
	// observes it as Expired.
	ZeroTTLExpired ZeroTTL = iota
	// ZeroTTLPersistent stores the entry without expiry.
	ZeroTTLPersistent
)

func (z ZeroTTL) String() string {
	if z == ZeroTTLPersistent {
		return "persistent"
	}
	return "expired"
}

// ParseZeroTTL parses "expired" or "persistent". The empty string selects
// ZeroTTLExpired.
func ParseZeroTTL(s string) (ZeroTTL, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "expired":
		return ZeroTTLExpired, nil
	case "persistent":
		return ZeroTTLPersistent, nil
	}
	return 0, fmt.Errorf("%w: unknown zero ttl policy %q", keeperrors.ErrInvalidArgument, s)
}

// WithZeroTTL sets the meaning of a non-positive TTL.
func WithZeroTTL(z ZeroTTL) Option {
	return func(s *Store) {
		s.zeroTTL = z
	}
}

// ExpiresAt converts a TTL into an absolute expiry relative to now.
func (z ZeroTTL) ExpiresAt(now time.Time, ttl time.Duration) time.Time {
	if ttl > 0 {
		return ClampExpiry(now.Add(ttl))
	}
	if z == ZeroTTLPersistent {
		return time.Time{}
	}
	// strictly before now so the very next access sees it lapsed
	return now.Add(-time.Nanosecond)
}

// Remaining returns the time left before expiry, or ok=false for entries
// that never expire.
func Remaining(e Entry, now time.Time) (d time.Duration, ok bool) {
	if e.ExpiresAt.IsZero() {
		return 0, false
	}
	return e.ExpiresAt.Sub(now), true
}

// MaxExpiry is the latest expiry that fits in unix nanoseconds, the unit
// expiries are ranked and persisted in.
var MaxExpiry = time.Unix(0, math.MaxInt64)

// ClampExpiry limits t to MaxExpiry. The zero time stays zero.
func ClampExpiry(t time.Time) time.Time {
	if t.After(MaxExpiry) {
		return MaxExpiry
	}
	return t
}
