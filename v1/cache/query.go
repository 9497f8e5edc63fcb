package cache

import (
	"context"
	"sort"
	"time"
)

// ByMinValueLength returns the keys whose value is at least n bytes long,
// sorted. The scan is a snapshot at the instant it runs and does not filter
// expired entries; callers confirm with Get.
func (s *Store) ByMinValueLength(ctx context.Context, n int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	keys := make([]string, 0)
	for k, e := range s.items {
		if len(e.Value) >= n {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

// ByRemainingTTL returns the keys with at least threshold left before
// expiry, sorted. Entries without expiry always qualify.
func (s *Store) ByRemainingTTL(ctx context.Context, threshold time.Duration) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	now := s.now()
	keys := make([]string, 0)
	for k, e := range s.items {
		left, expires := Remaining(e, now)
		if !expires || left >= threshold {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}
