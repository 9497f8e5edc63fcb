// Package cache implements the in-process store behind go-keep: a map of
// entries with lazy expiry, exact memory accounting and a pluggable,
// deterministic eviction policy, all guarded by a single lock. Nothing runs
// in the background; expired entries linger until read or evicted.
package cache
