package cache

import (
	"context"
	"strconv"
	"testing"
	"time"
)

// benchmarkSet measures Set performance under a memory ceiling that forces
// steady eviction.
func benchmarkSet(b *testing.B, s *Store) {
	ctx := context.Background()
	val := []byte("val")
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := s.Set(ctx, strconv.Itoa(i), val, time.Minute); err != nil {
			b.Fatalf("set failed: %v", err)
		}
	}
}

// benchmarkGet measures Get performance for a resident key.
func benchmarkGet(b *testing.B, s *Store) {
	ctx := context.Background()
	if err := s.Set(ctx, "key", []byte("val"), time.Minute); err != nil {
		b.Fatalf("setup failed: %v", err)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if res, err := s.Get(ctx, "key"); err != nil || res.Status != Found {
			b.Fatalf("get failed: %v status=%v", err, res.Status)
		}
	}
}

func BenchmarkExpirySet(b *testing.B) { benchmarkSet(b, New(WithMaxMemory(1<<16))) }
func BenchmarkLRUSet(b *testing.B) {
	benchmarkSet(b, New(WithMaxMemory(1<<16), WithStrategy(StrategyLRU)))
}
func BenchmarkFIFOSet(b *testing.B) {
	benchmarkSet(b, New(WithMaxMemory(1<<16), WithStrategy(StrategyFIFO)))
}

func BenchmarkExpiryGet(b *testing.B) { benchmarkGet(b, New()) }
func BenchmarkLRUGet(b *testing.B)    { benchmarkGet(b, New(WithStrategy(StrategyLRU))) }
