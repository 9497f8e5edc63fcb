package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterCoreMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterCoreMetrics(reg)
	SetCounter.Inc()
	GetCounter.Inc()
	DeleteCounter.Inc()
	AsyncFailureCounter.Inc()
	PendingGauge.Set(5)
	ReplaySkippedCounter.Inc()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) != 6 {
		t.Fatalf("expected 6 metric families, got %d", len(mfs))
	}
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	for _, name := range []string{"keep_set_total", "keep_scheduler_pending", "keep_replay_skipped_total"} {
		if !names[name] {
			t.Fatalf("metric %s not registered", name)
		}
	}
}

func TestRegisterCoreMetricsDuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterCoreMetrics(reg)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	RegisterCoreMetrics(reg)
}
