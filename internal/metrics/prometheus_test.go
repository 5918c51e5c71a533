package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/example/delivery-core/internal/metrics"
)

func TestPrometheusRegistersAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := metrics.NewPrometheus(reg)

	sink.MessageProcessed("completed", 1, 10*time.Millisecond)
	sink.MessageProcessed("completed", 2, 20*time.Millisecond)
	sink.MessageProcessed("dead_lettered", 5, 5*time.Millisecond)
	sink.RetryScheduled(2 * time.Second)
	sink.DeadLettered("max_attempts_exhausted")
	sink.DuplicateSuppressed()
	sink.Reprocessed("requeued")
	sink.InFlight(3)
	sink.InFlight(-1)
	sink.SchedulerPending(7)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}

	values := map[string]float64{}
	for _, mf := range families {
		total := 0.0
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
		values[mf.GetName()] = total
	}

	want := map[string]float64{
		"delivery_processed_total":          3,
		"delivery_retries_total":            1,
		"delivery_dead_letters_total":       1,
		"delivery_duplicates_total":         1,
		"delivery_reprocess_total":          1,
		"delivery_in_flight":                2,
		"delivery_scheduler_pending":        7,
		"delivery_attempt_duration_seconds": 3,
	}
	for name, v := range want {
		if got, ok := values[name]; !ok {
			t.Errorf("metric %s not registered", name)
		} else if got != v {
			t.Errorf("metric %s = %v, want %v", name, got, v)
		}
	}
}

func TestOrNopReplacesNil(t *testing.T) {
	if metrics.OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}

	// The nop sink must accept every call without side effects.
	s := metrics.OrNop(nil)
	s.MessageProcessed("completed", 1, time.Second)
	s.RetryScheduled(time.Second)
	s.DeadLettered("reason")
	s.DuplicateSuppressed()
	s.Reprocessed("requeued")
	s.InFlight(1)
	s.SchedulerPending(1)
}
