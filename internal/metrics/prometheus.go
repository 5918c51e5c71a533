package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus is a Sink backed by prometheus collectors.
type Prometheus struct {
	processed        *prometheus.CounterVec
	retries          prometheus.Counter
	deadLetters      *prometheus.CounterVec
	duplicates       prometheus.Counter
	reprocessed      *prometheus.CounterVec
	inFlight         prometheus.Gauge
	schedulerPending prometheus.Gauge
	attemptDuration  prometheus.Histogram
}

// NewPrometheus registers the delivery collectors with reg and returns the
// sink. Pass nil to register with the default registerer.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Prometheus{
		processed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "delivery_processed_total",
			Help: "Total number of handled deliveries by terminal outcome",
		}, []string{"outcome"}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "delivery_retries_total",
			Help: "Total number of redeliveries scheduled",
		}),
		deadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "delivery_dead_letters_total",
			Help: "Total number of messages parked in the dead-letter store",
		}, []string{"reason"}),
		duplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "delivery_duplicates_total",
			Help: "Total number of deliveries suppressed by the idempotency guard",
		}),
		reprocessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "delivery_reprocess_total",
			Help: "Total number of manual redrives by result",
		}, []string{"result"}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "delivery_in_flight",
			Help: "Number of handlers currently processing a delivery",
		}),
		schedulerPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "delivery_scheduler_pending",
			Help: "Number of entries waiting in the redelivery schedule",
		}),
		attemptDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "delivery_attempt_duration_seconds",
			Help:    "Duration of a single delivery attempt",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
	}
}

func (p *Prometheus) MessageProcessed(outcome string, _ int, duration time.Duration) {
	p.processed.WithLabelValues(outcome).Inc()
	p.attemptDuration.Observe(duration.Seconds())
}

func (p *Prometheus) RetryScheduled(_ time.Duration) {
	p.retries.Inc()
}

func (p *Prometheus) DeadLettered(reason string) {
	p.deadLetters.WithLabelValues(reason).Inc()
}

func (p *Prometheus) DuplicateSuppressed() {
	p.duplicates.Inc()
}

func (p *Prometheus) Reprocessed(result string) {
	p.reprocessed.WithLabelValues(result).Inc()
}

func (p *Prometheus) InFlight(delta int) {
	p.inFlight.Add(float64(delta))
}

func (p *Prometheus) SchedulerPending(n int) {
	p.schedulerPending.Set(float64(n))
}
