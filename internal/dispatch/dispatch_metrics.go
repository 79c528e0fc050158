package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/herald/internal/alert"
	"github.com/linnemanlabs/herald/internal/delivery"
)

// Metrics holds Prometheus metrics for the dispatch path.
type Metrics struct {
	BatchesTotal    *prometheus.CounterVec
	BatchDuration   prometheus.Histogram
	BatchAlerts     prometheus.Histogram
	OutcomesTotal   *prometheus.CounterVec
	AttemptsTotal   *prometheus.CounterVec
	AttemptDuration *prometheus.HistogramVec
	ForwardsTotal   *prometheus.CounterVec
	IngestTotal     *prometheus.CounterVec
	DedupeEntries   prometheus.GaugeFunc
}

// NewMetrics registers and returns dispatch metrics on the given registerer.
// dedupeLen reports the current dedupe cache size; it may be nil.
func NewMetrics(reg prometheus.Registerer, dedupeLen func() int) *Metrics {
	if dedupeLen == nil {
		dedupeLen = func() int { return 0 }
	}
	m := &Metrics{
		BatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_dispatch_batches_total",
			Help: "Total dispatch batches by result.",
		}, []string{"result"}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "herald_dispatch_batch_duration_seconds",
			Help:    "Duration of dispatch batches in seconds, retries included.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms .. ~102s
		}),
		BatchAlerts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "herald_dispatch_batch_alerts",
			Help:    "Alerts per dispatch batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1 .. 512
		}),
		OutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_dispatch_outcomes_total",
			Help: "Per-channel dispatch outcomes by channel, outcome and reason.",
		}, []string{"channel", "outcome", "reason"}),
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_delivery_attempts_total",
			Help: "Total channel send attempts by channel and status.",
		}, []string{"channel", "status"}),
		AttemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "herald_delivery_attempt_duration_seconds",
			Help:    "Duration of individual channel send attempts in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.025, 2, 10), // 25ms .. ~12.8s
		}, []string{"channel"}),
		ForwardsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_forward_total",
			Help: "Sidecar forward calls by result.",
		}, []string{"result"}),
		IngestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_ingest_total",
			Help: "Ingest requests by endpoint and result.",
		}, []string{"endpoint", "result"}),
		DedupeEntries: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "herald_dedupe_entries",
			Help: "Keys currently tracked by the dedupe cache.",
		}, func() float64 { return float64(dedupeLen()) }),
	}

	reg.MustRegister(
		m.BatchesTotal,
		m.BatchDuration,
		m.BatchAlerts,
		m.OutcomesTotal,
		m.AttemptsTotal,
		m.AttemptDuration,
		m.ForwardsTotal,
		m.IngestTotal,
		m.DedupeEntries,
	)

	return m
}

// Hooks returns coordinator Hooks that increment the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnOutcome: func(channel alert.ChannelID, outcome Outcome, reason string) {
			m.OutcomesTotal.WithLabelValues(string(channel), string(outcome), reason).Inc()
		},
		OnBatch: func(_ Report, alerts int, d time.Duration) {
			m.BatchesTotal.WithLabelValues("ok").Inc()
			m.BatchDuration.Observe(d.Seconds())
			m.BatchAlerts.Observe(float64(alerts))
		},
		OnInvalid: func() {
			m.BatchesTotal.WithLabelValues("invalid").Inc()
		},
	}
}

// DeliveryHooks returns executor hooks that record every send attempt.
func (m *Metrics) DeliveryHooks() delivery.Hooks {
	return delivery.Hooks{
		OnAttempt: func(a delivery.Attempt) {
			status := "success"
			if a.Err != nil {
				status = "error"
			}
			m.AttemptsTotal.WithLabelValues(string(a.Channel), status).Inc()
			m.AttemptDuration.WithLabelValues(string(a.Channel)).Observe(a.Duration.Seconds())
		},
	}
}

// ObserveIngest records one ingest request.
func (m *Metrics) ObserveIngest(endpoint, result string) {
	m.IngestTotal.WithLabelValues(endpoint, result).Inc()
}

// ObserveForward records one sidecar push.
func (m *Metrics) ObserveForward(result string) {
	m.ForwardsTotal.WithLabelValues(result).Inc()
}
