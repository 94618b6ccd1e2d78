package metrics

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const namespace = "rainmachine_uploader"

// Skip reasons used as the "reason" label of records_skipped_total.
const (
	ReasonStale        = "stale"
	ReasonPostInterval = "post_interval"
	ReasonBacklog      = "backlog"
	ReasonDryRun       = "dry_run"
	ReasonBreakerOpen  = "breaker_open"
)

// Metrics is the set of uploader collectors.
type Metrics struct {
	reg *prometheus.Registry

	enqueued    prometheus.Counter
	delivered   prometheus.Counter
	failed      prometheus.Counter
	attempts    prometheus.Counter
	skipped     *prometheus.CounterVec
	queueLength prometheus.Gauge
	latency     prometheus.Histogram
}

// New creates the collectors and registers them in a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_enqueued_total",
			Help:      "Archive records accepted into the pending queue.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_delivered_total",
			Help:      "Archive records posted successfully.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_failed_total",
			Help:      "Archive records dropped after exhausting retries or failing to prepare.",
		}),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "post_attempts_total",
			Help:      "HTTP POST attempts, including retries.",
		}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_skipped_total",
			Help:      "Archive records not posted by policy.",
		}, []string{"reason"}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Records waiting in the pending queue.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Time from dequeue to final outcome of a delivered record.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
	}
	m.reg.MustRegister(m.enqueued, m.delivered, m.failed, m.attempts, m.skipped, m.queueLength, m.latency)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Gather returns the current metric families.
func (m *Metrics) Gather() ([]*dto.MetricFamily, error) {
	return m.reg.Gather()
}

// WriteText writes all metric families to w in the text exposition format.
func (m *Metrics) WriteText(w io.Writer) error {
	mfs, err := m.Gather()
	if err != nil {
		return fmt.Errorf("metrics: gather: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("metrics: encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

func (m *Metrics) RecordEnqueued() {
	if m == nil {
		return
	}
	m.enqueued.Inc()
}

func (m *Metrics) RecordAttempt() {
	if m == nil {
		return
	}
	m.attempts.Inc()
}

func (m *Metrics) RecordDelivered(d time.Duration) {
	if m == nil {
		return
	}
	m.delivered.Inc()
	m.latency.Observe(d.Seconds())
}

func (m *Metrics) RecordFailed() {
	if m == nil {
		return
	}
	m.failed.Inc()
}

func (m *Metrics) RecordSkipped(reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.queueLength.Set(float64(n))
}
