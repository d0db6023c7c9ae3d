// Package metrics records Prometheus metrics for the broker's scheduling engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder groups the broker's Prometheus instruments.
type Recorder struct {
	queueLength   *prometheus.GaugeVec
	dispatchTotal *prometheus.CounterVec
	dispatchWait  *prometheus.HistogramVec
	execDuration  *prometheus.HistogramVec
	throttleTotal *prometheus.CounterVec
	persistErrors *prometheus.CounterVec
	reloadTotal   *prometheus.CounterVec
}

// Global is the process-wide recorder, created once at startup.
//
//nolint:gochecknoglobals // single Prometheus registry per process, same pattern as promauto itself
var Global = newRecorder()

func newRecorder() *Recorder {
	return &Recorder{
		queueLength: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "broker_queue_length",
				Help: "Current number of pending items per queue label.",
			},
			[]string{"label"},
		),
		dispatchTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_dispatch_total",
				Help: "Total dispatched items by label, model and outcome.",
			},
			[]string{"label", "model", "outcome"},
		),
		dispatchWait: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broker_dispatch_wait_seconds",
				Help:    "Time an item spent enqueued before dispatch.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"label", "model"},
		),
		execDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broker_exec_duration_seconds",
				Help:    "Wall-clock duration of the execute closure.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"label", "model"},
		),
		throttleTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_throttle_total",
				Help: "Times a candidate was found not runnable by limit type.",
			},
			[]string{"label", "model", "limit_type"},
		),
		persistErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_persist_errors_total",
				Help: "Remote UsageStore persistence failures, swallowed and logged.",
			},
			[]string{"label"},
		),
		reloadTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_reload_total",
				Help: "Administrative key-reload operations by provider.",
			},
			[]string{"provider"},
		),
	}
}

// SetQueueLength records the current depth of a queue.
func (r *Recorder) SetQueueLength(label string, n int) {
	r.queueLength.WithLabelValues(label).Set(float64(n))
}

// ObserveDispatch records a completed dispatch with its wait time.
func (r *Recorder) ObserveDispatch(label, model, outcome string, wait time.Duration) {
	r.dispatchTotal.WithLabelValues(label, model, outcome).Inc()
	r.dispatchWait.WithLabelValues(label, model).Observe(wait.Seconds())
}

// ObserveExec records the duration of an execute closure invocation.
func (r *Recorder) ObserveExec(label, model string, d time.Duration) {
	r.execDuration.WithLabelValues(label, model).Observe(d.Seconds())
}

// IncThrottle records that a limit of the given type blocked an item.
func (r *Recorder) IncThrottle(label, model, limitType string) {
	r.throttleTotal.WithLabelValues(label, model, limitType).Inc()
}

// IncPersistError records a swallowed persistence failure.
func (r *Recorder) IncPersistError(label string) {
	r.persistErrors.WithLabelValues(label).Inc()
}

// IncReload records an administrative reload for a provider.
func (r *Recorder) IncReload(provider string) {
	r.reloadTotal.WithLabelValues(provider).Inc()
}
