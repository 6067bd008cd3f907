// ============================================================================
// railhub Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
//
// Metric families:
//
//   1. Cache controller
//      - railhub_fetch_total{strategy,source}        responses served, by origin of the bytes
//      - railhub_fetch_errors_total{strategy}        fetches that returned an error to the page
//      - railhub_cache_write_failures_total{strategy} best-effort writes that were swallowed
//      - railhub_install_total{result}               install attempts (ok|failed)
//      - railhub_generations_deleted_total           generations removed at activation
//
//   2. Offline queue / sync engine
//      - railhub_actions_enqueued_total{type}
//      - railhub_actions_replayed_total{type,result} drain outcomes per envelope (ok|failed)
//      - railhub_actions_pending                     pending envelopes after the last enqueue/drain
//      - railhub_drain_duration_seconds              one full drain pass
//
//   3. Notifications
//      - railhub_notifications_total{tag}
//      - railhub_notifications_suppressed_total      dropped because permission was not granted
//
// Every Record* method is safe on a nil *Collector, so components can run
// without instrumentation in tests.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus collectors for railhub.
type Collector struct {
	fetches       *prometheus.CounterVec
	fetchErrors   *prometheus.CounterVec
	writeFailures *prometheus.CounterVec
	installs      *prometheus.CounterVec
	genDeleted    prometheus.Counter

	enqueued      *prometheus.CounterVec
	replayed      *prometheus.CounterVec
	pending       prometheus.Gauge
	drainDuration prometheus.Histogram

	notifications *prometheus.CounterVec
	suppressed    prometheus.Counter
}

// NewCollector creates a collector registered on prometheus.DefaultRegisterer.
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer)
}

// NewCollectorWith creates a collector registered on reg.
func NewCollectorWith(reg prometheus.Registerer) *Collector {
	c := &Collector{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "railhub_fetch_total",
			Help: "Responses served by the cache controller, by strategy and source",
		}, []string{"strategy", "source"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "railhub_fetch_errors_total",
			Help: "Fetches that failed with no usable response",
		}, []string{"strategy"}),
		writeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "railhub_cache_write_failures_total",
			Help: "Best-effort cache writes that failed and were not surfaced",
		}, []string{"strategy"}),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "railhub_install_total",
			Help: "Install attempts by result",
		}, []string{"result"}),
		genDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "railhub_generations_deleted_total",
			Help: "Cache generations deleted during activation",
		}),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "railhub_actions_enqueued_total",
			Help: "Actions persisted for later replay",
		}, []string{"type"}),
		replayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "railhub_actions_replayed_total",
			Help: "Action replay attempts by result",
		}, []string{"type", "result"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "railhub_actions_pending",
			Help: "Pending actions currently in the store",
		}),
		drainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "railhub_drain_duration_seconds",
			Help:    "Duration of one drain pass",
			Buckets: prometheus.DefBuckets,
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "railhub_notifications_total",
			Help: "Notifications shown, by tag",
		}, []string{"tag"}),
		suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "railhub_notifications_suppressed_total",
			Help: "Notifications dropped because permission was not granted",
		}),
	}

	reg.MustRegister(
		c.fetches, c.fetchErrors, c.writeFailures, c.installs, c.genDeleted,
		c.enqueued, c.replayed, c.pending, c.drainDuration,
		c.notifications, c.suppressed,
	)
	return c
}

// RecordFetch 記錄一次成功回應
func (c *Collector) RecordFetch(strategy, source string) {
	if c == nil {
		return
	}
	c.fetches.WithLabelValues(strategy, source).Inc()
}

func (c *Collector) RecordFetchError(strategy string) {
	if c == nil {
		return
	}
	c.fetchErrors.WithLabelValues(strategy).Inc()
}

func (c *Collector) RecordCacheWriteFailure(strategy string) {
	if c == nil {
		return
	}
	c.writeFailures.WithLabelValues(strategy).Inc()
}

func (c *Collector) RecordInstall(ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	c.installs.WithLabelValues(result).Inc()
}

func (c *Collector) RecordGenerationDeleted() {
	if c == nil {
		return
	}
	c.genDeleted.Inc()
}

func (c *Collector) RecordEnqueue(actionType string) {
	if c == nil {
		return
	}
	c.enqueued.WithLabelValues(actionType).Inc()
}

// RecordReplay 記錄單一 envelope 的重放結果
func (c *Collector) RecordReplay(actionType string, ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	c.replayed.WithLabelValues(actionType, result).Inc()
}

func (c *Collector) SetPending(n int) {
	if c == nil {
		return
	}
	c.pending.Set(float64(n))
}

func (c *Collector) ObserveDrain(seconds float64) {
	if c == nil {
		return
	}
	c.drainDuration.Observe(seconds)
}

func (c *Collector) RecordNotification(tag string) {
	if c == nil {
		return
	}
	c.notifications.WithLabelValues(tag).Inc()
}

func (c *Collector) RecordNotificationSuppressed() {
	if c == nil {
		return
	}
	c.suppressed.Inc()
}

// Handler returns the /metrics handler for the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
