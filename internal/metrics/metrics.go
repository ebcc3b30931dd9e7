// ABOUTME: Prometheus metrics for the scan pipeline and the upstream transmitter.
// ABOUTME: Counters are updated in place; state gauges are refreshed from a snapshot on every scrape.

package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Snapshot is the point-in-time state exported as gauges
type Snapshot struct {
	QueueDepth        int
	WorkloadsCached   int
	ImagesCached      int
	WatchedNamespaces []string
	ActiveWatches     int
}

type SnapshotProvider interface {
	Snapshot() Snapshot
}

// Metrics owns a private registry so independent instances never collide
type Metrics struct {
	registry *prometheus.Registry

	queueDepth       prometheus.Gauge
	queueWait        prometheus.Histogram
	scans            *prometheus.CounterVec
	upstreamRequests *prometheus.CounterVec
	cacheEntries     *prometheus.GaugeVec
	watchedNamespace *prometheus.GaugeVec
	activeWatches    prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vulnmonitor_scan_queue_depth",
			Help: "Number of scan tasks waiting for a worker",
		}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vulnmonitor_scan_queue_wait_seconds",
			Help:    "Time scan tasks spent queued before a worker picked them up",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vulnmonitor_image_scans_total",
			Help: "Image scans by outcome",
		}, []string{"outcome"}),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vulnmonitor_upstream_requests_total",
			Help: "Requests to the ingestion API by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		cacheEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vulnmonitor_dedup_cache_entries",
			Help: "Entries held by the dedup caches",
		}, []string{"cache"}),
		watchedNamespace: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vulnmonitor_watched_namespace",
			Help: "Namespaces currently watched (always 1)",
		}, []string{"namespace"}),
		activeWatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vulnmonitor_active_watches",
			Help: "Number of running watch streams",
		}),
	}

	m.registry.MustRegister(
		m.queueDepth,
		m.queueWait,
		m.scans,
		m.upstreamRequests,
		m.cacheEntries,
		m.watchedNamespace,
		m.activeWatches,
	)
	return m
}

func (m *Metrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) ObserveQueueWait(seconds float64) {
	m.queueWait.Observe(seconds)
}

func (m *Metrics) IncScan(outcome string) {
	m.scans.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncUpstreamRequest(endpoint string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.upstreamRequests.WithLabelValues(sanitizeLabelValue(endpoint), outcome).Inc()
}

// Registry exposes the underlying registry for tests and custom handlers
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

type MetricsHandler struct {
	metrics  *Metrics
	provider SnapshotProvider
	logger   *logrus.Logger
}

func NewMetricsHandler(metrics *Metrics, provider SnapshotProvider, logger *logrus.Logger) *MetricsHandler {
	return &MetricsHandler{
		metrics:  metrics,
		provider: provider,
		logger:   logger,
	}
}

func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snapshot := h.provider.Snapshot()

	// Reset the namespace gauge so removed namespaces disappear
	h.metrics.watchedNamespace.Reset()
	for _, namespace := range snapshot.WatchedNamespaces {
		h.metrics.watchedNamespace.WithLabelValues(sanitizeLabelValue(namespace)).Set(1)
	}
	h.metrics.cacheEntries.WithLabelValues("workloads").Set(float64(snapshot.WorkloadsCached))
	h.metrics.cacheEntries.WithLabelValues("images").Set(float64(snapshot.ImagesCached))
	h.metrics.queueDepth.Set(float64(snapshot.QueueDepth))
	h.metrics.activeWatches.Set(float64(snapshot.ActiveWatches))

	h.logger.WithField("watched_namespaces", len(snapshot.WatchedNamespaces)).Debug("Serving metrics")

	handler := promhttp.HandlerFor(h.metrics.registry, promhttp.HandlerOpts{})
	handler.ServeHTTP(w, r)
}

// CreateMetricsHandler adapts the handler for use with http.HandleFunc
func CreateMetricsHandler(metrics *Metrics, provider SnapshotProvider, logger *logrus.Logger) http.HandlerFunc {
	handler := NewMetricsHandler(metrics, provider, logger)
	return handler.ServeHTTP
}

// sanitizeLabelValue cleans strings for use as Prometheus labels
func sanitizeLabelValue(value string) string {
	if value == "" {
		return "unknown"
	}

	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.ReplaceAll(value, "\t", " ")

	if len(value) > 200 {
		value = value[:200] + "..."
	}

	return strings.TrimSpace(value)
}
