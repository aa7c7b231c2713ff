package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fieldsync"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	syncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Processor runs by outcome (completed, aborted, skipped_offline, skipped_busy).",
		},
		[]string{"outcome"},
	)

	syncItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_items_total",
			Help:      "Applied queue items by outcome (synced, retry, failed, persistence_error).",
		},
		[]string{"outcome"},
	)

	queueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_size",
			Help:      "Items currently held in the durable queue.",
		},
	)

	networkConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "network_connected",
			Help:      "1 when the backend is reachable.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, syncRuns, syncItems, queueSize, networkConnected)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// IncSyncRun counts a processor run outcome.
func IncSyncRun(outcome string) {
	syncRuns.WithLabelValues(outcome).Inc()
}

// IncSyncItem counts an item outcome.
func IncSyncItem(outcome string) {
	syncItems.WithLabelValues(outcome).Inc()
}

// SetQueueSize records the current queue size.
func SetQueueSize(n int) {
	queueSize.Set(float64(n))
}

// SetConnected records reachability.
func SetConnected(connected bool) {
	if connected {
		networkConnected.Set(1)
		return
	}
	networkConnected.Set(0)
}
