package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bmustore"

var (
	once sync.Once

	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled, by component, route class and outcome.",
		},
		[]string{"component", "route", "outcome"},
	)

	enqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_enqueued_total",
			Help:      "Write requests stored for later replay.",
		},
	)

	syncItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_items_total",
			Help:      "Queue items processed by the reconciler, by result.",
		},
		[]string{"result"},
	)

	online = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 when the upstream is believed reachable.",
		},
	)

	pending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "Pending items observed after the last drain.",
		},
	)

	syncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Wall time of a full queue drain.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(requests, enqueued, syncItems, online, pending, syncDuration)
	})
}

// IncRequest counts one handled request.
func IncRequest(component, route, outcome string) {
	requests.WithLabelValues(component, route, outcome).Inc()
}

func IncEnqueued() {
	enqueued.Inc()
}

// IncSyncItem counts a replayed item; result is synced, retry or failed.
func IncSyncItem(result string) {
	syncItems.WithLabelValues(result).Inc()
}

func SetOnline(up bool) {
	if up {
		online.Set(1)
		return
	}
	online.Set(0)
}

func SetPending(n int) {
	pending.Set(float64(n))
}

func ObserveSync(d time.Duration) {
	syncDuration.Observe(d.Seconds())
}
