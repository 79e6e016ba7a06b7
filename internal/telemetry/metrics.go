package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshkv",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meshkv",
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "meshkv",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
		[]string{"op"},
	)

	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshkv",
			Name:      "heartbeats_total",
			Help:      "Outbound heartbeat probes by result.",
		},
		[]string{"result"},
	)

	GossipRounds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meshkv",
			Name:      "gossip_rounds_total",
			Help:      "Completed gossip exchange rounds.",
		},
	)

	SyncItemsPushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meshkv",
			Name:      "sync_items_pushed_total",
			Help:      "Items pushed to peers by the sync protocol.",
		},
	)

	SyncItemsPulled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meshkv",
			Name:      "sync_items_pulled_total",
			Help:      "Items pulled from peers by the sync protocol.",
		},
	)

	MergeResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshkv",
			Name:      "merge_results_total",
			Help:      "Merge outcomes by reason.",
		},
		[]string{"reason"},
	)

	StoreItems = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "meshkv",
			Name:      "store_items",
			Help:      "Items currently held in the versioned store.",
		},
	)

	PeersKnown = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "meshkv",
			Name:      "peers_known",
			Help:      "Known peers by health state.",
		},
		[]string{"state"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "meshkv",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		RequestsTotal, RequestDuration, InFlight,
		HeartbeatsTotal, GossipRounds,
		SyncItemsPushed, SyncItemsPulled, MergeResults,
		StoreItems, PeersKnown, uptime,
	)
}

// MetricsHandler exposes the registry, for mounting at /metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record request metrics under the
// given "op" label.
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		InFlight.WithLabelValues(op).Inc()
		defer InFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
