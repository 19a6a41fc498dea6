package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "livemirror"

var (
	registerOnce sync.Once

	reconcilePasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "passes_total",
			Help:      "Reconciliation passes by outcome.",
		},
		[]string{"outcome"},
	)
	proposals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "proposals_total",
			Help:      "Peer proposals by disposition.",
		},
		[]string{"disposition"},
	)
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "messages_sent_total",
			Help:      "Server->peer messages enqueued by type.",
		},
		[]string{"type"},
	)
	droppedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "messages_dropped_total",
			Help:      "Peer->server messages discarded by reason.",
		},
		[]string{"reason"},
	)
	inboxFiles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbox",
			Name:      "files_total",
			Help:      "Inbox files by result.",
		},
		[]string{"result"},
	)
	connectedPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connected_peers",
			Help:      "Peers attached to the transport hub.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency. Websocket requests last the whole session.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	entries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "entries",
			Help:      "Values currently exposed.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			reconcilePasses,
			proposals,
			notifications,
			droppedMessages,
			inboxFiles,
			connectedPeers,
			entries,
			httpRequests,
			httpDuration,
		)
	})
}

// Handler serves the default registry after making sure collectors exist.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordPass(outcome string) {
	RegisterMetrics()
	reconcilePasses.WithLabelValues(outcome).Inc()
}

func RecordProposals(disposition string, n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	proposals.WithLabelValues(disposition).Add(float64(n))
}

func RecordSent(msgType string, n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	notifications.WithLabelValues(msgType).Add(float64(n))
}

func RecordDropped(reason string) {
	RegisterMetrics()
	droppedMessages.WithLabelValues(reason).Inc()
}

func RecordInboxFile(result string) {
	RegisterMetrics()
	inboxFiles.WithLabelValues(result).Inc()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func SetConnectedPeers(n int) {
	RegisterMetrics()
	connectedPeers.Set(float64(n))
}

func SetEntries(n int) {
	RegisterMetrics()
	entries.Set(float64(n))
}
