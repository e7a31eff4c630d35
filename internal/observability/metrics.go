package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/stepwise/internal/engine"
	"github.com/danmuck/stepwise/internal/protocol/message"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once
	queueOnce    sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stepwise",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stepwise",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	stepOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stepwise",
			Subsystem: "engine",
			Name:      "events_total",
			Help:      "Processed engine events by protocol and disposition.",
		},
		[]string{"node", "protocol", "type", "disposition"},
	)
	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stepwise",
			Subsystem: "engine",
			Name:      "step_duration_seconds",
			Help:      "Time to process one message, unit of work included.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "protocol"},
	)
	relayDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stepwise",
			Subsystem: "relay",
			Name:      "deliveries_total",
			Help:      "Outbox delivery attempts by target kind.",
		},
		[]string{"node", "target", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, stepOutcomes, stepDuration, relayDeliveries)
	})
}

// RegisterQueueDepth exports depth as the coordinator queue gauge. Only the
// first call registers.
func RegisterQueueDepth(node string, depth func() int) {
	queueOnce.Do(func() {
		prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "stepwise",
			Subsystem:   "engine",
			Name:        "queue_depth",
			Help:        "Events waiting on coordinator worker queues.",
			ConstLabels: prometheus.Labels{"node": node},
		}, func() float64 { return float64(depth()) }))
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordEngineEvent(node string, ev engine.Event) {
	RegisterMetrics()
	protocol := ev.Protocol
	if protocol == "" {
		protocol = "unknown"
	}
	stepOutcomes.WithLabelValues(node, protocol, string(ev.Type), ev.Result.Disposition.String()).Inc()
	if ev.Type == engine.EventProcessed && ev.Duration > 0 {
		stepDuration.WithLabelValues(node, protocol).Observe(ev.Duration.Seconds())
	}
}

func RecordDelivery(node string, target message.TargetKind, success bool) {
	RegisterMetrics()
	relayDeliveries.WithLabelValues(node, target.String(), strconv.FormatBool(success)).Inc()
}

// Recorder feeds engine notifications and relay deliveries into the metrics
// of one node.
type Recorder struct {
	Node string
}

func (r Recorder) Notify(ev engine.Event) {
	RecordEngineEvent(r.Node, ev)
}

func (r Recorder) Delivered(target message.TargetKind, err error) {
	RecordDelivery(r.Node, target, err == nil)
}
