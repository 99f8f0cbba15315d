package monitoring

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/VoteIT/channels-envelope/store"
)

// Prometheus collectors. Sessions, the job runner and the queue
// backends update these; the server binary exposes them on /metrics.
var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "envelope_connections_total",
		Help: "WebSocket sessions accepted since start",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "envelope_connections_active",
		Help: "Live WebSocket sessions on this node",
	})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "envelope_connections_rejected_total",
		Help: "Upgrade rejections by reason",
	}, []string{"reason"})

	MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "envelope_messages_received_total",
		Help: "Frames read from client sockets",
	})

	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "envelope_messages_sent_total",
		Help: "Frames written to client sockets, by path",
	}, []string{"path"})

	MessagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "envelope_messages_dropped_total",
		Help: "Frames dropped before delivery, by reason",
	}, []string{"reason"})

	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "envelope_bytes_received_total",
		Help: "Payload bytes read from client sockets",
	})

	BytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "envelope_bytes_sent_total",
		Help: "Payload bytes written to client sockets",
	})

	SubscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "envelope_subscriptions_active",
		Help: "Channel subscriptions held by live sessions on this node",
	})

	BatchFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "envelope_batch_flushes_total",
		Help: "Batch frames flushed by the transactional sender",
	})

	LayerPublishes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "envelope_layer_publishes_total",
		Help: "Payloads published through the channel layer, by backend",
	}, []string{"backend"})

	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "envelope_queue_depth",
		Help: "Jobs waiting for pickup, per in-process queue",
	}, []string{"queue"})

	JobsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "envelope_jobs_enqueued_total",
		Help: "Jobs handed to queue backends",
	})

	JobsExecuted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "envelope_jobs_executed_total",
		Help: "Deferred jobs finished, by result",
	}, []string{"result"})

	JobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "envelope_job_duration_seconds",
		Help:    "Deferred job execution time",
		Buckets: prometheus.DefBuckets,
	})

	MemoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "envelope_memory_bytes",
		Help: "Resident memory of this process",
	})

	CPUUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "envelope_cpu_usage_percent",
		Help: "CPU usage of this process",
	})

	GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "envelope_goroutines_active",
		Help: "Goroutines currently running",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsRejected,
		MessagesReceived,
		MessagesSent,
		MessagesDropped,
		BytesReceived,
		BytesSent,
		SubscriptionsActive,
		BatchFlushes,
		LayerPublishes,
		QueueDepth,
		JobsEnqueued,
		JobsExecuted,
		JobDuration,
		MemoryUsageBytes,
		CPUUsagePercent,
		GoroutinesActive,
	)
}

// RegisterOnlineGauge exposes the presence store's online count as a
// gauge. Sampled at scrape time; a store error reads as -1.
func RegisterOnlineGauge(st store.Store) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "envelope_connections_online",
		Help: "Connections marked online in the presence store",
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := st.CountOnline(ctx)
		if err != nil {
			return -1
		}
		return float64(n)
	}))
}
