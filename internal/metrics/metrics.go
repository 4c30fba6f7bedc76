// Package metrics holds the process-wide Prometheus collectors exported on
// the daemon's /metrics endpoint, covering the two components actually
// under load: message queue throughput/retries/DLQ depth (internal/queue)
// and outbox review outcomes/pending backlog (internal/outbox).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueueEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "busd_queue_messages_enqueued_total",
		Help: "Total messages accepted into the durable queue.",
	})
	QueueSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "busd_queue_messages_sent_total",
		Help: "Total messages marked sent.",
	})
	QueueNacked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "busd_queue_messages_nacked_total",
		Help: "Total failed send attempts rescheduled with backoff.",
	})
	QueueDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "busd_queue_messages_dead_lettered_total",
		Help: "Total messages moved to the dead-letter queue after exhausting retries.",
	})
	QueueDLQDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "busd_queue_dlq_depth",
		Help: "Current number of messages sitting in the dead-letter queue.",
	})

	OutboxPendingDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "busd_outbox_pending_depth",
		Help: "Current number of outbox requests awaiting admin review.",
	})
	OutboxApproved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "busd_outbox_requests_approved_total",
		Help: "Total outbox requests approved and sent.",
	})
	OutboxRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "busd_outbox_requests_rejected_total",
		Help: "Total outbox requests rejected, whether by admin decision or hard-gate validation failure.",
	})
)
