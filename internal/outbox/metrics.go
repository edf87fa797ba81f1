package outbox

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "fractal_goals"

func dlqCounterVec(name, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "dlq",
		Name:      name,
		Help:      help,
	}, []string{"topic", "event_type"})
}

var (
	deliveredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "outbox",
		Name:      "events_delivered_total",
		Help:      "Outbox rows published to Kafka.",
	})

	failedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "outbox",
		Name:      "events_failed_total",
		Help:      "Outbox rows whose topic batch failed and was parked in the DLQ.",
	})

	dlqCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "outbox",
		Name:      "events_dlq_total",
		Help:      "Outbox rows parked in the DLQ, by topic.",
	}, []string{"topic"})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "outbox",
		Name:      "batch_duration_seconds",
		Help:      "Wall time to claim, publish and mark one non-empty batch.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	dlqRequeuedCounter    = dlqCounterVec("messages_requeued_total", "DLQ entries copied back into the outbox.")
	dlqQuarantinedCounter = dlqCounterVec("messages_quarantined_total", "DLQ entries quarantined after exhausting retries.")
	dlqRetryCounter       = dlqCounterVec("retry_scheduled_total", "DLQ entries pushed back by the retry backoff.")

	dlqBacklogGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "dlq",
		Name:      "queued_messages",
		Help:      "DLQ entries not yet quarantined.",
	})
)

func init() {
	prometheus.MustRegister(
		deliveredCounter, failedCounter, dlqCounter, batchDuration,
		dlqRequeuedCounter, dlqQuarantinedCounter, dlqRetryCounter, dlqBacklogGauge,
	)
}

func recordDLQOutcome(vec *prometheus.CounterVec, entry dlqEntry) {
	vec.WithLabelValues(entry.Topic, entry.EventType).Inc()
}

func updateBacklogGauge(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq WHERE quarantined_at IS NULL`).Scan(&count); err != nil {
		return 0, err
	}
	dlqBacklogGauge.Set(float64(count))
	return count, nil
}
