package consumer

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func consumerCounter(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fractal_goals",
		Subsystem: "consumer",
		Name:      name,
		Help:      help,
	}, labels)
}

var (
	processedCounter      = consumerCounter("messages_processed_total", "Kafka records handled and committed.", "topic", "event_type")
	handlerErrorCounter   = consumerCounter("handler_errors_total", "Records left uncommitted because the handler failed.", "topic", "event_type")
	decodeErrorCounter    = consumerCounter("decode_errors_total", "Records skipped because they could not be decoded.", "topic")
	smartRecomputeCounter = consumerCounter("smart_recomputes_total", "SMART re-evaluations triggered by goal changes, by whether the flag flipped.", "changed")

	lastMessageGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fractal_goals",
		Subsystem: "consumer",
		Name:      "last_message_timestamp_seconds",
		Help:      "Broker timestamp of the newest committed record per topic.",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(processedCounter, handlerErrorCounter, decodeErrorCounter, lastMessageGauge, smartRecomputeCounter)
}

func recordProcessed(msg Message) {
	processedCounter.WithLabelValues(msg.Topic, msg.EventType).Inc()
	recordLastMessage(msg.Topic, msg.Timestamp)
}

func recordLastMessage(topic string, ts time.Time) {
	if !ts.IsZero() {
		lastMessageGauge.WithLabelValues(topic).Set(float64(ts.Unix()))
	}
}

func recordHandlerError(msg Message) {
	handlerErrorCounter.WithLabelValues(msg.Topic, msg.EventType).Inc()
}

func recordDecodeError(topic string) {
	decodeErrorCounter.WithLabelValues(topic).Inc()
}

func recordSmartRecompute(changed bool) {
	smartRecomputeCounter.WithLabelValues(strconv.FormatBool(changed)).Inc()
}
