// Package observability holds the service-level Prometheus collectors.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	transitionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fractal_goals",
		Subsystem: "timing",
		Name:      "transitions_total",
		Help:      "Timing transitions by entity kind, action and outcome.",
	}, []string{"kind", "action", "outcome"})
	clampCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fractal_goals",
		Subsystem: "timing",
		Name:      "duration_clamped_total",
		Help:      "Net durations that computed negative and were clamped to zero.",
	}, []string{"kind"})
	corruptCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fractal_goals",
		Subsystem: "hierarchy",
		Name:      "corrupt_total",
		Help:      "Hierarchy walks aborted because the tree was inconsistent.",
	})
	descendantHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fractal_goals",
		Subsystem: "hierarchy",
		Name:      "descendants",
		Help:      "Number of descendants returned per hierarchy walk.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	})
	visibleCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fractal_goals",
		Subsystem: "inheritance",
		Name:      "visible_activities_total",
		Help:      "Visible activities resolved, by provenance.",
	}, []string{"provenance"})
	smartCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fractal_goals",
		Subsystem: "smart",
		Name:      "evaluations_total",
		Help:      "SMART evaluations by result.",
	}, []string{"result"})
	timingSavedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fractal_goals",
		Subsystem: "persistence",
		Name:      "last_timing_saved_timestamp_seconds",
		Help:      "Unix timestamp of the most recent timing change persisted.",
	})
)

func init() {
	prometheus.MustRegister(transitionCounter, clampCounter, corruptCounter, descendantHistogram, visibleCounter, smartCounter, timingSavedGauge)
}

// RecordTransition counts a lifecycle transition attempt.
func RecordTransition(kind, action string, ok bool) {
	outcome := "applied"
	if !ok {
		outcome = "rejected"
	}
	transitionCounter.WithLabelValues(kind, action, outcome).Inc()
}

// RecordDurationClamped counts a negative duration clamped to zero.
func RecordDurationClamped(kind string) {
	clampCounter.WithLabelValues(kind).Inc()
}

// RecordCorruptHierarchy counts an aborted walk.
func RecordCorruptHierarchy() {
	corruptCounter.Inc()
}

// RecordDescendantWalk observes the size of a descendant set.
func RecordDescendantWalk(n int) {
	descendantHistogram.Observe(float64(n))
}

// RecordVisibleActivities counts resolved activities split by provenance.
func RecordVisibleActivities(direct, inherited int) {
	visibleCounter.WithLabelValues("direct").Add(float64(direct))
	visibleCounter.WithLabelValues("inherited").Add(float64(inherited))
}

// RecordSmartEvaluation counts a SMART evaluation.
func RecordSmartEvaluation(smart bool) {
	result := "not_smart"
	if smart {
		result = "smart"
	}
	smartCounter.WithLabelValues(result).Inc()
}

// RecordTimingSaved updates the persistence watermark gauge.
func RecordTimingSaved(ts time.Time) {
	if ts.IsZero() {
		return
	}
	timingSavedGauge.Set(float64(ts.Unix()))
}
