package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus mirrors of the RunStats counters. Labelled by run_id so
// concurrent engines share the collectors without colliding; the RunStats
// struct stays the source of truth for the manifest.
var (
	metricRowsIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "microgate",
		Name:      "rows_in_total",
		Help:      "Feature rows received, including rejected and duplicate rows",
	}, []string{"run_id"})

	metricRowsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "microgate",
		Name:      "rows_rejected_total",
		Help:      "Rows failing the required-fields check",
	}, []string{"run_id"})

	metricDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "microgate",
		Name:      "decisions_total",
		Help:      "Decisions emitted to sinks, confirmed or gated",
	}, []string{"run_id", "confirm"})

	metricBlocked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "microgate",
		Name:      "gate_blocked_total",
		Help:      "Gated decisions by guard reason",
	}, []string{"run_id", "reason"})

	metricDeduplicated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "microgate",
		Name:      "deduplicated_total",
		Help:      "Rows suppressed as duplicates of an already processed identity",
	}, []string{"run_id"})

	metricSinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "microgate",
		Name:      "sink_errors_total",
		Help:      "Sink write failures, counted and survived",
	}, []string{"run_id", "sink"})
)
