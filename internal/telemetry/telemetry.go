// Package telemetry exposes the engine's Prometheus collectors.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels completed detection runs.
	OutcomeSuccess = "success"
	// OutcomeError labels runs that failed (bad window, cohort explosion).
	OutcomeError = "error"
)

var (
	detectionRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cx_sentinel",
			Name:      "detection_runs_total",
			Help:      "Total number of detection runs, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	detectionRunSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "cx_sentinel",
			Name:      "detection_run_seconds",
			Help:      "Detection run latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 10},
		},
	)

	incidentsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cx_sentinel",
			Name:      "incidents_created_total",
			Help:      "Incidents created, partitioned by severity.",
		},
		[]string{"severity"},
	)

	cohortsEvaluatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cx_sentinel",
			Name:      "cohorts_evaluated_total",
			Help:      "Cohorts whose metrics were computed during detection runs.",
		},
	)
)

// Register attaches cx-sentinel collectors to the supplied Prometheus
// registerer. Already-registered collectors are tolerated so tests can call
// Register repeatedly.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		detectionRunsTotal,
		detectionRunSeconds,
		incidentsCreatedTotal,
		cohortsEvaluatedTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveDetectionRun records a run's duration and outcome label.
func ObserveDetectionRun(duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	detectionRunsTotal.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	detectionRunSeconds.Observe(duration.Seconds())
}

// ObserveIncident counts a created incident by severity.
func ObserveIncident(severity string) {
	incidentsCreatedTotal.WithLabelValues(severity).Inc()
}

// ObserveCohorts counts cohorts evaluated in one run.
func ObserveCohorts(n int) {
	if n > 0 {
		cohortsEvaluatedTotal.Add(float64(n))
	}
}
