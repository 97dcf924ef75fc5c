// Package metrics exposes Prometheus collectors for the job engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	subsystem = "quantlab_jobs"

	// Labels
	kindLabel   = "kind"
	statusLabel = "status"
)

var jobsSubmittedMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "submitted_total",
		Help:      "number of jobs submitted",
	},
	[]string{kindLabel},
)

var jobsFinishedMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "finished_total",
		Help:      "number of jobs that reached a terminal status",
	},
	[]string{kindLabel, statusLabel},
)

var jobDurationMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Subsystem: subsystem,
		Name:      "duration_seconds",
		Help:      "time from RUNNING to a terminal status",
		Buckets:   []float64{0.05, 0.25, 1, 5, 15, 60, 300, 900},
	},
	[]string{kindLabel, statusLabel},
)

var jobStatusCountMetric = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Subsystem: subsystem,
		Name:      "status_count",
		Help:      "number of jobs held in the registry per status",
	},
	[]string{statusLabel},
)

var admissionInUseMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Subsystem: subsystem,
		Name:      "admission_permits_in_use",
		Help:      "admission permits currently held",
	},
)

var eventsDroppedMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "events_dropped_total",
		Help:      "progress events dropped because a subscriber mailbox was full",
	},
)

var jobsReapedMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "reaped_total",
		Help:      "terminal jobs removed by cleanup",
	},
)

func IncreaseJobsSubmittedMetric(kind string) {
	jobsSubmittedMetric.With(prometheus.Labels{kindLabel: kind}).Inc()
}

func ObserveJobFinishedMetric(kind, status string, seconds float64) {
	labels := prometheus.Labels{
		kindLabel:   kind,
		statusLabel: status,
	}
	jobsFinishedMetric.With(labels).Inc()
	if seconds > 0 {
		jobDurationMetric.With(labels).Observe(seconds)
	}
}

func UpdateJobStatusCountMetric(status string, count int) {
	jobStatusCountMetric.With(prometheus.Labels{statusLabel: status}).Set(float64(count))
}

func UpdateAdmissionInUseMetric(n int) {
	admissionInUseMetric.Set(float64(n))
}

func IncreaseEventsDroppedMetric() {
	eventsDroppedMetric.Inc()
}

func AddJobsReapedMetric(n int) {
	jobsReapedMetric.Add(float64(n))
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(jobsSubmittedMetric)
	prometheus.MustRegister(jobsFinishedMetric)
	prometheus.MustRegister(jobDurationMetric)
	prometheus.MustRegister(jobStatusCountMetric)
	prometheus.MustRegister(admissionInUseMetric)
	prometheus.MustRegister(eventsDroppedMetric)
	prometheus.MustRegister(jobsReapedMetric)
}
