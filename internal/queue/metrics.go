package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// jobOutcomes counts settled jobs.
	// Labels: kind, outcome (ack, retry, release, dead, claim_lost)
	jobOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "project_init",
		Subsystem: "queue",
		Name:      "jobs_total",
		Help:      "Settled jobs by outcome",
	}, []string{"kind", "outcome"})

	// jobDuration measures handler runtime per job attempt.
	// Labels: kind
	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "project_init",
		Subsystem: "queue",
		Name:      "job_duration_seconds",
		Help:      "Job handler duration in seconds",
		Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 900},
	}, []string{"kind"})

	// jobsInFlight tracks jobs currently held by this process.
	// Labels: kind
	jobsInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "project_init",
		Subsystem: "queue",
		Name:      "jobs_in_flight",
		Help:      "Jobs currently being processed",
	}, []string{"kind"})
)
