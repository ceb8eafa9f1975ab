package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// jobsTotal counts orchestrator runs.
	// Labels: result (completed, failed, interrupted)
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "project_init",
		Name:      "jobs_total",
		Help:      "Initialization runs by result",
	}, []string{"result"})

	// stepDuration measures step action runtime.
	// Labels: step, result (completed, skipped, failed, interrupted)
	stepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "project_init",
		Name:      "step_duration_seconds",
		Help:      "Step duration in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"step", "result"})

	lockContention = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "project_init",
		Name:      "lock_contention_total",
		Help:      "Runs that found the project lease held by another worker",
	})
)
