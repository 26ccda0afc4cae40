package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskd_tasks_claimed_total",
		Help: "Total number of tasks claimed by this worker",
	})

	// taskOutcomes counts applied outcomes: completed, retrying, exhausted, lost.
	taskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskd_task_outcomes_total",
		Help: "Total number of task outcomes by result",
	}, []string{"result"})

	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskd_scheduler_tick_duration_seconds",
		Help:    "Time taken by one poll tick, claim through settle",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
	})

	claimErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskd_claim_errors_total",
		Help: "Total number of failed claim transactions",
	})

	unitFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskd_unit_faults_total",
		Help: "Total number of isolated unit faults by kind",
	}, []string{"kind"})
)
