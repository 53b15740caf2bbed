package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts orchestrator runs by outcome
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebalancer_runs_total",
			Help: "Total number of rebalance runs",
		},
		[]string{"status"},
	)

	// StepsTotal counts executed steps by phase and outcome
	StepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebalancer_steps_total",
			Help: "Total number of rebalance steps executed",
		},
		[]string{"phase", "status"},
	)

	// StepDuration tracks step execution time
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rebalancer_step_duration_seconds",
			Help:    "Rebalance step duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"phase"},
	)

	// CurrentPhase tracks the order of the persisted phase (0 is idle)
	CurrentPhase = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rebalancer_current_phase",
			Help: "Order of the current rebalance phase, 0 when idle",
		},
	)

	// LastCost tracks the absolute cost of the last completed rebalance
	LastCost = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rebalancer_last_cost",
			Help: "Absolute cost of the last completed rebalance in source asset units",
		},
	)

	// LastRelativeCost tracks the relative cost of the last completed rebalance
	LastRelativeCost = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rebalancer_last_relative_cost",
			Help: "Relative cost of the last completed rebalance",
		},
	)

	// ErrorsTotal counts errors by type
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebalancer_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)

	// NotificationsTotal counts completion notifications by delivery outcome
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebalancer_notifications_total",
			Help: "Total number of operator notifications",
		},
		[]string{"status"},
	)
)
