package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "handoffd_tasks_terminal_total",
		Help: "Tasks reaching a terminal state, by state (completed, rejected, failed).",
	}, []string{"state"})

	stageAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "handoffd_stage_attempts_total",
		Help: "Stage attempts by stage and outcome.",
	}, []string{"stage", "outcome"})
)
