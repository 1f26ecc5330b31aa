package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cbt_sessions_started_total",
		Help: "Exam sessions entering IN_PROGRESS, by whether they were recovered from autosave",
	}, []string{"mode"})

	sessionsBlockedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cbt_sessions_blocked_total",
		Help: "Start requests refused by the access guard, by reason",
	}, []string{"reason"})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cbt_active_sessions",
		Help: "Exam sessions currently held by the session manager",
	})

	autosaveWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cbt_autosave_writes_total",
		Help: "Autosave cache writes by result",
	}, []string{"result"})

	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cbt_submissions_total",
		Help: "Submission attempts by trigger and result",
	}, []string{"trigger", "result"})

	submitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cbt_submit_duration_seconds",
		Help:    "Time from entering SUBMITTING to a final outcome",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})
)
