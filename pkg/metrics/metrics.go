// Package metrics 定义服务暴露给 Prometheus 的指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mydouble_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mydouble_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"method", "route"})

	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mydouble_jobs_submitted_total",
		Help: "Generation jobs submitted, by outcome",
	}, []string{"outcome"})

	JobsTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mydouble_jobs_terminal_total",
		Help: "Generation jobs reaching a terminal status",
	}, []string{"status"})

	JobPollAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mydouble_job_poll_attempts",
		Help:    "Poll attempts used per job",
		Buckets: []float64{1, 2, 5, 10, 20, 40, 60},
	})

	ActivePollers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mydouble_active_pollers",
		Help: "Jobs currently being polled",
	})

	LedgerOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mydouble_ledger_operations_total",
		Help: "Credit ledger operations, by operation and outcome",
	}, []string{"op", "outcome"})

	Unlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mydouble_unlocks_total",
		Help: "Asset unlock attempts, by outcome",
	}, []string{"outcome"})

	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mydouble_cache_evictions_total",
		Help: "Conversations evicted from the local cache",
	})

	SyncFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mydouble_sync_flushes_total",
		Help: "Conversation flushes to the remote store, by outcome",
	}, []string{"outcome"})

	InvariantViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mydouble_invariant_violations_total",
		Help: "Detected invariant violations",
	}, []string{"kind"})
)
