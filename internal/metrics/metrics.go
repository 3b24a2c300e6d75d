package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AttemptsTotal counts settlement attempt transitions by kind and status
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_attempts_total",
			Help: "Total number of settlement attempt transitions",
		},
		[]string{"kind", "status"},
	)

	// DebtsCompleted counts debts that reached COMPLETED
	DebtsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "settlement_debts_completed_total",
			Help: "Total number of debts fully settled",
		},
	)

	// SettlementLatency tracks time from submission to a terminal attempt state
	SettlementLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settlement_attempt_latency_seconds",
			Help:    "Time from submission to confirmation or failure",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600, 86400},
		},
		[]string{"kind", "status"},
	)

	// BalanceQueries counts balance verifier lookups by chain and outcome
	BalanceQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_balance_queries_total",
			Help: "Total number of token balance queries",
		},
		[]string{"chain", "result"},
	)

	// BridgePolls counts bridge status polls by source and resulting state
	BridgePolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_bridge_polls_total",
			Help: "Total number of bridge message status polls",
		},
		[]string{"source", "state"},
	)

	// PendingAttempts tracks SUBMITTED attempts seen by the last sweep
	PendingAttempts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "settlement_pending_attempts",
			Help: "Number of submitted attempts awaiting a terminal state",
		},
		[]string{"kind"},
	)

	// ErrorsTotal counts errors by component and type
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)

	// HTTPRequestsTotal counts API requests by route and status
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration tracks API latency by route
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// ObserveHTTPRequest records one served request
func ObserveHTTPRequest(method, route string, status int, latency time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(latency.Seconds())
}
