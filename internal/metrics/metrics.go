// Package metrics holds the engine's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_orders_settled_total",
		Help: "Orders newly settled by batch runs",
	})

	ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_claim_conflicts_total",
		Help: "Claims lost to another worker",
	})

	ClaimsReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_claims_released_total",
		Help: "Claimed orders returned to PAID without settling",
	})

	OrderFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_order_failures_total",
		Help: "Per-order failures, labeled by operation",
	}, []string{"operation"})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_run_duration_seconds",
		Help:    "Latency distribution of batch settlement runs",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	}, []string{"result"})

	TxRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_tx_retries_total",
		Help: "Transactions retried after transient contention",
	}, []string{"operation"})

	LoanOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loan_settlement_orders_total",
		Help: "Loan settlement per-order outcomes",
	}, []string{"operation", "result"})

	Jobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_jobs_total",
		Help: "Jobs finished, labeled by kind and terminal status",
	}, []string{"kind", "status"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_job_queue_depth",
		Help: "Jobs waiting behind the running one",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settleops_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settleops_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)
