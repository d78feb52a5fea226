package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	questionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_questions_total",
		Help: "Paid question submissions, labeled by outcome",
	}, []string{"outcome"})

	rateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_rate_limited_total",
		Help: "Requests denied by a rate limiter, labeled by limiter scope",
	}, []string{"scope"})

	backendAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_backend_attempts_total",
		Help: "Calls to the answering backend, labeled by result",
	}, []string{"result"})

	backendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_backend_duration_seconds",
		Help:    "Latency of answered questions including retries",
		Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60},
	})

	creditsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_credits_total",
		Help: "Credits moved, labeled by direction and source",
	}, []string{"direction", "source"})

	reconcileTransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_reconcile_transactions_total",
		Help: "Feed transactions handled by the payment reconciler, labeled by outcome",
	}, []string{"outcome"})

	reconcileCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_reconcile_cycles_total",
		Help: "Payment reconciler cycles, labeled by result",
	}, []string{"result"})
)
