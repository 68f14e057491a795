package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics
var (
	payoutTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_transitions_total",
		Help: "Payout status transitions applied to the ledger",
	}, []string{"status", "source"})

	providerCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_provider_calls_total",
		Help: "Calls made to rail providers",
	}, []string{"rail", "operation", "outcome"})

	providerCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payout_provider_call_duration_seconds",
		Help:    "Rail provider call latency",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"rail", "operation"})

	retryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_retry_attempts_total",
		Help: "Failed attempts seen by the retry orchestrator",
	}, []string{"operation", "retryable"})

	webhookOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_webhook_outcomes_total",
		Help: "Webhook deliveries by outcome",
	}, []string{"outcome"})

	webhookAnomaliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_webhook_anomalies_total",
		Help: "Webhook reports that contradict a terminal payout",
	}, []string{"rail"})

	batchItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_batch_items_total",
		Help: "Batch items processed",
	}, []string{"success"})

	recipientAnomaliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_recipient_duplicates_total",
		Help: "Provider recipients created by a resolver that lost the dedup race",
	}, []string{"rail"})

	sweepPayoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_sweep_payouts_total",
		Help: "Payouts touched by the reconciliation sweep",
	}, []string{"kind", "outcome"})
)

func observeRetry(op string, attempt int, err error) {
	retryable := "false"
	if IsRetryable(err) {
		retryable = "true"
	}
	retryAttemptsTotal.WithLabelValues(op, retryable).Inc()
}
