package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dss_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	DBTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dss_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dss_outbox_lag_seconds",
			Help: "Lag of outbox publishing",
		},
	)

	RabbitPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dss_rabbit_publish_retries_total",
			Help: "Total rabbit publish retries",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dss_rate_limit_exceeded_total",
			Help: "Inbound requests rejected by the HTTP rate limiter",
		},
	)

	RateLimitWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dss_outbound_rate_limit_waits_total",
			Help: "Outbound calls that had to wait for a rate limit slot",
		},
		[]string{"key"},
	)

	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dss_external_call_failures_total",
			Help: "Failed external call attempts by operation and error kind",
		},
		[]string{"operation", "kind"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dss_circuit_breaker_state",
			Help: "Circuit state per dependency (0 closed, 1 open, 2 half-open)",
		},
		[]string{"dependency"},
	)

	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dss_circuit_breaker_transitions_total",
			Help: "Circuit state transitions per dependency",
		},
		[]string{"dependency", "to"},
	)

	SagaOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dss_booking_saga_outcomes_total",
			Help: "Booking saga results by outcome",
		},
		[]string{"outcome"},
	)

	CompensationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dss_compensation_failures_total",
			Help: "Compensation steps that failed and were handed to reconciliation",
		},
		[]string{"step"},
	)

	QuotaLedgerRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dss_quota_ledger_retries_total",
			Help: "Ledger transactions retried after a serialization failure",
		},
	)
)
