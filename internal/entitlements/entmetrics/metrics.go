package entmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LicensesByStatus tracks the number of licenses in each status.
	LicensesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "license",
		Subsystem: "server",
		Name:      "licenses_by_status",
		Help:      "Number of licenses by status.",
	}, []string{"status"})

	// ActivationsTotal counts activation attempts by outcome (the error kind,
	// or "activated"/"reactivated").
	ActivationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "license",
		Subsystem: "server",
		Name:      "activations_total",
		Help:      "Total activation attempts by outcome.",
	}, []string{"outcome"})

	// BillingCallsTotal counts billing provider calls by operation and outcome.
	BillingCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "license",
		Subsystem: "server",
		Name:      "billing_calls_total",
		Help:      "Total billing provider calls by operation and outcome.",
	}, []string{"op", "outcome"})

	// BillingCallDuration tracks billing provider latency.
	BillingCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "license",
		Subsystem: "server",
		Name:      "billing_call_duration_seconds",
		Help:      "Billing provider call duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "license",
		Subsystem: "server",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "license",
		Subsystem: "server",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// DataDeletionsTotal counts license data deletion requests by outcome.
	DataDeletionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "license",
		Subsystem: "server",
		Name:      "data_deletions_total",
		Help:      "Total license data deletion requests by outcome.",
	}, []string{"outcome"})

	// StoreConflictRetries counts retried transient write conflicts.
	StoreConflictRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "license",
		Subsystem: "server",
		Name:      "store_conflict_retries_total",
		Help:      "Store operations retried after a transient write conflict.",
	}, []string{"backend", "op"})
)
