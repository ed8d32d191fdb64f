/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines Prometheus metrics for the registry server.
//
// Metric naming follows Prometheus conventions:
//   - iacreg_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route and status code.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iacreg_http_requests_total",
			Help: "Total HTTP requests by route and status code.",
		},
		[]string{"route", "method", "status"},
	)

	// HTTPRequestDurationSeconds is a histogram of request latency by route.
	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "iacreg_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// WebhookDeliveriesTotal counts inbound webhook deliveries by provider
	// and verification outcome.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iacreg_webhook_deliveries_total",
			Help: "Total inbound webhook deliveries by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	// VersionsIngestedTotal counts versions created via webhook ingestion.
	VersionsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iacreg_versions_ingested_total",
			Help: "Total artifact versions created by webhook ingestion.",
		},
		[]string{"artifact_type"},
	)

	// CascadeFanoutTotal counts module runs created by cascade fan-out,
	// by trigger outcome.
	CascadeFanoutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iacreg_cascade_fanout_total",
			Help: "Total module runs queued by cascade fan-out.",
		},
		[]string{"outcome"},
	)

	// RunTransitionsTotal counts module run status transitions.
	RunTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iacreg_run_transitions_total",
			Help: "Total module run status transitions by destination status.",
		},
		[]string{"to_status"},
	)

	// RunDurationSeconds is a histogram of module run duration from
	// dispatch to terminal status, by operation.
	RunDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "iacreg_run_duration_seconds",
			Help:    "Duration of module runs in seconds, from dispatch to terminal status.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"operation"},
	)

	// DispatchOutcomesTotal counts dispatch attempts by outcome
	// (sent, circuit_open, error).
	DispatchOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iacreg_dispatch_outcomes_total",
			Help: "Total dispatch attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// PolicyEvaluationsTotal counts policy evaluations by resulting outcome.
	PolicyEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iacreg_policy_evaluations_total",
			Help: "Total policy evaluations by outcome.",
		},
		[]string{"outcome"},
	)

	// RateLimitRejectionsTotal counts requests rejected by the token-bucket
	// limiter, by the keying strategy that rejected them.
	RateLimitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iacreg_rate_limit_rejections_total",
			Help: "Total requests rejected by rate limiting.",
		},
		[]string{"keying"},
	)

	// ActiveRunsGauge is the number of module runs currently in the
	// running or applying status.
	ActiveRunsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "iacreg_active_runs",
			Help: "Number of module runs currently executing.",
		},
	)

	// QueueDepthGauge is the number of module runs currently queued,
	// labeled by module ID.
	QueueDepthGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "iacreg_queue_depth",
			Help: "Number of queued module runs per module.",
		},
		[]string{"module_id"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		WebhookDeliveriesTotal,
		VersionsIngestedTotal,
		CascadeFanoutTotal,
		RunTransitionsTotal,
		RunDurationSeconds,
		DispatchOutcomesTotal,
		PolicyEvaluationsTotal,
		RateLimitRejectionsTotal,
		ActiveRunsGauge,
		QueueDepthGauge,
	)
}

// RecordHTTPRequest records a completed HTTP request's status and latency.
func RecordHTTPRequest(route, method, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(route, method, status).Inc()
	HTTPRequestDurationSeconds.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordWebhookDelivery records a single inbound webhook delivery.
func RecordWebhookDelivery(provider, outcome string) {
	WebhookDeliveriesTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordVersionIngested records a version created by webhook ingestion.
func RecordVersionIngested(artifactType string) {
	VersionsIngestedTotal.WithLabelValues(artifactType).Inc()
}

// RecordCascadeFanout records the outcome of a cascade fan-out attempt.
func RecordCascadeFanout(outcome string) {
	CascadeFanoutTotal.WithLabelValues(outcome).Inc()
}

// RecordRunTransition records a module run transitioning to a new status.
func RecordRunTransition(toStatus string) {
	RunTransitionsTotal.WithLabelValues(toStatus).Inc()
}

// RecordRunComplete records the duration of a completed module run.
func RecordRunComplete(operation string, duration time.Duration) {
	RunDurationSeconds.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordDispatchOutcome records the outcome of a dispatch attempt.
func RecordDispatchOutcome(outcome string) {
	DispatchOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordPolicyEvaluation records a policy evaluation's resulting outcome.
func RecordPolicyEvaluation(outcome string) {
	PolicyEvaluationsTotal.WithLabelValues(outcome).Inc()
}

// RecordRateLimitRejection records a request rejected by the rate limiter.
func RecordRateLimitRejection(keying string) {
	RateLimitRejectionsTotal.WithLabelValues(keying).Inc()
}

// SetQueueDepth sets the observed queue depth for a module.
func SetQueueDepth(moduleID string, depth int) {
	QueueDepthGauge.WithLabelValues(moduleID).Set(float64(depth))
}
