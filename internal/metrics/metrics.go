// TradeBridge - Durable Trade-Event Order Broker
// Copyright 2026 TradeBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tradebridge/tradebridge

// Package metrics provides Prometheus instrumentation for the broker
// and the producer outbox. All collectors register on the default
// registry via promauto and are exposed on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Order lifecycle metrics

	OrdersReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orders_received_total",
			Help: "Total number of orders accepted by the ingest endpoint",
		},
	)

	OrdersProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orders_processed_total",
			Help: "Total number of orders acknowledged as done",
		},
	)

	OrdersFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orders_failed_total",
			Help: "Total number of orders that exhausted their retry budget",
		},
	)

	DuplicateOrders = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "duplicate_orders_total",
			Help: "Total number of idempotent duplicate ingests",
		},
	)

	OrdersPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orders_pending",
			Help: "Current number of pending orders in the queue",
		},
	)

	RetryQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "retry_queue_size",
			Help: "Current number of pending orders waiting on a retry delay",
		},
	)

	OrderProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "order_processing_duration_seconds",
			Help:    "Time from ingest to acknowledgement in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 900},
		},
	)

	// Background loop metrics

	StaleLeasesReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stale_leases_reaped_total",
			Help: "Total number of expired claims returned to pending by the reaper",
		},
	)

	OrdersPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orders_purged_total",
			Help: "Total number of done orders deleted by retention GC",
		},
	)

	// API endpoint metrics

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	APIRateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_rate_limit_hits_total",
			Help: "Total number of rate limit rejections",
		},
		[]string{"endpoint"},
	)

	// Producer outbox metrics

	OutboxQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_queue_depth",
			Help: "Current number of envelopes in the in-memory outbox queue",
		},
	)

	OutboxDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_dropped_total",
			Help: "Total number of envelopes evicted by the outbox capacity policy",
		},
	)

	OutboxDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_deliveries_total",
			Help: "Total number of outbox delivery attempts by result",
		},
		[]string{"result"}, // "success", "failure", "breaker_open"
	)

	OutboxBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_breaker_state",
			Help: "Circuit breaker state: 0=closed, 1=half-open, 2=open",
		},
	)
)

// RecordAPIRequest records a completed API request with its status code.
func RecordAPIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordProcessingDuration records the ingest-to-ack latency of an order.
func RecordProcessingDuration(createdAt, processedAt time.Time) {
	if processedAt.After(createdAt) {
		OrderProcessingDuration.Observe(processedAt.Sub(createdAt).Seconds())
	}
}

// SetQueueGauges updates the pending and retry-queue gauges from a
// stats snapshot. Called by the metrics sampler and after ingest/ack.
func SetQueueGauges(pending, retryQueue int64) {
	OrdersPending.Set(float64(pending))
	RetryQueueSize.Set(float64(retryQueue))
}
