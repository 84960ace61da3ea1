// Package metrics registers the tracker's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FactsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "htbt_facts_recorded_total",
			Help: "Completion facts newly stored",
		},
		[]string{"kind", "source"}, // source: sync, poll, manual
	)

	FirstBloods = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "htbt_first_bloods_total",
			Help: "First-blood notices produced",
		},
		[]string{"kind"},
	)

	OutstandingEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "htbt_outstanding_entries",
			Help: "Entries in the outstanding table after the last rebuild",
		},
		[]string{"kind"},
	)

	RebuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "htbt_rebuild_duration_seconds",
			Help:    "Duration of full outstanding rebuilds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "htbt_runs_total",
			Help: "Sync and poll runs by outcome",
		},
		[]string{"run", "outcome"},
	)

	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "htbt_upstream_requests_total",
			Help: "Requests sent to the labs API",
		},
		[]string{"endpoint", "status"},
	)

	UpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "htbt_upstream_request_duration_seconds",
			Help:    "Latency of labs API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	DroppedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "htbt_dropped_records_total",
			Help: "Upstream records rejected at the ingestion boundary",
		},
		[]string{"record"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "htbt_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	ChatMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "htbt_chat_messages_total",
			Help: "Webhook calls by action and outcome",
		},
		[]string{"action", "outcome"},
	)
)
