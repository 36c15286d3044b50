// Package telemetry exposes the Prometheus collectors shared across the
// pipeline. Collectors are registered on the default registry and served by
// the HTTP layer at /metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "winefact_runs_total",
		Help: "Pipeline runs by terminal state.",
	}, []string{"state"})

	FetchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "winefact_fetch_attempts_total",
		Help: "Fetch attempts by method and outcome.",
	}, []string{"method", "outcome"})

	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "winefact_llm_calls_total",
		Help: "LLM structuring calls by outcome.",
	}, []string{"outcome"})

	LLMLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "winefact_llm_call_seconds",
		Help:    "LLM structuring call latency.",
		Buckets: prometheus.DefBuckets,
	})

	RecordsUpserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "winefact_records_upserted_total",
		Help: "Extraction records written to the fact store.",
	})

	EmbeddingQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "winefact_embedding_queue_depth",
		Help: "Records awaiting embedding retry.",
	})
)
