// Package metrics provides Prometheus metrics for the conversation engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics exposed by the server.
type Metrics struct {
	QueriesTotal          *prometheus.CounterVec
	CompletionErrorsTotal prometheus.Counter
	RetrievalDuration     prometheus.Histogram
	QueryDuration         prometheus.Histogram
}

// New creates and registers the metrics on the default registry.
func New() *Metrics {
	m := &Metrics{}

	m.QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragchat_queries_total",
			Help: "Total number of conversation queries",
		},
		[]string{"status"},
	)

	m.CompletionErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragchat_completion_errors_total",
			Help: "Total number of failed completion calls",
		},
	)

	m.RetrievalDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragchat_retrieval_duration_seconds",
			Help:    "Duration of vector index queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	m.QueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragchat_query_duration_seconds",
			Help:    "End to end duration of conversation queries in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	return m
}
