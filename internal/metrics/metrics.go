// Package metrics provides Prometheus instrumentation for the realtime
// collaboration core. It exposes gauges for connection and presence counts,
// counters for operation throughput, and histograms for adapter latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sharedb_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// SubscriptionsTotal tracks the current number of live document subscriptions.
	SubscriptionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sharedb_subscriptions_total",
		Help: "Current number of live document subscriptions",
	})

	// OpsTotal counts operations processed, labeled by outcome: "published",
	// "dropped", or "rejected".
	OpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sharedb_ops_total",
		Help: "Total number of operations processed",
	}, []string{"outcome"})

	// AdapterLatency records document adapter call latency in seconds, labeled
	// by operation: "get_snapshot", "get_ops", "query".
	AdapterLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sharedb_adapter_latency_seconds",
		Help:    "Document adapter call latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"operation"})

	// PresenceRecordsTotal tracks the current number of live presence records.
	PresenceRecordsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sharedb_presence_records_total",
		Help: "Current number of live presence records",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		SubscriptionsTotal,
		OpsTotal,
		AdapterLatency,
		PresenceRecordsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
