// Package metrics exposes the gateway's Prometheus collectors. Collectors
// register on the default registry at init; Handler serves them.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total number of HTTP requests handled by the gateway",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "Time from accepting a request to writing its response",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "route"},
	)

	busPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_bus_publish_total",
			Help: "Request envelopes published to the bus, by outcome",
		},
		[]string{"outcome"},
	)

	busResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_bus_responses_total",
			Help: "Responses consumed from the bus, by outcome",
		},
		[]string{"outcome"},
	)

	activeSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_subscriptions",
			Help: "Requests currently waiting for a bus response",
		},
	)
)

// RecordHTTPRequest counts one completed request and observes its latency.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordBusPublish counts one publish attempt; outcome is "ok" or "error".
func RecordBusPublish(outcome string) {
	busPublishTotal.WithLabelValues(outcome).Inc()
}

// RecordBusResponse counts one consumed response; outcome is "delivered",
// "orphaned" or "malformed".
func RecordBusResponse(outcome string) {
	busResponsesTotal.WithLabelValues(outcome).Inc()
}

// SetActiveSubscriptions tracks how many correlation ids have a waiter.
func SetActiveSubscriptions(n int) {
	activeSubscriptions.Set(float64(n))
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
