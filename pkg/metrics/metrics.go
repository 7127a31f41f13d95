// Package metrics exposes Prometheus instrumentation for the hub client.
// It tracks request attempts, retries, failure classes, and the sticky
// compatibility switches learned about server deployments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loupe_hub_request_attempts_total",
		Help: "Number of request attempts issued to the hub, including retries",
	}, []string{"host"})

	requestRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loupe_hub_request_retries_total",
		Help: "Number of request attempts that were retries of a failed attempt",
	}, []string{"host"})

	requestFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loupe_hub_request_failures_total",
		Help: "Number of requests that failed after exhausting their retry budget, by failure class",
	}, []string{"host", "class"})

	compatibilitySwitches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loupe_hub_compatibility_switches_total",
		Help: "Number of sticky compatibility switches recorded for server deployments",
	}, []string{"host", "kind"})

	connectionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "loupe_hub_connection_state",
		Help: "Current connection state of each channel (0 disconnected, 1 connecting, 2 connected, 3 transferring)",
	}, []string{"host"})
)

func init() {
	prometheus.MustRegister(
		requestAttempts,
		requestRetries,
		requestFailures,
		compatibilitySwitches,
		connectionState,
	)
}

// RecordRequestAttempt counts one request attempt against the host.
func RecordRequestAttempt(host string) {
	requestAttempts.WithLabelValues(host).Inc()
}

// RecordRequestRetry counts one retried attempt against the host.
func RecordRequestRetry(host string) {
	requestRetries.WithLabelValues(host).Inc()
}

// RecordRequestFailure counts one surfaced failure of the given class.
func RecordRequestFailure(host, class string) {
	requestFailures.WithLabelValues(host, class).Inc()
}

// RecordCompatibilitySwitch counts a sticky compatibility switch for the host.
// Kind is "method-override" or "http10".
func RecordCompatibilitySwitch(host, kind string) {
	compatibilitySwitches.WithLabelValues(host, kind).Inc()
}

// RecordConnectionState publishes the channel's current connection state.
func RecordConnectionState(host string, state int) {
	connectionState.WithLabelValues(host).Set(float64(state))
}
