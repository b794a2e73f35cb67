package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sign-in pipeline metrics
	signInAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classdesk_api_signin_attempts_total",
			Help: "Total number of sign-in attempts by outcome",
		},
		[]string{"outcome"},
	)

	tokenExchangeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "classdesk_api_token_exchange_duration_seconds",
			Help:    "Code-for-token exchange duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	rosterDenialsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "classdesk_api_roster_denials_total",
			Help: "Sign-ins denied because the email is not on the roster",
		},
	)

	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classdesk_api_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
)

// RecordSignIn records a finished sign-in attempt. Outcome is one of
// "granted", "denied", or an error category.
func RecordSignIn(outcome string) {
	signInAttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveTokenExchange records one code-for-token exchange duration
func ObserveTokenExchange(seconds float64) {
	tokenExchangeDuration.Observe(seconds)
}

// RecordRosterDenial records one roster-gate denial
func RecordRosterDenial() {
	rosterDenialsTotal.Inc()
}

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, endpoint string, statusCode int) {
	status := "unknown"
	if statusCode >= 200 && statusCode < 300 {
		status = "2xx"
	} else if statusCode >= 300 && statusCode < 400 {
		status = "3xx"
	} else if statusCode >= 400 && statusCode < 500 {
		status = "4xx"
	} else if statusCode >= 500 {
		status = "5xx"
	}

	httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
