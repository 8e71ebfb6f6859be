package storage

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	statusSuccess     = "success"
	statusNotFound    = "not_found"
	statusUnavailable = "unavailable"

	statusErrorPrefix       = "error:"
	statusErrorUnauthorized = statusErrorPrefix + "unauthorized"
	statusErrorRateLimited  = statusErrorPrefix + "rate_limited"
	statusErrorClientError  = statusErrorPrefix + "client_error"
	statusErrorServerError  = statusErrorPrefix + "server_error"
	statusErrorHTTPOther    = statusErrorPrefix + "http_other"
)

type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "symbolicator_storage_requests_total",
			Help: "Total number of storage backend requests by backend, operation and status.",
		}, []string{"backend", "operation", "status"}),
		duration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "symbolicator_storage_request_duration_seconds",
			Help:    "Time spent performing storage backend requests.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30},
		}, []string{"backend", "operation"}),
	}
}

func (m *Metrics) observe(backend, op, status string, seconds float64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(backend, op, status).Inc()
	m.duration.WithLabelValues(backend, op).Observe(seconds)
}

// statusOf maps a backend result to a metric status.
func statusOf(err error) string {
	var de *DownloadError
	switch {
	case err == nil:
		return statusSuccess
	case errors.Is(err, ErrNotFound):
		return statusNotFound
	case errors.As(err, &de):
		return categorizeHTTPStatusCode(de.StatusCode)
	default:
		return statusUnavailable
	}
}

// metadataStatus is statusOf for lookups, which report a missing object as
// a nil result rather than an error.
func metadataStatus(md *Metadata, err error) string {
	if err == nil && md == nil {
		return statusNotFound
	}
	return statusOf(err)
}

func categorizeHTTPStatusCode(statusCode int) string {
	switch {
	case statusCode == http.StatusNotFound:
		return statusNotFound
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return statusErrorUnauthorized
	case statusCode == http.StatusTooManyRequests:
		return statusErrorRateLimited
	case statusCode >= 400 && statusCode < 500:
		return statusErrorClientError
	case statusCode >= 500:
		return statusErrorServerError
	default:
		return statusErrorHTTPOther
	}
}
