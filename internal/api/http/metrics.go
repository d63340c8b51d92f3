package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the ceremony API.
type Metrics struct {
	requestDuration *prometheus.HistogramVec
	ceremonies      *prometheus.CounterVec
}

// NewMetrics registers the API metrics on the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "passkeys_http_request_duration_seconds",
			Help:    "HTTP request latency by method and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),
		ceremonies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "passkeys_ceremony_total",
			Help: "Ceremony completions by kind and outcome.",
		}, []string{"ceremony", "outcome"}),
	}
	reg.MustRegister(m.requestDuration, m.ceremonies)
	return m
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, strconv.Itoa(status)).Observe(duration.Seconds())
}

// RecordCeremony counts a finished ceremony step.
func (m *Metrics) RecordCeremony(ceremony string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.ceremonies.WithLabelValues(ceremony, outcome).Inc()
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
