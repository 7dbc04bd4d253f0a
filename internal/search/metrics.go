package search

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts match requests.
	// Labels: backend (sql, index), result (success, error)
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docmatch",
			Subsystem: "search",
			Name:      "requests_total",
			Help:      "Total number of section match requests",
		},
		[]string{"backend", "result"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docmatch",
			Subsystem: "search",
			Name:      "request_duration_seconds",
			Help:      "Duration of section match requests in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"backend"},
	)

	ResultsReturned = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "docmatch",
			Subsystem: "search",
			Name:      "results_returned",
			Help:      "Number of sections returned per match request",
			Buckets:   prometheus.LinearBuckets(0, 5, 11),
		},
	)
)

func observe(backend string, start time.Time, results int, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	RequestsTotal.WithLabelValues(backend, result).Inc()
	RequestDuration.WithLabelValues(backend).Observe(time.Since(start).Seconds())
	if err == nil {
		ResultsReturned.Observe(float64(results))
	}
}
