package sectionindex

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts index operations.
	// Labels: backend (chromem, qdrant), op (upsert, delete, query), result (success, error)
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docmatch",
			Subsystem: "sectionindex",
			Name:      "operations_total",
			Help:      "Total number of section index operations",
		},
		[]string{"backend", "op", "result"},
	)

	// OperationDuration tracks how long index operations take.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docmatch",
			Subsystem: "sectionindex",
			Name:      "operation_duration_seconds",
			Help:      "Duration of section index operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)
)

func observe(backend, op string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	OperationsTotal.WithLabelValues(backend, op, result).Inc()
	OperationDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}
