package ingest

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FilesTotal counts processed files.
	// Labels: result (ingested, skipped, removed, error)
	FilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docmatch",
			Subsystem: "ingest",
			Name:      "files_total",
			Help:      "Total number of files processed by ingest",
		},
		[]string{"result"},
	)

	SectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "docmatch",
			Subsystem: "ingest",
			Name:      "sections_total",
			Help:      "Total number of sections stored by ingest",
		},
	)

	FileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "docmatch",
			Subsystem: "ingest",
			Name:      "file_duration_seconds",
			Help:      "Time to split, embed and store one file",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)
)

func observeFile(res *FileResult, err error, start time.Time) {
	switch {
	case err != nil:
		FilesTotal.WithLabelValues("error").Inc()
	case res.Skipped:
		FilesTotal.WithLabelValues("skipped").Inc()
	default:
		FilesTotal.WithLabelValues("ingested").Inc()
		SectionsTotal.Add(float64(res.Sections))
		FileDuration.Observe(time.Since(start).Seconds())
	}
}
