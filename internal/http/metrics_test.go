package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))

	m := &HTTPMetrics{
		meter:  mp.Meter(httpInstrumentationName),
		logger: zap.NewNop(),
	}
	m.init()

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.POST("/v1/match", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing credentials")
	})

	for _, r := range []struct{ method, path string }{
		{http.MethodGet, "/health"},
		{http.MethodGet, "/health"},
		{http.MethodPost, "/v1/match"},
	} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(r.method, r.path, nil))
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, mt := range sm.Metrics {
			found[mt.Name] = true
			switch mt.Name {
			case "docmatch.http.requests_total":
				sum, ok := mt.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				byStatus := map[int64]int64{}
				for _, dp := range sum.DataPoints {
					status, _ := dp.Attributes.Value(attribute.Key("status"))
					byStatus[status.AsInt64()] += dp.Value
				}
				assert.Equal(t, map[int64]int64{200: 2, 401: 1}, byStatus)
			case "docmatch.http.request_duration_seconds":
				hist, ok := mt.Data.(metricdata.Histogram[float64])
				require.True(t, ok)
				var total uint64
				for _, dp := range hist.DataPoints {
					total += dp.Count
				}
				assert.Equal(t, uint64(3), total)
			}
		}
	}

	for _, name := range []string{
		"docmatch.http.requests_total",
		"docmatch.http.request_duration_seconds",
		"docmatch.http.response_size_bytes",
		"docmatch.http.active_requests",
	} {
		assert.True(t, found[name], name)
	}
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "unmatched", normalizePath(""))
	assert.Equal(t, "/health", normalizePath("/health"))
	assert.Equal(t, "/v1/files", normalizePath("/v1/files"))
}
