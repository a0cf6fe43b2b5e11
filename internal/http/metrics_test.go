package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fyrsmithlabs/orchestrd/internal/errs"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := NewHTTPMetrics(mp.Meter(httpInstrumentationName), nil)

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/api/v1/runs/:id", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"id": c.Param("id")})
	})
	e.POST("/api/v1/runs", func(c echo.Context) error {
		return errors.New("boom")
	})

	for _, r := range []struct{ method, path string }{
		{http.MethodGet, "/health"},
		{http.MethodGet, "/api/v1/runs/a"},
		{http.MethodGet, "/api/v1/runs/b"},
		{http.MethodPost, "/api/v1/runs"},
	} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(r.method, r.path, nil))
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			found[md.Name] = true
			switch md.Name {
			case "orchestrd.http.requests_total":
				sum, ok := md.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				byRoute := map[string]int64{}
				var failed int64
				for _, dp := range sum.DataPoints {
					route, _ := dp.Attributes.Value(attribute.Key("endpoint"))
					byRoute[route.AsString()] += dp.Value
					if status, _ := dp.Attributes.Value(attribute.Key("status")); status.AsInt64() == http.StatusInternalServerError {
						failed += dp.Value
					}
				}
				assert.Equal(t, int64(2), byRoute["/api/v1/runs/:id"], "path parameters share one label")
				assert.Equal(t, int64(1), byRoute["/health"])
				assert.Equal(t, int64(1), failed, "handler errors are recorded with their final status")
			case "orchestrd.http.request_duration_seconds":
				hist, ok := md.Data.(metricdata.Histogram[float64])
				require.True(t, ok)
				var total uint64
				for _, dp := range hist.DataPoints {
					total += dp.Count
				}
				assert.Equal(t, uint64(4), total)
			}
		}
	}
	assert.True(t, found["orchestrd.http.requests_total"])
	assert.True(t, found["orchestrd.http.request_duration_seconds"])
	assert.True(t, found["orchestrd.http.response_size_bytes"])
	assert.True(t, found["orchestrd.http.active_requests"])
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", "unmatched"},
		{"/health", "/health"},
		{"/api/v1/runs/:id", "/api/v1/runs/:id"},
		{"/api/v1/runs/:id/envelope", "/api/v1/runs/:id/envelope"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, normalizePath(tt.input), tt.input)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", errs.NewValidationError("topic", "too short"), http.StatusBadRequest},
		{"not found", &errs.NotFoundError{Resource: "run", ID: "x"}, http.StatusNotFound},
		{"backpressure", &errs.BackpressureError{Capacity: 1, Queued: 1}, http.StatusTooManyRequests},
		{"closed engine", &errs.InvalidStateError{Op: "submit", Reason: "engine is closed"}, http.StatusServiceUnavailable},
		{"persistence", &errs.PersistenceError{Op: "create run", Err: errors.New("disk full")}, http.StatusInternalServerError},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
