package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/trace"
)

func TestMiddlewareWithDisabledTelemetry(t *testing.T) {
	tel, cleanup, err := Init(context.Background(), NewConfig())
	require.NoError(t, err)
	defer cleanup()

	handler := HTTPMiddleware(tel, "test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, trace.SpanFromContext(r.Context()).IsRecording())
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := InitMetrics(mp)
	require.NoError(t, err)
	tel := &Telemetry{config: NewConfig(), meterProvider: mp, metrics: m}

	r := chi.NewRouter()
	r.Use(HTTPMiddleware(tel, "test"))
	r.Get("/api/notifications/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("missing"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/notifications/abc", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var routes []string
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "http.server.request_count" {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(AttrHTTPRoute)
				routes = append(routes, v.AsString())
				status, _ := dp.Attributes.Value(AttrHTTPStatusCode)
				assert.Equal(t, int64(http.StatusNotFound), status.AsInt64())
			}
		}
	}
	assert.Equal(t, []string{"/api/notifications/{id}"}, routes)
}
