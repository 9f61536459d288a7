package middleware

import (
	"context"
	"net/http"
	"testing"

	"github.com/erp/syncbridge/internal/infrastructure/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"
)

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetricByName(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestHTTPMetrics_NilMeter(t *testing.T) {
	router := gin.New()
	router.Use(HTTPMetrics(nil, nil))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/", "", nil).Code)
}

func TestHTTPMetrics_Records(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("http.server")

	router := gin.New()
	router.Use(HTTPMetrics(meter, zaptest.NewLogger(t)))
	router.POST("/webhook/:system/:entityKind", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	serve(router, http.MethodPost, "/webhook/crm/customer", `{"id":"1"}`, nil)
	serve(router, http.MethodPost, "/webhook/finance/customer", `{"id":"2"}`, nil)
	serve(router, http.MethodGet, "/nope", "", nil)

	rm := collectMetrics(t, reader)

	total := findMetricByName(rm, "http_server_request_total")
	require.NotNil(t, total)
	sum := total.Data.(metricdata.Sum[int64])
	var crm, unknown int64
	for _, dp := range sum.DataPoints {
		route, _ := dp.Attributes.Value(telemetry.AttrHTTPRoute)
		system, _ := dp.Attributes.Value(telemetry.AttrSystem)
		switch {
		case route.AsString() == "/webhook/:system/:entityKind" && system.AsString() == "crm":
			crm += dp.Value
		case route.AsString() == "unknown":
			unknown += dp.Value
		}
	}
	assert.Equal(t, int64(1), crm)
	assert.Equal(t, int64(1), unknown)

	duration := findMetricByName(rm, "http_server_request_duration_seconds")
	require.NotNil(t, duration)
	var count uint64
	for _, dp := range duration.Data.(metricdata.Histogram[float64]).DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(3), count)

	assert.NotNil(t, findMetricByName(rm, "http_server_request_size_bytes"))
	assert.NotNil(t, findMetricByName(rm, "http_server_response_size_bytes"))

	active := findMetricByName(rm, "http_server_active_requests")
	require.NotNil(t, active)
	for _, dp := range active.Data.(metricdata.Sum[int64]).DataPoints {
		assert.Zero(t, dp.Value)
	}
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", StatusClass(202))
	assert.Equal(t, "3xx", StatusClass(304))
	assert.Equal(t, "4xx", StatusClass(429))
	assert.Equal(t, "5xx", StatusClass(503))
	assert.Equal(t, "other", StatusClass(100))
}
