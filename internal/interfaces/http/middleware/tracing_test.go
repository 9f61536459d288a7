package middleware

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestTracer(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t.Cleanup(func() {
		_ = tp.Shutdown(t.Context())
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	return sr
}

func spanAttrs(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := map[attribute.Key]attribute.Value{}
	for _, a := range s.Attributes() {
		out[a.Key] = a.Value
	}
	return out
}

func tracedRouter() *gin.Engine {
	router := gin.New()
	router.Use(Tracing(TracingConfig{ServiceName: "syncbridge", Enabled: true}), RequestID(), SpanAttributes(), SpanErrorMarker())
	router.POST("/webhook/:system/:entityKind", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	router.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })
	return router
}

func TestTracing_Disabled(t *testing.T) {
	sr := setupTestTracer(t)
	router := gin.New()
	router.Use(Tracing(TracingConfig{Enabled: false}))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/", "", nil).Code)
	assert.Empty(t, sr.Ended())
}

func TestTracing_SyncRouteAttributes(t *testing.T) {
	sr := setupTestTracer(t)
	w := serve(tracedRouter(), http.MethodPost, "/webhook/crm/customer", "{}", map[string]string{RequestIDHeader: "rid-1"})
	require.Equal(t, http.StatusOK, w.Code)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "POST /webhook/:system/:entityKind", spans[0].Name())

	attrs := spanAttrs(spans[0])
	assert.Equal(t, "rid-1", attrs["request_id"].AsString())
	assert.Equal(t, "crm", attrs["sync.source_system"].AsString())
	assert.Equal(t, "customer", attrs["sync.entity_kind"].AsString())
	assert.NotEqual(t, codes.Error, spans[0].Status().Code)
}

func TestTracing_PropagatesParent(t *testing.T) {
	sr := setupTestTracer(t)
	traceparent := "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	serve(tracedRouter(), http.MethodPost, "/webhook/crm/customer", "{}", map[string]string{"traceparent": traceparent})

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", spans[0].SpanContext().TraceID().String())
}

func TestSpanErrorMarker(t *testing.T) {
	tests := []struct {
		path string
		desc string
	}{
		{"/missing", "Not Found"},
		{"/boom", "server error"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			sr := setupTestTracer(t)
			serve(tracedRouter(), http.MethodGet, tt.path, "", nil)

			spans := sr.Ended()
			require.Len(t, spans, 1)
			assert.Equal(t, codes.Error, spans[0].Status().Code)
			assert.Equal(t, tt.desc, spans[0].Status().Description)
		})
	}
}
