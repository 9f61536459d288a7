package telemetry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/erp/syncbridge/internal/domain/entitysync"
	"github.com/erp/syncbridge/internal/infrastructure/telemetry"
)

// setupTestTracer installs a tracer provider backed by an in-memory span recorder.
func setupTestTracer(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	original := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(original)
		_ = tp.Shutdown(context.Background())
	})
	return sr
}

func attrMap(attrs []attribute.KeyValue) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}

func TestStartSpan(t *testing.T) {
	sr := setupTestTracer(t)

	_, span := telemetry.StartSpan(context.Background(), "entitysync.sync_entity",
		telemetry.WithAttribute(telemetry.SpanAttrEntityType, "CUSTOMER"),
		telemetry.WithAttribute("attempt", 2),
		telemetry.WithSpanKind(trace.SpanKindClient),
	)
	span.End()

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "entitysync.sync_entity", spans[0].Name())
	assert.Equal(t, trace.SpanKindClient, spans[0].SpanKind())
	assert.Equal(t, telemetry.TracerName, spans[0].InstrumentationScope().Name)

	attrs := attrMap(spans[0].Attributes())
	assert.Equal(t, "CUSTOMER", attrs[telemetry.SpanAttrEntityType])
	assert.Equal(t, "2", attrs["attempt"])
}

func TestSetAttributes(t *testing.T) {
	sr := setupTestTracer(t)

	_, span := telemetry.StartSpan(context.Background(), "op")
	id := uuid.New()
	telemetry.SetAttributes(span,
		telemetry.SpanAttrMappingID, id,
		"count", int64(3),
		42, "non-string key is skipped",
		"dangling",
	)
	span.End()

	attrs := attrMap(sr.Ended()[0].Attributes())
	assert.Equal(t, id.String(), attrs[telemetry.SpanAttrMappingID])
	assert.Equal(t, "3", attrs["count"])
	assert.Len(t, attrs, 2)
}

func TestRecordError(t *testing.T) {
	sr := setupTestTracer(t)

	_, span := telemetry.StartSpan(context.Background(), "op")
	telemetry.RecordError(span, errors.New("finance unavailable"))
	span.End()

	got := sr.Ended()[0]
	assert.Equal(t, codes.Error, got.Status().Code)
	assert.Equal(t, "finance unavailable", got.Status().Description)
	require.Len(t, got.Events(), 1)
	assert.Equal(t, "exception", got.Events()[0].Name)

	t.Run("nil error and nil span are ignored", func(t *testing.T) {
		_, span := telemetry.StartSpan(context.Background(), "ok")
		telemetry.RecordError(span, nil)
		telemetry.SetOK(span)
		span.End()
		assert.Equal(t, codes.Ok, sr.Ended()[1].Status().Code)

		assert.NotPanics(t, func() {
			telemetry.RecordError(nil, errors.New("x"))
			telemetry.SetOK(nil)
			telemetry.SetAttributes(nil, "k", "v")
			telemetry.AddEvent(nil, "e")
		})
	})
}

func TestTraceAndSpanIDs(t *testing.T) {
	setupTestTracer(t)

	assert.Empty(t, telemetry.GetTraceID(context.Background()))
	assert.Empty(t, telemetry.GetSpanID(context.Background()))

	ctx, span := telemetry.StartSpan(context.Background(), "op")
	defer span.End()
	assert.Len(t, telemetry.GetTraceID(ctx), 32)
	assert.Len(t, telemetry.GetSpanID(ctx), 16)
}

func TestSpanEventObserver(t *testing.T) {
	sr := setupTestTracer(t)
	obs := telemetry.SpanEventObserver{}

	ctx, span := telemetry.StartSpan(context.Background(), "entitysync.sync_entity")
	obs.OnSyncEvent(ctx, entitysync.Event{Step: entitysync.StepFetched})
	obs.OnSyncEvent(ctx, entitysync.Event{Step: entitysync.StepWritten, TargetEntityID: "fin-9"})
	obs.OnSyncEvent(ctx, entitysync.Event{
		Step:      entitysync.StepSucceeded,
		Outcome:   entitysync.OutcomeCreated,
		MappingID: "m-1",
		Duration:  time.Second,
	})
	span.End()

	got := sr.Ended()[0]
	events := got.Events()
	require.Len(t, events, 3)
	assert.Equal(t, "fetched", events[0].Name)
	assert.Equal(t, "written", events[1].Name)
	assert.Equal(t, "fin-9", attrMap(events[1].Attributes)[telemetry.SpanAttrTargetEntityID])
	assert.Equal(t, "succeeded", events[2].Name)
	assert.Equal(t, "created", attrMap(got.Attributes())[telemetry.SpanAttrOutcome])

	t.Run("no span in context", func(t *testing.T) {
		assert.NotPanics(t, func() {
			obs.OnSyncEvent(context.Background(), entitysync.Event{Step: entitysync.StepFetched})
		})
	})
}
