// Package telemetry provides OpenTelemetry integration for tracing, metrics,
// log export and profiling.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/erp/syncbridge/internal/domain/entitysync"
)

const (
	// TracerName is the default tracer name for application spans
	TracerName = "syncbridge"
)

// Span attribute keys for sync spans
const (
	SpanAttrEntityType     = "entity_type"
	SpanAttrSide           = "side"
	SpanAttrEntityID       = "entity_id"
	SpanAttrTargetEntityID = "target_entity_id"
	SpanAttrTransactionID  = "transaction_id"
	SpanAttrSyncLogID      = "sync_log_id"
	SpanAttrMappingID      = "mapping_id"
	SpanAttrOutcome        = "outcome"
	SpanAttrSystem         = "system"
	SpanAttrJobID          = "job_id"
)

// SpanOption is a function that configures span start options
type SpanOption func(*spanOptions)

type spanOptions struct {
	attributes []attribute.KeyValue
	kind       trace.SpanKind
}

// WithAttribute adds an attribute to the span
func WithAttribute(key string, value any) SpanOption {
	return func(opts *spanOptions) {
		opts.attributes = append(opts.attributes, toAttribute(key, value))
	}
}

// WithSpanKind sets the span kind
func WithSpanKind(kind trace.SpanKind) SpanOption {
	return func(opts *spanOptions) {
		opts.kind = kind
	}
}

// StartSpan starts a new span with the given name.
// The caller is responsible for calling span.End() when the operation completes.
//
//	ctx, span := telemetry.StartSpan(ctx, "entitysync.sync_entity")
//	defer span.End()
func StartSpan(ctx context.Context, spanName string, opts ...SpanOption) (context.Context, trace.Span) {
	options := &spanOptions{
		kind: trace.SpanKindInternal,
	}
	for _, opt := range opts {
		opt(options)
	}

	tracer := otel.GetTracerProvider().Tracer(TracerName)

	startOpts := []trace.SpanStartOption{
		trace.WithSpanKind(options.kind),
	}
	if len(options.attributes) > 0 {
		startOpts = append(startOpts, trace.WithAttributes(options.attributes...))
	}

	return tracer.Start(ctx, spanName, startOpts...)
}

// SetAttributes adds key/value pairs to an existing span. Pairs whose key is
// not a string are skipped.
func SetAttributes(span trace.Span, keyValues ...any) {
	if span == nil {
		return
	}
	span.SetAttributes(pairsToAttributes(keyValues)...)
}

// RecordError records an error on the span and sets the span status to error.
func RecordError(span trace.Span, err error, opts ...trace.EventOption) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err, opts...)
	span.SetStatus(codes.Error, err.Error())
}

// SetOK marks the span as successful.
func SetOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// AddEvent adds a time-stamped event with key/value attributes to the span.
func AddEvent(span trace.Span, name string, keyValues ...any) {
	if span == nil {
		return
	}
	span.AddEvent(name, trace.WithAttributes(pairsToAttributes(keyValues)...))
}

// GetTraceID returns the trace ID of the span in ctx, or "" when there is none.
func GetTraceID(ctx context.Context) string {
	traceID := trace.SpanFromContext(ctx).SpanContext().TraceID()
	if !traceID.IsValid() {
		return ""
	}
	return traceID.String()
}

// GetSpanID returns the span ID of the span in ctx, or "" when there is none.
func GetSpanID(ctx context.Context) string {
	spanID := trace.SpanFromContext(ctx).SpanContext().SpanID()
	if !spanID.IsValid() {
		return ""
	}
	return spanID.String()
}

// ---------------------------------------------------------------------------
// Sync span events
// ---------------------------------------------------------------------------

// SpanEventObserver records every workflow step as an event on the span
// carried by the event's context.
type SpanEventObserver struct{}

// OnSyncEvent implements entitysync.Observer.
func (SpanEventObserver) OnSyncEvent(ctx context.Context, e entitysync.Event) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	kv := []any{}
	if e.TargetEntityID != "" {
		kv = append(kv, SpanAttrTargetEntityID, e.TargetEntityID)
	}
	if e.SyncLogID != "" {
		kv = append(kv, SpanAttrSyncLogID, e.SyncLogID)
	}
	if e.MappingID != "" {
		kv = append(kv, SpanAttrMappingID, e.MappingID)
	}
	if e.Outcome != "" {
		kv = append(kv, SpanAttrOutcome, string(e.Outcome))
		span.SetAttributes(attribute.String(SpanAttrOutcome, string(e.Outcome)))
	}
	if e.Reason != "" {
		kv = append(kv, "reason", e.Reason)
	}
	AddEvent(span, string(e.Step), kv...)
}

func pairsToAttributes(keyValues []any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(keyValues)/2)
	for i := 0; i+1 < len(keyValues); i += 2 {
		key, ok := keyValues[i].(string)
		if !ok {
			continue
		}
		attrs = append(attrs, toAttribute(key, keyValues[i+1]))
	}
	return attrs
}

// toAttribute converts a key-value pair to an attribute.KeyValue
func toAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	case fmt.Stringer:
		return attribute.String(key, v.String())
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
