package telemetry

import (
	"context"
	"maps"
	"sort"
	"strings"

	"github.com/grafana/pyroscope-go"
)

// Profiling label keys.
const (
	ProfilingLabelJobKind    = "job_kind"
	ProfilingLabelEntityType = "entity_type"
	ProfilingLabelSystem     = "system"
	ProfilingLabelRoute      = "route"
	ProfilingLabelMethod     = "method"
)

// MaxLabelValueLength is the maximum allowed length for label values.
const MaxLabelValueLength = 128

// HighCardinalityLabels lists keys that are dropped from profiling labels.
// Do not modify at runtime.
var HighCardinalityLabels = map[string]bool{
	"entity_id":      true,
	"transaction_id": true,
	"job_id":         true,
	"event_id":       true,
	"trace_id":       true,
	"span_id":        true,
}

// WithProfilingLabels runs fn with Pyroscope labels attached to ctx.
// The labels map is copied, so callers may reuse it.
//
//	telemetry.WithProfilingLabels(ctx, telemetry.JobLabels("entity_change", "CUSTOMER", "crm"), func(c context.Context) {
//	    err = runner.Run(c, job)
//	})
func WithProfilingLabels(ctx context.Context, labels map[string]string, fn func(context.Context)) {
	if len(labels) == 0 {
		fn(ctx)
		return
	}

	labelPairs := sanitizeLabels(maps.Clone(labels))
	if len(labelPairs) == 0 {
		fn(ctx)
		return
	}

	pyroscope.TagWrapper(ctx, pyroscope.Labels(labelPairs...), fn)
}

// JobLabels returns the labels for one queued sync job.
func JobLabels(kind, entityType, system string) map[string]string {
	labels := make(map[string]string, 3)
	if kind != "" {
		labels[ProfilingLabelJobKind] = kind
	}
	if entityType != "" {
		labels[ProfilingLabelEntityType] = entityType
	}
	if system != "" {
		labels[ProfilingLabelSystem] = system
	}
	return labels
}

// HTTPRequestLabels returns the labels for one HTTP route.
func HTTPRequestLabels(route, method string) map[string]string {
	labels := make(map[string]string, 2)
	if route != "" {
		labels[ProfilingLabelRoute] = route
	}
	if method != "" {
		labels[ProfilingLabelMethod] = method
	}
	return labels
}

// sanitizeLabels drops empty and high-cardinality labels, truncates long
// values and returns a key-sorted slice of pairs.
func sanitizeLabels(labels map[string]string) []string {
	if len(labels) == 0 {
		return nil
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(labels)*2)
	for _, key := range keys {
		value := labels[key]
		if key == "" || value == "" || HighCardinalityLabels[key] {
			continue
		}
		if len(value) > MaxLabelValueLength {
			value = value[:MaxLabelValueLength]
		}
		sanitizedKey := sanitizeLabelKey(key)
		if sanitizedKey == "" {
			continue
		}
		pairs = append(pairs, sanitizedKey, value)
	}
	return pairs
}

// sanitizeLabelKey lowercases key and keeps only [a-z0-9_].
func sanitizeLabelKey(key string) string {
	key = strings.ToLower(key)
	key = strings.ReplaceAll(key, " ", "_")
	key = strings.ReplaceAll(key, "-", "_")

	result := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' {
			result = append(result, c)
		}
	}
	return string(result)
}
