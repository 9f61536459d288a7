package entitysync

import (
	"bytes"
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/erp/syncbridge/internal/domain/entitysync"
	"github.com/erp/syncbridge/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
)

//go:embed webhook_schema.json
var webhookSchemaJSON []byte

const webhookSchemaURL = "https://syncbridge.local/schemas/webhook.json"

// IngestConfig holds queueing settings for incoming triggers
type IngestConfig struct {
	// DedupTTL is how long an event id is remembered by the fast dedup layer
	DedupTTL time.Duration
	// MaxAttempts is stamped on every job created here
	MaxAttempts int
}

// IngestService validates incoming triggers and turns them into queue jobs
type IngestService struct {
	jobs   entitysync.JobRepository
	dedup  shared.IdempotencyStore
	schema *jsonschema.Schema
	cfg    IngestConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewIngestService creates an IngestService. dedup may be nil, in which case
// only the queue's unique dedup key filters redeliveries.
func NewIngestService(jobs entitysync.JobRepository, dedup shared.IdempotencyStore, cfg IngestConfig, logger *zap.Logger) (*IngestService, error) {
	schema, err := compileWebhookSchema()
	if err != nil {
		return nil, err
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = shared.DefaultDedupTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = entitysync.DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestService{
		jobs:   jobs,
		dedup:  dedup,
		schema: schema,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}, nil
}

func compileWebhookSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(webhookSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse webhook schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(webhookSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add webhook schema: %w", err)
	}
	schema, err := c.Compile(webhookSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile webhook schema: %w", err)
	}
	return schema, nil
}

// IngestWebhook validates a change notification and enqueues it.
// Invalid bodies return shared.ErrInvalidInput and are never queued.
// A redelivered event is acknowledged with Duplicate set.
func (s *IngestService) IngestWebhook(ctx context.Context, systemName, entityKind string, body []byte) (*IngestResult, error) {
	system, entityType, err := parseTarget(systemName, entityKind)
	if err != nil {
		return nil, err
	}

	payload, err := s.parseWebhook(system, entityType, body)
	if err != nil {
		return nil, err
	}
	return s.enqueueChange(ctx, payload)
}

// TriggerManual enqueues a sync of one entity under a fresh event id
func (s *IngestService) TriggerManual(ctx context.Context, systemName, entityKind, entityID string) (*IngestResult, error) {
	system, entityType, err := parseTarget(systemName, entityKind)
	if err != nil {
		return nil, err
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return nil, shared.NewDomainErrorf(shared.ErrInvalidInput, "entity id is required")
	}

	payload := &entitysync.EntityChangePayload{
		Source:      system,
		EventID:     "manual-" + uuid.NewString(),
		EntityType:  entityType,
		EntityID:    entityID,
		Action:      entitysync.ActionUpdated,
		Timestamp:   s.now(),
		TriggerType: entitysync.TriggerManual,
	}
	return s.enqueueChange(ctx, payload)
}

func (s *IngestService) enqueueChange(ctx context.Context, payload *entitysync.EntityChangePayload) (*IngestResult, error) {
	dedupKey := payload.DedupKey()
	result := &IngestResult{EventID: payload.EventID}

	if s.dedup != nil {
		fresh, err := s.dedup.MarkProcessed(ctx, dedupKey, s.cfg.DedupTTL)
		if err != nil {
			// The queue's unique key still deduplicates.
			s.logger.Warn("idempotency store unavailable",
				zap.String("dedup_key", dedupKey),
				zap.Error(err))
		} else if !fresh {
			result.Duplicate = true
			return result, nil
		}
	}

	job, err := entitysync.NewSyncJob(dedupKey, payload)
	if err != nil {
		s.forget(ctx, dedupKey)
		return nil, shared.NewDomainErrorf(shared.ErrInvalidInput, "%v", err)
	}
	job.MaxAttempts = s.cfg.MaxAttempts

	inserted, err := s.jobs.Enqueue(ctx, job)
	if err != nil {
		s.forget(ctx, dedupKey)
		return nil, fmt.Errorf("enqueue %s: %w", dedupKey, err)
	}
	result.Duplicate = !inserted

	s.logger.Info("sync trigger accepted",
		zap.String("source", string(payload.Source)),
		zap.String("event_id", payload.EventID),
		zap.String("entity_type", string(payload.EntityType)),
		zap.String("entity_id", payload.EntityID),
		zap.String("action", string(payload.Action)),
		zap.String("trigger", string(payload.TriggerType)),
		zap.Bool("duplicate", result.Duplicate))
	return result, nil
}

func (s *IngestService) forget(ctx context.Context, dedupKey string) {
	if s.dedup == nil {
		return
	}
	if err := s.dedup.Forget(context.WithoutCancel(ctx), dedupKey); err != nil {
		s.logger.Warn("failed to clear dedup mark",
			zap.String("dedup_key", dedupKey),
			zap.Error(err))
	}
}

func (s *IngestService) parseWebhook(system entitysync.System, entityType entitysync.EntityType, body []byte) (*entitysync.EntityChangePayload, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, shared.NewDomainErrorf(shared.ErrInvalidInput, "body is not valid JSON: %v", err)
	}
	if err := s.schema.Validate(inst); err != nil {
		return nil, shared.NewDomainErrorf(shared.ErrInvalidInput, "invalid change notification: %v", err)
	}

	fields, _ := inst.(map[string]any)
	entityID := scalarString(fields["entityId"])
	if entityID == "" {
		entityID = scalarString(fields["id"])
	}
	if entityID == "" {
		return nil, shared.NewDomainErrorf(shared.ErrInvalidInput, "entity id is required")
	}

	action, err := entitysync.ParseAction(scalarString(fields["action"]))
	if err != nil {
		return nil, shared.NewDomainErrorf(shared.ErrInvalidInput, "%v", err)
	}

	ts, err := parseTimestamp(fields["timestamp"])
	if err != nil {
		return nil, shared.NewDomainErrorf(shared.ErrInvalidInput, "%v", err)
	}

	eventID := scalarString(fields["eventId"])
	if eventID == "" {
		eventID = DeriveEventID(body)
	}

	return &entitysync.EntityChangePayload{
		Source:      system,
		EventID:     eventID,
		EntityType:  entityType,
		EntityID:    entityID,
		Action:      action,
		Timestamp:   ts,
		TriggerType: entitysync.TriggerWebhook,
		RawPayload:  json.RawMessage(body),
	}, nil
}

// DeriveEventID returns the event id used for bodies that carry none:
// the first 16 bytes of the body's SHA-256, hex encoded.
func DeriveEventID(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:16])
}

func parseTarget(systemName, entityKind string) (entitysync.System, entitysync.EntityType, error) {
	system, err := entitysync.ParseSystem(systemName)
	if err != nil {
		return "", "", shared.NewDomainErrorf(shared.ErrInvalidInput, "%v", err)
	}
	entityType, err := entitysync.ParseEntityKind(entityKind)
	if err != nil {
		return "", "", shared.NewDomainErrorf(shared.ErrInvalidInput, "%v", err)
	}
	return system, entityType, nil
}

// scalarString renders a JSON string or number as text
func scalarString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case float64:
		return fmt.Sprintf("%.0f", val)
	}
	return ""
}

func parseTimestamp(v any) (time.Time, error) {
	switch val := v.(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, val)
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp %q: %w", val, err)
		}
		return t, nil
	case json.Number:
		secs, err := val.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp %s: %w", val, err)
		}
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("timestamp has unsupported type %T", v)
}
