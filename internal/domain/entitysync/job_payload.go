package entitysync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// JobKind discriminates the JobPayload variants stored in the queue
type JobKind string

const (
	JobKindEntityChange JobKind = "entity_change"
	JobKindChangeBatch  JobKind = "change_batch"
)

// JobPayload is the validated message carried by a SyncJob.
// The concrete type is either *EntityChangePayload or *ChangeBatchPayload.
type JobPayload interface {
	Kind() JobKind
	Validate() error
	isJobPayload()
}

// EntityChangePayload reports a change to a single entity, from a webhook or
// a manual trigger
type EntityChangePayload struct {
	Source      System          `json:"source"`
	EventID     string          `json:"eventId"`
	EntityType  EntityType      `json:"entityType"`
	EntityID    string          `json:"entityId"`
	Action      Action          `json:"action"`
	Timestamp   time.Time       `json:"timestamp"`
	TriggerType TriggerType     `json:"triggerType"`
	RawPayload  json.RawMessage `json:"rawPayload,omitempty"`
}

// Kind implements JobPayload
func (p *EntityChangePayload) Kind() JobKind { return JobKindEntityChange }

func (p *EntityChangePayload) isJobPayload() {}

// Validate implements JobPayload
func (p *EntityChangePayload) Validate() error {
	if !p.Source.IsValid() {
		return ErrInvalidSystem
	}
	if p.EventID == "" {
		return ErrMissingEventID
	}
	if !p.EntityType.IsValid() {
		return ErrInvalidEntityType
	}
	if p.EntityID == "" {
		return ErrMissingEntityID
	}
	if !p.Action.IsValid() {
		return ErrInvalidAction
	}
	if p.TriggerType != TriggerWebhook && p.TriggerType != TriggerManual {
		return ErrInvalidTrigger
	}
	return nil
}

// DedupKey returns "{system}-{eventId}"
func (p *EntityChangePayload) DedupKey() string {
	return fmt.Sprintf("%s-%s", p.Source, p.EventID)
}

// ChangeBatchPayload carries a batch of entity ids discovered by polling or
// by the stale-mapping sweep
type ChangeBatchPayload struct {
	Source      System      `json:"source"`
	EntityType  EntityType  `json:"entityType"`
	EntityIDs   []string    `json:"entityIds"`
	WindowStart time.Time   `json:"windowStart"`
	WindowEnd   time.Time   `json:"windowEnd"`
	BatchIndex  int         `json:"batchIndex"`
	TriggerType TriggerType `json:"triggerType"`
}

// Kind implements JobPayload
func (p *ChangeBatchPayload) Kind() JobKind { return JobKindChangeBatch }

func (p *ChangeBatchPayload) isJobPayload() {}

// Validate implements JobPayload
func (p *ChangeBatchPayload) Validate() error {
	if !p.Source.IsValid() {
		return ErrInvalidSystem
	}
	if !p.EntityType.IsValid() {
		return ErrInvalidEntityType
	}
	if len(p.EntityIDs) == 0 {
		return ErrMissingEntityID
	}
	for _, id := range p.EntityIDs {
		if id == "" {
			return ErrMissingEntityID
		}
	}
	if p.TriggerType != TriggerPoll {
		return ErrInvalidTrigger
	}
	return nil
}

// DedupKey returns "{system}-{entityType}-poll-{windowEnd}-{batchIndex}-{idsDigest}".
// Two listings that share a window end but not their ids get different keys.
func (p *ChangeBatchPayload) DedupKey() string {
	return fmt.Sprintf("%s-%s-poll-%d-%d-%s", p.Source, p.EntityType, p.WindowEnd.UnixNano(), p.BatchIndex, idsDigest(p.EntityIDs))
}

// idsDigest is the hex of the first 8 bytes of sha256 over the sorted ids
func idsDigest(ids []string) string {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:8])
}

// EncodeJobPayload validates p and returns its discriminator and JSON body
func EncodeJobPayload(p JobPayload) (JobKind, []byte, error) {
	if p == nil {
		return "", nil, fmt.Errorf("entitysync: nil job payload")
	}
	if err := p.Validate(); err != nil {
		return "", nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("entitysync: encode %s payload: %w", p.Kind(), err)
	}
	return p.Kind(), data, nil
}

// DecodeJobPayload restores and validates the payload variant named by kind
func DecodeJobPayload(kind JobKind, data []byte) (JobPayload, error) {
	var p JobPayload
	switch kind {
	case JobKindEntityChange:
		p = &EntityChangePayload{}
	case JobKindChangeBatch:
		p = &ChangeBatchPayload{}
	default:
		return nil, fmt.Errorf("entitysync: unknown job kind %q", kind)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("entitysync: decode %s payload: %w", kind, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
