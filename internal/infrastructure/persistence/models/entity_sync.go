package models

import (
	"encoding/json"
	"time"

	"github.com/erp/syncbridge/internal/domain/entitysync"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ---------------------------------------------------------------------------
// EntityMappingModel
// ---------------------------------------------------------------------------

// EntityMappingModel is the persistence model for the EntityMapping domain entity.
// The two composite unique indexes enforce one mapping per side id and entity type;
// NULL side ids do not collide.
type EntityMappingModel struct {
	ID                    uuid.UUID             `gorm:"type:uuid;primary_key"`
	EntityType            entitysync.EntityType `gorm:"type:varchar(20);not null;uniqueIndex:idx_entity_mappings_side_a,priority:1;uniqueIndex:idx_entity_mappings_side_b,priority:1;index:idx_entity_mappings_stale,priority:1"`
	SideAID               *string               `gorm:"type:varchar(100);uniqueIndex:idx_entity_mappings_side_a,priority:2"`
	SideBID               *string               `gorm:"type:varchar(100);uniqueIndex:idx_entity_mappings_side_b,priority:2"`
	SideAChecksum         string                `gorm:"type:varchar(64)"`
	SideBChecksum         string                `gorm:"type:varchar(64)"`
	SideAUpdatedAt        *time.Time
	SideBUpdatedAt        *time.Time
	LastSyncSource        entitysync.Side `gorm:"type:varchar(1)"`
	LastSyncTransactionID string          `gorm:"type:varchar(100)"`
	LastSyncAt            time.Time       `gorm:"not null;index:idx_entity_mappings_stale,priority:2"`
	Version               int             `gorm:"not null;default:1"`
	CreatedAt             time.Time       `gorm:"not null"`
	UpdatedAt             time.Time       `gorm:"not null"`
}

// TableName returns the table name for GORM
func (EntityMappingModel) TableName() string {
	return "entity_mappings"
}

// ToDomain converts the persistence model to a domain EntityMapping
func (m *EntityMappingModel) ToDomain() *entitysync.EntityMapping {
	return &entitysync.EntityMapping{
		ID:                    m.ID,
		EntityType:            m.EntityType,
		SideAID:               m.SideAID,
		SideBID:               m.SideBID,
		SideAChecksum:         m.SideAChecksum,
		SideBChecksum:         m.SideBChecksum,
		SideAUpdatedAt:        m.SideAUpdatedAt,
		SideBUpdatedAt:        m.SideBUpdatedAt,
		LastSyncSource:        m.LastSyncSource,
		LastSyncTransactionID: m.LastSyncTransactionID,
		LastSyncAt:            m.LastSyncAt,
		Version:               m.Version,
		CreatedAt:             m.CreatedAt,
		UpdatedAt:             m.UpdatedAt,
	}
}

// FromDomain populates the persistence model from a domain EntityMapping
func (m *EntityMappingModel) FromDomain(e *entitysync.EntityMapping) {
	m.ID = e.ID
	m.EntityType = e.EntityType
	m.SideAID = e.SideAID
	m.SideBID = e.SideBID
	m.SideAChecksum = e.SideAChecksum
	m.SideBChecksum = e.SideBChecksum
	m.SideAUpdatedAt = e.SideAUpdatedAt
	m.SideBUpdatedAt = e.SideBUpdatedAt
	m.LastSyncSource = e.LastSyncSource
	m.LastSyncTransactionID = e.LastSyncTransactionID
	m.LastSyncAt = e.LastSyncAt
	m.Version = e.Version
	m.CreatedAt = e.CreatedAt
	m.UpdatedAt = e.UpdatedAt
}

// EntityMappingModelFromDomain creates a new persistence model from a domain EntityMapping
func EntityMappingModelFromDomain(e *entitysync.EntityMapping) *EntityMappingModel {
	m := &EntityMappingModel{}
	m.FromDomain(e)
	return m
}

// ---------------------------------------------------------------------------
// SyncLogModel
// ---------------------------------------------------------------------------

// SyncLogModel is the persistence model for the SyncLog domain entity
type SyncLogModel struct {
	ID               uuid.UUID                `gorm:"type:uuid;primary_key"`
	TransactionID    string                   `gorm:"type:varchar(100);not null;index"`
	EntityMappingID  *uuid.UUID               `gorm:"type:uuid;index"`
	EntityType       entitysync.EntityType    `gorm:"type:varchar(20);not null"`
	Direction        entitysync.Direction     `gorm:"type:varchar(10);not null"`
	Status           entitysync.SyncLogStatus `gorm:"type:varchar(20);not null;index"`
	TriggerType      entitysync.TriggerType   `gorm:"type:varchar(20);not null"`
	TriggerPayload   datatypes.JSON
	SourceSystem     entitysync.System `gorm:"type:varchar(20);not null"`
	TargetSystem     entitysync.System `gorm:"type:varchar(20);not null"`
	SourceEntityID   string            `gorm:"type:varchar(100);not null;index"`
	TargetEntityID   string            `gorm:"type:varchar(100)"`
	SourceData       datatypes.JSON
	TargetDataBefore datatypes.JSON
	TargetDataAfter  datatypes.JSON
	ErrorMessage     string `gorm:"type:text"`
	ErrorStack       string `gorm:"type:text"`
	RetryCount       int    `gorm:"not null;default:0"`
	StartedAt        time.Time `gorm:"not null"`
	CompletedAt      *time.Time
	DurationMs       *int64
}

// TableName returns the table name for GORM
func (SyncLogModel) TableName() string {
	return "sync_logs"
}

// ToDomain converts the persistence model to a domain SyncLog
func (m *SyncLogModel) ToDomain() *entitysync.SyncLog {
	return &entitysync.SyncLog{
		ID:               m.ID,
		TransactionID:    m.TransactionID,
		EntityMappingID:  m.EntityMappingID,
		EntityType:       m.EntityType,
		Direction:        m.Direction,
		Status:           m.Status,
		TriggerType:      m.TriggerType,
		TriggerPayload:   rawJSON(m.TriggerPayload),
		SourceSystem:     m.SourceSystem,
		TargetSystem:     m.TargetSystem,
		SourceEntityID:   m.SourceEntityID,
		TargetEntityID:   m.TargetEntityID,
		SourceData:       rawJSON(m.SourceData),
		TargetDataBefore: rawJSON(m.TargetDataBefore),
		TargetDataAfter:  rawJSON(m.TargetDataAfter),
		ErrorMessage:     m.ErrorMessage,
		ErrorStack:       m.ErrorStack,
		RetryCount:       m.RetryCount,
		StartedAt:        m.StartedAt,
		CompletedAt:      m.CompletedAt,
		DurationMs:       m.DurationMs,
	}
}

// SyncLogModelFromDomain creates a new persistence model from a domain SyncLog
func SyncLogModelFromDomain(l *entitysync.SyncLog) *SyncLogModel {
	return &SyncLogModel{
		ID:               l.ID,
		TransactionID:    l.TransactionID,
		EntityMappingID:  l.EntityMappingID,
		EntityType:       l.EntityType,
		Direction:        l.Direction,
		Status:           l.Status,
		TriggerType:      l.TriggerType,
		TriggerPayload:   jsonColumn(l.TriggerPayload),
		SourceSystem:     l.SourceSystem,
		TargetSystem:     l.TargetSystem,
		SourceEntityID:   l.SourceEntityID,
		TargetEntityID:   l.TargetEntityID,
		SourceData:       jsonColumn(l.SourceData),
		TargetDataBefore: jsonColumn(l.TargetDataBefore),
		TargetDataAfter:  jsonColumn(l.TargetDataAfter),
		ErrorMessage:     l.ErrorMessage,
		ErrorStack:       l.ErrorStack,
		RetryCount:       l.RetryCount,
		StartedAt:        l.StartedAt,
		CompletedAt:      l.CompletedAt,
		DurationMs:       l.DurationMs,
	}
}

// ---------------------------------------------------------------------------
// SyncJobModel
// ---------------------------------------------------------------------------

// SyncJobModel is the persistence model for the durable sync job queue
type SyncJobModel struct {
	ID          uuid.UUID            `gorm:"type:uuid;primary_key"`
	DedupKey    string               `gorm:"type:varchar(255);not null;uniqueIndex"`
	Kind        entitysync.JobKind   `gorm:"type:varchar(30);not null"`
	Payload     datatypes.JSON       `gorm:"not null"`
	Status      entitysync.JobStatus `gorm:"type:varchar(20);not null;index:idx_sync_jobs_ready,priority:1"`
	RetryCount  int                  `gorm:"not null;default:0"`
	MaxAttempts int                  `gorm:"not null;default:3"`
	LastError   string               `gorm:"type:text"`
	NextRetryAt *time.Time           `gorm:"index:idx_sync_jobs_ready,priority:2"`
	ProcessedAt *time.Time
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (SyncJobModel) TableName() string {
	return "sync_jobs"
}

// ToDomain converts the persistence model to a domain SyncJob
func (m *SyncJobModel) ToDomain() *entitysync.SyncJob {
	return &entitysync.SyncJob{
		ID:          m.ID,
		DedupKey:    m.DedupKey,
		Kind:        m.Kind,
		Payload:     []byte(m.Payload),
		Status:      m.Status,
		RetryCount:  m.RetryCount,
		MaxAttempts: m.MaxAttempts,
		LastError:   m.LastError,
		NextRetryAt: m.NextRetryAt,
		ProcessedAt: m.ProcessedAt,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

// SyncJobModelFromDomain creates a new persistence model from a domain SyncJob
func SyncJobModelFromDomain(j *entitysync.SyncJob) *SyncJobModel {
	return &SyncJobModel{
		ID:          j.ID,
		DedupKey:    j.DedupKey,
		Kind:        j.Kind,
		Payload:     datatypes.JSON(j.Payload),
		Status:      j.Status,
		RetryCount:  j.RetryCount,
		MaxAttempts: j.MaxAttempts,
		LastError:   j.LastError,
		NextRetryAt: j.NextRetryAt,
		ProcessedAt: j.ProcessedAt,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
}

// ---------------------------------------------------------------------------
// SyncStateModel
// ---------------------------------------------------------------------------

// SyncStateModel stores the poll watermark of one (system, entity type) scope
type SyncStateModel struct {
	Scope         string    `gorm:"type:varchar(64);primary_key"`
	Watermark     time.Time `gorm:"not null"`
	LastSuccessAt *time.Time
	LastAttemptAt *time.Time
	LastError     string `gorm:"type:text"`
	Stats         datatypes.JSON
	UpdatedAt     time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (SyncStateModel) TableName() string {
	return "sync_states"
}

// ToDomain converts the persistence model to a domain SyncState
func (m *SyncStateModel) ToDomain() *entitysync.SyncState {
	s := &entitysync.SyncState{
		Scope:         m.Scope,
		Watermark:     m.Watermark,
		LastSuccessAt: m.LastSuccessAt,
		LastAttemptAt: m.LastAttemptAt,
		LastError:     m.LastError,
		UpdatedAt:     m.UpdatedAt,
	}
	if len(m.Stats) > 0 {
		// Stats are informational; a malformed value leaves them zeroed.
		_ = json.Unmarshal(m.Stats, &s.Stats)
	}
	return s
}

// SyncStateModelFromDomain creates a new persistence model from a domain SyncState
func SyncStateModelFromDomain(s *entitysync.SyncState) *SyncStateModel {
	stats, _ := json.Marshal(s.Stats)
	return &SyncStateModel{
		Scope:         s.Scope,
		Watermark:     s.Watermark,
		LastSuccessAt: s.LastSuccessAt,
		LastAttemptAt: s.LastAttemptAt,
		LastError:     s.LastError,
		Stats:         datatypes.JSON(stats),
		UpdatedAt:     s.UpdatedAt,
	}
}

// EntitySyncModels returns every model of the entity sync schema, for AutoMigrate
func EntitySyncModels() []any {
	return []any{
		&EntityMappingModel{},
		&SyncLogModel{},
		&SyncJobModel{},
		&SyncStateModel{},
	}
}

func jsonColumn(raw json.RawMessage) datatypes.JSON {
	if len(raw) == 0 {
		return nil
	}
	return datatypes.JSON(raw)
}

func rawJSON(col datatypes.JSON) json.RawMessage {
	if len(col) == 0 {
		return nil
	}
	return json.RawMessage(col)
}
