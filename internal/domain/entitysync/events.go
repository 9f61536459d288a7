package entitysync

import (
	"context"
	"time"
)

// Step identifies a point in the sync workflow
type Step string

const (
	StepLeaseDenied      Step = "lease_denied"
	StepSkippedLoop      Step = "skipped_loop"
	StepOrphanLogClosed  Step = "orphan_log_closed"
	StepFetched          Step = "fetched"
	StepSkippedUnchanged Step = "skipped_unchanged"
	StepLogOpened        Step = "log_opened"
	StepConflict         Step = "conflict"
	StepWritten          Step = "written"
	StepLinked           Step = "linked"
	StepNaturalKeySkip   Step = "natural_key_skipped"
	StepMappingUpserted  Step = "mapping_upserted"
	StepSucceeded        Step = "succeeded"
	StepFailed           Step = "failed"
)

// Outcome is the final result of one SyncEntity call
type Outcome string

const (
	OutcomeSkippedLoop      Outcome = "skipped_loop"
	OutcomeSkippedUnchanged Outcome = "skipped_unchanged"
	OutcomeConflict         Outcome = "conflict"
	OutcomeCreated          Outcome = "created"
	OutcomeUpdated          Outcome = "updated"
	OutcomeLinked           Outcome = "linked"
	OutcomeFailed           Outcome = "failed"
)

// Event is emitted by the orchestrator at every workflow step
type Event struct {
	Step           Step
	TransactionID  string
	EntityType     EntityType
	Side           Side
	EntityID       string
	TargetEntityID string
	SyncLogID      string
	MappingID      string
	Outcome        Outcome
	Reason         string
	Err            error
	Duration       time.Duration
	At             time.Time
}

// Observer receives workflow events. Implementations must not block.
type Observer interface {
	OnSyncEvent(ctx context.Context, e Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(ctx context.Context, e Event)

// OnSyncEvent implements Observer
func (f ObserverFunc) OnSyncEvent(ctx context.Context, e Event) { f(ctx, e) }

// MultiObserver fans an event out to several observers
type MultiObserver []Observer

// OnSyncEvent implements Observer
func (m MultiObserver) OnSyncEvent(ctx context.Context, e Event) {
	for _, o := range m {
		if o != nil {
			o.OnSyncEvent(ctx, e)
		}
	}
}

// NopObserver discards all events
type NopObserver struct{}

// OnSyncEvent implements Observer
func (NopObserver) OnSyncEvent(context.Context, Event) {}
