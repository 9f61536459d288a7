package entitysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/erp/syncbridge/internal/domain/entitysync"
	"github.com/erp/syncbridge/internal/domain/shared"
	"github.com/erp/syncbridge/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultLeaseTTL bounds how long one entity stays locked by a single attempt
const DefaultLeaseTTL = 30 * time.Second

// closeTimeout bounds the bookkeeping writes done after the caller's context is gone
const closeTimeout = 5 * time.Second

// SyncRequest asks the orchestrator to propagate one entity from Side to the opposite side
type SyncRequest struct {
	EntityType     entitysync.EntityType
	EntityID       string
	Side           entitysync.Side
	TriggerType    entitysync.TriggerType
	TriggerPayload json.RawMessage
	// TransactionID is stable across retries of the same job. Generated when empty.
	TransactionID string
	// RetryCount is the number of earlier attempts of the job, stored on the log
	RetryCount int
}

// Validate validates the request
func (r SyncRequest) Validate() error {
	if !r.EntityType.IsValid() {
		return shared.NewDomainErrorf(shared.ErrInvalidInput, "unknown entity type %q", r.EntityType)
	}
	if !r.Side.IsValid() {
		return shared.NewDomainErrorf(shared.ErrInvalidInput, "unknown side %q", r.Side)
	}
	if r.EntityID == "" {
		return shared.NewDomainErrorf(shared.ErrInvalidInput, "entity id is required")
	}
	if !r.TriggerType.IsValid() {
		return shared.NewDomainErrorf(shared.ErrInvalidInput, "unknown trigger type %q", r.TriggerType)
	}
	return nil
}

// SyncResult reports what a SyncEntity call did
type SyncResult struct {
	Outcome        entitysync.Outcome
	TransactionID  string
	TargetEntityID string
	MappingID      uuid.UUID
	SyncLogID      uuid.UUID
	Reason         string
}

// OrchestratorDeps are the collaborators of an Orchestrator
type OrchestratorDeps struct {
	Mappings    entitysync.MappingRepository
	Logs        entitysync.SyncLogRepository
	Clients     entitysync.ClientRegistry
	Transformer entitysync.Transformer
	Resolver    entitysync.ConflictResolver
	Leases      entitysync.LeaseManager
}

// OrchestratorOption configures an Orchestrator
type OrchestratorOption func(*Orchestrator)

// WithObserver sets the receiver of workflow events
func WithObserver(obs entitysync.Observer) OrchestratorOption {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithLeaseTTL overrides DefaultLeaseTTL
func WithLeaseTTL(ttl time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if ttl > 0 {
			o.leaseTTL = ttl
		}
	}
}

// WithLoopDetector replaces the default loop detector
func WithLoopDetector(d *entitysync.LoopDetector) OrchestratorOption {
	return func(o *Orchestrator) {
		if d != nil {
			o.loops = d
		}
	}
}

// WithLogger sets the logger used for bookkeeping failures
func WithLogger(l *zap.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// Orchestrator runs the per-entity sync workflow:
// lease, loop check, fetch, change check, log, conflict check, transform,
// write or link, mapping upsert, log close.
type Orchestrator struct {
	mappings    entitysync.MappingRepository
	logs        entitysync.SyncLogRepository
	clients     entitysync.ClientRegistry
	transformer entitysync.Transformer
	resolver    entitysync.ConflictResolver
	leases      entitysync.LeaseManager
	loops       *entitysync.LoopDetector
	observer    entitysync.Observer
	logger      *zap.Logger
	leaseTTL    time.Duration
	now         func() time.Time
}

// NewOrchestrator creates an Orchestrator
func NewOrchestrator(deps OrchestratorDeps, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		mappings:    deps.Mappings,
		logs:        deps.Logs,
		clients:     deps.Clients,
		transformer: deps.Transformer,
		resolver:    deps.Resolver,
		leases:      deps.Leases,
		observer:    entitysync.NopObserver{},
		logger:      zap.NewNop(),
		leaseTTL:    DefaultLeaseTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.loops == nil {
		o.loops = entitysync.NewLoopDetector(deps.Mappings)
	}
	return o
}

// attempt carries the state of one SyncEntity call between steps
type attempt struct {
	req      SyncRequest
	target   entitysync.Side
	started  time.Time
	leaseKey string
	mapping  *entitysync.EntityMapping
	log      *entitysync.SyncLog
}

// SyncEntity propagates the current state of one entity to the other side.
// Skips and conflicts are successful outcomes; only errors should be retried.
func (o *Orchestrator) SyncEntity(ctx context.Context, req SyncRequest) (*SyncResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.TransactionID == "" {
		req.TransactionID = uuid.NewString()
	}

	ctx, span := telemetry.StartSpan(ctx, "entitysync.sync_entity",
		telemetry.WithAttribute(telemetry.SpanAttrEntityType, string(req.EntityType)),
		telemetry.WithAttribute(telemetry.SpanAttrSide, string(req.Side)),
		telemetry.WithAttribute(telemetry.SpanAttrEntityID, req.EntityID),
		telemetry.WithAttribute(telemetry.SpanAttrTransactionID, req.TransactionID),
	)
	defer span.End()

	a := &attempt{req: req, target: req.Side.Opposite(), started: o.now()}

	known, err := o.findMapping(ctx, req.EntityType, req.Side, req.EntityID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("load mapping: %w", err)
	}
	a.leaseKey = entitysync.EntityLeaseKey(req.EntityType, req.Side, req.EntityID, known)
	lease, err := o.leases.Acquire(ctx, a.leaseKey, o.leaseTTL)
	if err != nil {
		if errors.Is(err, entitysync.ErrLeaseNotAcquired) {
			o.emit(ctx, a, entitysync.Event{Step: entitysync.StepLeaseDenied, Err: err})
		}
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("lease %s %s: %w", req.EntityType, req.EntityID, err)
	}
	defer o.release(ctx, lease, req)

	result, err := o.run(ctx, a)
	if err != nil {
		// a lease that moved before anything was opened leaves no log row
		if !errors.Is(err, entitysync.ErrLeaseNotAcquired) || a.log != nil {
			o.failAttempt(ctx, a, err)
		}
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("sync %s %s from %s: %w", req.EntityType, req.EntityID, req.Side.System(), err)
	}
	telemetry.SetAttributes(span, telemetry.SpanAttrOutcome, string(result.Outcome))
	telemetry.SetOK(span)
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, a *attempt) (*SyncResult, error) {
	req := a.req

	mapping, err := o.findMapping(ctx, req.EntityType, req.Side, req.EntityID)
	if err != nil {
		return nil, fmt.Errorf("load mapping: %w", err)
	}
	a.mapping = mapping

	// The mapping gained or changed sides between the lookup and the lease
	if key := entitysync.EntityLeaseKey(req.EntityType, req.Side, req.EntityID, mapping); key != a.leaseKey {
		err := fmt.Errorf("%w: entity now locked as %s", entitysync.ErrLeaseNotAcquired, key)
		o.emit(ctx, a, entitysync.Event{Step: entitysync.StepLeaseDenied, Err: err})
		return nil, err
	}

	if o.loops.IsLoopFor(mapping, req.TransactionID) {
		if mapping != nil && mapping.LastSyncTransactionID == req.TransactionID {
			o.closeOrphanedLogs(ctx, a)
		}
		o.emit(ctx, a, entitysync.Event{Step: entitysync.StepSkippedLoop, Outcome: entitysync.OutcomeSkippedLoop})
		return o.result(a, entitysync.OutcomeSkippedLoop, "", "recent sync or same transaction"), nil
	}

	sourceClient, err := o.clients.Client(req.Side.System(), req.EntityType)
	if err != nil {
		return nil, err
	}
	targetClient, err := o.clients.Client(a.target.System(), req.EntityType)
	if err != nil {
		return nil, err
	}

	source, err := sourceClient.Fetch(ctx, req.EntityID)
	if err != nil {
		return nil, fmt.Errorf("fetch source: %w", err)
	}
	sourceChecksum, err := entitysync.Checksum(source.Data)
	if err != nil {
		return nil, err
	}
	o.emit(ctx, a, entitysync.Event{Step: entitysync.StepFetched})

	if entitysync.IsDataUnchangedFor(mapping, req.Side, sourceChecksum) {
		o.emit(ctx, a, entitysync.Event{Step: entitysync.StepSkippedUnchanged, Outcome: entitysync.OutcomeSkippedUnchanged})
		return o.result(a, entitysync.OutcomeSkippedUnchanged, mapping.SideID(a.target), "checksum unchanged"), nil
	}

	if err := o.openLog(ctx, a, source); err != nil {
		return nil, err
	}

	var targetID string
	if mapping != nil && mapping.HasCounterpart(req.Side) {
		targetID = mapping.SideID(a.target)
		current, err := targetClient.Fetch(ctx, targetID)
		if err != nil {
			return nil, fmt.Errorf("fetch target %s: %w", targetID, err)
		}
		if a.log.TargetDataBefore, err = json.Marshal(current.Data); err != nil {
			return nil, err
		}
		targetChanged, err := targetChangedSinceSync(mapping, a.target, current)
		if err != nil {
			return nil, err
		}
		// Only a change on both sides is a conflict
		if targetChanged {
			targetUpdatedAt := current.UpdatedAt
			if targetUpdatedAt.IsZero() {
				targetUpdatedAt = mapping.UpdatedAtOn(a.target)
			}
			res := o.resolver.Resolve(source.UpdatedAt, targetUpdatedAt, req.Side.System(), a.target.System())
			if !res.ShouldSync {
				return o.conflict(ctx, a, targetID, res.Reason)
			}
		}
	}

	data, err := o.transformer.Transform(req.EntityType, entitysync.DirectionFrom(req.Side), *source)
	if err != nil {
		return nil, fmt.Errorf("transform: %w", err)
	}

	var (
		written *entitysync.Snapshot
		outcome entitysync.Outcome
	)
	switch {
	case targetID != "":
		written, err = targetClient.Update(ctx, targetID, data)
		if err != nil {
			return nil, fmt.Errorf("update target %s: %w", targetID, err)
		}
		outcome = entitysync.OutcomeUpdated
		o.emit(ctx, a, entitysync.Event{Step: entitysync.StepWritten, TargetEntityID: written.ID})
	default:
		found, err := o.reconcile(ctx, a, targetClient, source)
		if err != nil {
			return nil, err
		}
		if found != nil {
			written = found
			outcome = entitysync.OutcomeLinked
			o.emit(ctx, a, entitysync.Event{Step: entitysync.StepLinked, TargetEntityID: found.ID})
			break
		}
		written, err = targetClient.Create(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("create target: %w", err)
		}
		outcome = entitysync.OutcomeCreated
		o.emit(ctx, a, entitysync.Event{Step: entitysync.StepWritten, TargetEntityID: written.ID})
	}

	// The target checksum comes from what the target returned, so the echo
	// webhook of this very write compares equal and is skipped.
	targetChecksum, err := entitysync.Checksum(written.Data)
	if err != nil {
		return nil, err
	}
	if err := o.upsertMapping(ctx, a, source, sourceChecksum, written, targetChecksum); err != nil {
		return nil, fmt.Errorf("upsert mapping: %w", err)
	}
	a.log.EntityMappingID = &a.mapping.ID
	o.emit(ctx, a, entitysync.Event{Step: entitysync.StepMappingUpserted, TargetEntityID: written.ID})

	after, err := json.Marshal(written.Data)
	if err != nil {
		return nil, err
	}
	closed := *a.log
	if err := closed.Complete(written.ID, after); err != nil {
		return nil, err
	}
	if err := o.closeLog(ctx, a, &closed); err != nil {
		return nil, err
	}

	o.emit(ctx, a, entitysync.Event{
		Step:           entitysync.StepSucceeded,
		Outcome:        outcome,
		TargetEntityID: written.ID,
		Duration:       o.now().Sub(a.started),
	})
	return o.result(a, outcome, written.ID, ""), nil
}

func (o *Orchestrator) findMapping(ctx context.Context, entityType entitysync.EntityType, side entitysync.Side, id string) (*entitysync.EntityMapping, error) {
	m, err := o.mappings.FindByEntityID(ctx, entityType, side, id)
	if errors.Is(err, shared.ErrNotFound) {
		return nil, nil
	}
	return m, err
}

func (o *Orchestrator) openLog(ctx context.Context, a *attempt, source *entitysync.Snapshot) error {
	log := o.newLog(a)
	data, err := json.Marshal(source.Data)
	if err != nil {
		return err
	}
	log.SourceData = data
	if err := o.logs.Create(ctx, log); err != nil {
		return fmt.Errorf("open sync log: %w", err)
	}
	a.log = log
	o.emit(ctx, a, entitysync.Event{Step: entitysync.StepLogOpened})
	return nil
}

func (o *Orchestrator) newLog(a *attempt) *entitysync.SyncLog {
	log := entitysync.NewSyncLog(a.req.TransactionID, a.req.EntityType, a.req.Side, a.req.EntityID, a.req.TriggerType)
	log.TriggerPayload = a.req.TriggerPayload
	log.RetryCount = a.req.RetryCount
	if a.mapping != nil {
		id := a.mapping.ID
		log.EntityMappingID = &id
	}
	return log
}

func (o *Orchestrator) conflict(ctx context.Context, a *attempt, targetID, reason string) (*SyncResult, error) {
	closed := *a.log
	closed.TargetEntityID = targetID
	if err := closed.MarkConflict(reason); err != nil {
		return nil, err
	}
	if err := o.closeLog(ctx, a, &closed); err != nil {
		return nil, err
	}
	o.emit(ctx, a, entitysync.Event{
		Step:           entitysync.StepConflict,
		Outcome:        entitysync.OutcomeConflict,
		TargetEntityID: targetID,
		Reason:         reason,
		Duration:       o.now().Sub(a.started),
	})
	return o.result(a, entitysync.OutcomeConflict, targetID, reason), nil
}

// closeLog persists a terminal copy of the attempt's log. The attempt keeps
// its open log until the write succeeds, so a failed close is still closed as FAILED.
func (o *Orchestrator) closeLog(ctx context.Context, a *attempt, closed *entitysync.SyncLog) error {
	if err := o.logs.Close(ctx, closed); err != nil {
		return fmt.Errorf("close sync log: %w", err)
	}
	a.log = closed
	return nil
}

// targetChangedSinceSync reports whether the target differs from what the
// last sync recorded for it. An unknown checksum counts as changed.
func targetChangedSinceSync(mapping *entitysync.EntityMapping, target entitysync.Side, current *entitysync.Snapshot) (bool, error) {
	recorded := mapping.Checksum(target)
	if recorded == "" {
		return true, nil
	}
	sum, err := entitysync.Checksum(current.Data)
	if err != nil {
		return false, err
	}
	return sum != recorded, nil
}

// reconcile looks for an unmapped record on the target side carrying the
// source's natural key. A nil snapshot means the target must be created.
// A key that does not decode cannot match anything, so the lookup is skipped.
func (o *Orchestrator) reconcile(ctx context.Context, a *attempt, target entitysync.EntityClient, source *entitysync.Snapshot) (*entitysync.Snapshot, error) {
	if source.NaturalKey == "" {
		return nil, nil
	}
	key, err := entitysync.TranslateNaturalKey(a.req.EntityType, a.req.Side, source.NaturalKey)
	if errors.Is(err, entitysync.ErrInvalidNaturalKey) {
		o.emit(ctx, a, entitysync.Event{Step: entitysync.StepNaturalKeySkip, Reason: source.NaturalKey, Err: err})
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	found, err := target.FindByNaturalKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("find target by natural key %q: %w", key, err)
	}
	return found, nil
}

func (o *Orchestrator) upsertMapping(
	ctx context.Context,
	a *attempt,
	source *entitysync.Snapshot,
	sourceChecksum string,
	written *entitysync.Snapshot,
	targetChecksum string,
) error {
	req := a.req
	record := func(m *entitysync.EntityMapping) {
		m.RecordSide(req.Side, req.EntityID, sourceChecksum, source.UpdatedAt)
		m.RecordSide(a.target, written.ID, targetChecksum, written.UpdatedAt)
		m.RecordSync(req.Side, req.TransactionID)
	}

	if a.mapping != nil {
		record(a.mapping)
		updated, err := o.mappings.Update(ctx, a.mapping.ID, a.mapping.Patch())
		if err != nil {
			return err
		}
		a.mapping = updated
		return nil
	}

	m, err := entitysync.NewEntityMapping(req.EntityType, req.Side, req.EntityID)
	if err != nil {
		return err
	}
	record(m)
	err = o.mappings.Create(ctx, m)
	if err == nil {
		a.mapping = m
		return nil
	}
	if !errors.Is(err, shared.ErrAlreadyExists) {
		return err
	}

	// The target record is already mapped. Adopt that row if its source
	// side is still open, otherwise the two records belong to different entities.
	existing, ferr := o.findMapping(ctx, req.EntityType, a.target, written.ID)
	if ferr != nil || existing == nil || existing.SideID(req.Side) != "" {
		return err
	}
	record(existing)
	updated, err := o.mappings.Update(ctx, existing.ID, existing.Patch())
	if err != nil {
		return err
	}
	a.mapping = updated
	return nil
}

// closeOrphanedLogs fails the IN_PROGRESS rows of a transaction whose mapping
// upsert already landed. They belong to an earlier attempt that could not
// close its own log.
func (o *Orchestrator) closeOrphanedLogs(ctx context.Context, a *attempt) {
	logs, err := o.logs.FindByTransactionID(ctx, a.req.TransactionID)
	if err != nil {
		o.logger.Warn("failed to look up open sync logs",
			zap.String("transaction_id", a.req.TransactionID),
			zap.Error(err))
		return
	}
	for i := range logs {
		orphan := logs[i]
		if orphan.IsTerminal() || orphan.Fail(entitysync.ErrLogLeftOpen) != nil {
			continue
		}
		if err := o.logs.Close(ctx, &orphan); err != nil {
			o.logger.Warn("failed to close orphaned sync log",
				zap.String("sync_log_id", orphan.ID.String()),
				zap.Error(err))
			continue
		}
		o.emit(ctx, a, entitysync.Event{Step: entitysync.StepOrphanLogClosed, SyncLogID: orphan.ID.String()})
	}
}

// failAttempt closes the attempt's log as FAILED, opening one first when the
// failure happened before the log existed.
func (o *Orchestrator) failAttempt(ctx context.Context, a *attempt, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()

	event := entitysync.Event{
		Step:     entitysync.StepFailed,
		Outcome:  entitysync.OutcomeFailed,
		Err:      cause,
		Duration: o.now().Sub(a.started),
	}

	if a.log == nil {
		a.log = o.newLog(a)
		if err := o.logs.Create(ctx, a.log); err != nil {
			o.logger.Error("failed to record sync failure",
				zap.String("transaction_id", a.req.TransactionID),
				zap.Error(err))
			o.emit(ctx, a, event)
			return
		}
	}
	if a.log.IsTerminal() {
		o.emit(ctx, a, event)
		return
	}
	if err := a.log.Fail(cause); err == nil {
		if err := o.logs.Close(ctx, a.log); err != nil {
			o.logger.Error("failed to close sync log",
				zap.String("sync_log_id", a.log.ID.String()),
				zap.Error(err))
		}
	}
	o.emit(ctx, a, event)
}

func (o *Orchestrator) release(ctx context.Context, lease entitysync.Lease, req SyncRequest) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := lease.Release(ctx); err != nil {
		o.logger.Warn("failed to release entity lease",
			zap.String("entity_type", string(req.EntityType)),
			zap.String("entity_id", req.EntityID),
			zap.Error(err))
	}
}

func (o *Orchestrator) emit(ctx context.Context, a *attempt, e entitysync.Event) {
	e.TransactionID = a.req.TransactionID
	e.EntityType = a.req.EntityType
	e.Side = a.req.Side
	e.EntityID = a.req.EntityID
	if a.log != nil {
		e.SyncLogID = a.log.ID.String()
	}
	if a.mapping != nil {
		e.MappingID = a.mapping.ID.String()
	}
	e.At = o.now()
	o.observer.OnSyncEvent(ctx, e)
}

func (o *Orchestrator) result(a *attempt, outcome entitysync.Outcome, targetID, reason string) *SyncResult {
	r := &SyncResult{
		Outcome:        outcome,
		TransactionID:  a.req.TransactionID,
		TargetEntityID: targetID,
		Reason:         reason,
	}
	if a.mapping != nil {
		r.MappingID = a.mapping.ID
	}
	if a.log != nil {
		r.SyncLogID = a.log.ID
	}
	return r
}
