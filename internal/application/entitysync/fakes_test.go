package entitysync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/erp/syncbridge/internal/domain/entitysync"
	"github.com/erp/syncbridge/internal/domain/shared"
	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Clock
// ---------------------------------------------------------------------------

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// ---------------------------------------------------------------------------
// Mapping repository
// ---------------------------------------------------------------------------

type fakeMappingRepo struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]entitysync.EntityMapping
	now     func() time.Time
	updates int
}

func newFakeMappingRepo(now func() time.Time) *fakeMappingRepo {
	return &fakeMappingRepo{rows: map[uuid.UUID]entitysync.EntityMapping{}, now: now}
}

func (r *fakeMappingRepo) FindByID(_ context.Context, id uuid.UUID) (*entitysync.EntityMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &m, nil
}

func (r *fakeMappingRepo) FindByEntityID(_ context.Context, entityType entitysync.EntityType, side entitysync.Side, id string) (*entitysync.EntityMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m := r.lookup(entityType, side, id); m != nil {
		return m, nil
	}
	return nil, shared.ErrNotFound
}

func (r *fakeMappingRepo) lookup(entityType entitysync.EntityType, side entitysync.Side, id string) *entitysync.EntityMapping {
	for _, m := range r.rows {
		if m.EntityType == entityType && m.SideID(side) == id {
			c := m
			return &c
		}
	}
	return nil
}

func (r *fakeMappingRepo) taken(m *entitysync.EntityMapping, self uuid.UUID) bool {
	for _, side := range []entitysync.Side{entitysync.SideA, entitysync.SideB} {
		id := m.SideID(side)
		if id == "" {
			continue
		}
		if other := r.lookup(m.EntityType, side, id); other != nil && other.ID != self {
			return true
		}
	}
	return false
}

func (r *fakeMappingRepo) FindStale(_ context.Context, entityType entitysync.EntityType, olderThan time.Time, limit int) ([]entitysync.EntityMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []entitysync.EntityMapping
	for _, m := range r.rows {
		if m.EntityType == entityType && m.LastSyncAt.Before(olderThan) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSyncAt.Before(out[j].LastSyncAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeMappingRepo) FindAll(_ context.Context, entityType entitysync.EntityType) ([]entitysync.EntityMapping, error) {
	return r.FindStale(context.Background(), entityType, time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC), 0)
}

func (r *fakeMappingRepo) Create(_ context.Context, m *entitysync.EntityMapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.taken(m, m.ID) {
		return shared.ErrAlreadyExists
	}
	m.Version = 1
	m.LastSyncAt = r.now()
	r.rows[m.ID] = *m
	return nil
}

func (r *fakeMappingRepo) Update(_ context.Context, id uuid.UUID, p entitysync.MappingPatch) (*entitysync.EntityMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	if p.ExpectedVersion != 0 && p.ExpectedVersion != m.Version {
		return nil, shared.ErrConcurrencyConflict
	}
	m.SideAID, m.SideBID = p.SideAID, p.SideBID
	m.SideAChecksum, m.SideBChecksum = p.SideAChecksum, p.SideBChecksum
	m.SideAUpdatedAt, m.SideBUpdatedAt = p.SideAUpdatedAt, p.SideBUpdatedAt
	m.LastSyncSource = p.LastSyncSource
	m.LastSyncTransactionID = p.LastSyncTransactionID
	if r.taken(&m, id) {
		return nil, shared.ErrAlreadyExists
	}
	m.Version++
	m.LastSyncAt = r.now()
	r.rows[id] = m
	r.updates++
	out := m
	return &out, nil
}

func (r *fakeMappingRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[id]; !ok {
		return shared.ErrNotFound
	}
	delete(r.rows, id)
	return nil
}

func (r *fakeMappingRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

// ---------------------------------------------------------------------------
// Sync log repository
// ---------------------------------------------------------------------------

type fakeLogRepo struct {
	mu   sync.Mutex
	rows []*entitysync.SyncLog
	// closeFailures makes the next n Close calls fail
	closeFailures int
}

func (r *fakeLogRepo) Create(_ context.Context, l *entitysync.SyncLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *l
	r.rows = append(r.rows, &c)
	return nil
}

func (r *fakeLogRepo) Close(_ context.Context, l *entitysync.SyncLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closeFailures > 0 {
		r.closeFailures--
		return errors.New("connection reset by peer")
	}
	for i, row := range r.rows {
		if row.ID != l.ID {
			continue
		}
		if row.Status.IsTerminal() || !l.Status.IsTerminal() {
			return shared.ErrInvalidState
		}
		c := *l
		r.rows[i] = &c
		return nil
	}
	return shared.ErrNotFound
}

func (r *fakeLogRepo) FindByID(_ context.Context, id uuid.UUID) (*entitysync.SyncLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ID == id {
			c := *row
			return &c, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (r *fakeLogRepo) FindByTransactionID(_ context.Context, txID string) ([]entitysync.SyncLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []entitysync.SyncLog
	for _, row := range r.rows {
		if row.TransactionID == txID {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (r *fakeLogRepo) CountByStatus(context.Context) (map[entitysync.SyncLogStatus]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[entitysync.SyncLogStatus]int64{}
	for _, row := range r.rows {
		out[row.Status]++
	}
	return out, nil
}

func (r *fakeLogRepo) all() []entitysync.SyncLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entitysync.SyncLog, 0, len(r.rows))
	for _, row := range r.rows {
		out = append(out, *row)
	}
	return out
}

func (r *fakeLogRepo) last() entitysync.SyncLog {
	rows := r.all()
	return rows[len(rows)-1]
}

// ---------------------------------------------------------------------------
// External system
// ---------------------------------------------------------------------------

type fakeSystem struct {
	mu      sync.Mutex
	prefix  string
	records map[string]entitysync.Snapshot
	now     func() time.Time
	seq     int
	calls   map[string]int

	fetchErr  error
	writeErr  error
	listErr   error
	listItems []entitysync.Snapshot
	// inclusive lists changes at exactly since too, like vendors with second-precision stamps
	inclusive bool
	// when set, Update signals entered and waits on gate before writing
	gate    chan struct{}
	entered chan struct{}
}

func newFakeSystem(prefix string, now func() time.Time) *fakeSystem {
	return &fakeSystem{
		prefix:  prefix,
		records: map[string]entitysync.Snapshot{},
		now:     now,
		calls:   map[string]int{},
	}
}

func (s *fakeSystem) put(id, key string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = entitysync.Snapshot{ID: id, NaturalKey: key, UpdatedAt: s.now(), Data: data}
}

func (s *fakeSystem) get(id string) entitysync.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id]
}

func (s *fakeSystem) callCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *fakeSystem) Fetch(_ context.Context, id string) (*entitysync.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["fetch"]++
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	rec, ok := s.records[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &rec, nil
}

func (s *fakeSystem) ListChangedSince(_ context.Context, since time.Time) ([]entitysync.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["list"]++
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []entitysync.Snapshot
	for _, snap := range s.listItems {
		if snap.UpdatedAt.After(since) || (s.inclusive && snap.UpdatedAt.Equal(since)) {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (s *fakeSystem) Create(_ context.Context, data map[string]any) (*entitysync.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["create"]++
	if s.writeErr != nil {
		return nil, s.writeErr
	}
	s.seq++
	id := fmt.Sprintf("%s-%d", s.prefix, s.seq)
	key, _ := data["number"].(string)
	rec := entitysync.Snapshot{ID: id, NaturalKey: key, UpdatedAt: s.now(), Data: withID(id, data)}
	s.records[id] = rec
	return &rec, nil
}

func (s *fakeSystem) Update(_ context.Context, id string, data map[string]any) (*entitysync.Snapshot, error) {
	if s.gate != nil {
		s.entered <- struct{}{}
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["update"]++
	if s.writeErr != nil {
		return nil, s.writeErr
	}
	rec, ok := s.records[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	rec.Data = withID(id, data)
	rec.UpdatedAt = s.now()
	s.records[id] = rec
	return &rec, nil
}

func (s *fakeSystem) FindByNaturalKey(_ context.Context, key string) (*entitysync.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["find_key"]++
	for _, rec := range s.records {
		if rec.NaturalKey == key {
			r := rec
			return &r, nil
		}
	}
	return nil, nil
}

func withID(id string, data map[string]any) map[string]any {
	out := make(map[string]any, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	out["id"] = id
	return out
}

type fakeRegistry map[entitysync.System]*fakeSystem

func (r fakeRegistry) Client(system entitysync.System, _ entitysync.EntityType) (entitysync.EntityClient, error) {
	c, ok := r[system]
	if !ok {
		return nil, fmt.Errorf("%w: %s", entitysync.ErrNoClient, system)
	}
	return c, nil
}

// copyTransformer forwards business fields and drops the source's own id
var copyTransformer = entitysync.TransformerFunc(func(_ entitysync.EntityType, _ entitysync.Direction, src entitysync.Snapshot) (map[string]any, error) {
	out := map[string]any{}
	for k, v := range src.Data {
		if k != "id" {
			out[k] = v
		}
	}
	return out, nil
})

// ---------------------------------------------------------------------------
// Leases
// ---------------------------------------------------------------------------

type fakeLeases struct {
	mu       sync.Mutex
	held     map[string]bool
	acquired []string
}

func newFakeLeases() *fakeLeases { return &fakeLeases{held: map[string]bool{}} }

type fakeLease struct {
	m   *fakeLeases
	key string
}

func (l *fakeLease) Release(context.Context) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	delete(l.m.held, l.key)
	return nil
}

func (m *fakeLeases) Acquire(_ context.Context, key string, _ time.Duration) (entitysync.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] {
		return nil, entitysync.ErrLeaseNotAcquired
	}
	m.held[key] = true
	m.acquired = append(m.acquired, key)
	return &fakeLease{m: m, key: key}, nil
}

func (m *fakeLeases) isHeld(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held[key]
}

// ---------------------------------------------------------------------------
// Observer
// ---------------------------------------------------------------------------

type recordingObserver struct {
	mu     sync.Mutex
	events []entitysync.Event
}

func (o *recordingObserver) OnSyncEvent(_ context.Context, e entitysync.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
}

func (o *recordingObserver) steps() []entitysync.Step {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]entitysync.Step, 0, len(o.events))
	for _, e := range o.events {
		out = append(out, e.Step)
	}
	return out
}

func (o *recordingObserver) reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = nil
}

// ---------------------------------------------------------------------------
// Job repository
// ---------------------------------------------------------------------------

type fakeJobRepo struct {
	mu         sync.Mutex
	jobs       map[uuid.UUID]*entitysync.SyncJob
	byKey      map[string]uuid.UUID
	enqueueErr error
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: map[uuid.UUID]*entitysync.SyncJob{}, byKey: map[string]uuid.UUID{}}
}

func (r *fakeJobRepo) Enqueue(_ context.Context, job *entitysync.SyncJob) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enqueueErr != nil {
		return false, r.enqueueErr
	}
	if _, ok := r.byKey[job.DedupKey]; ok {
		return false, nil
	}
	c := *job
	r.jobs[job.ID] = &c
	r.byKey[job.DedupKey] = job.ID
	return true, nil
}

func (r *fakeJobRepo) ClaimReady(_ context.Context, now time.Time, limit int) ([]*entitysync.SyncJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entitysync.SyncJob
	for _, j := range r.jobs {
		if len(out) >= limit {
			break
		}
		ready := j.Status == entitysync.JobStatusPending ||
			(j.Status == entitysync.JobStatusFailed && j.NextRetryAt != nil && !j.NextRetryAt.After(now))
		if ready {
			j.Status = entitysync.JobStatusProcessing
			c := *j
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *fakeJobRepo) Update(_ context.Context, job *entitysync.SyncJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; !ok {
		return shared.ErrNotFound
	}
	c := *job
	r.jobs[job.ID] = &c
	return nil
}

func (r *fakeJobRepo) FindByID(_ context.Context, id uuid.UUID) (*entitysync.SyncJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	c := *j
	return &c, nil
}

func (r *fakeJobRepo) FindDead(_ context.Context, page, pageSize int) ([]*entitysync.SyncJob, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var dead []*entitysync.SyncJob
	for _, j := range r.jobs {
		if j.Status == entitysync.JobStatusDead {
			c := *j
			dead = append(dead, &c)
		}
	}
	sort.Slice(dead, func(i, k int) bool { return dead[i].DedupKey < dead[k].DedupKey })
	total := int64(len(dead))
	start := (page - 1) * pageSize
	if start >= len(dead) {
		return nil, total, nil
	}
	return dead[start:min(start+pageSize, len(dead))], total, nil
}

func (r *fakeJobRepo) CountByStatus(context.Context) (map[entitysync.JobStatus]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[entitysync.JobStatus]int64{}
	for _, j := range r.jobs {
		out[j.Status]++
	}
	return out, nil
}

func (r *fakeJobRepo) RecoverStuck(context.Context, time.Time) (int64, error) { return 0, nil }

func (r *fakeJobRepo) DeleteFinishedBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func (r *fakeJobRepo) list() []*entitysync.SyncJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*entitysync.SyncJob, 0, len(r.jobs))
	for _, j := range r.jobs {
		c := *j
		out = append(out, &c)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].DedupKey < out[k].DedupKey })
	return out
}

// ---------------------------------------------------------------------------
// Idempotency store
// ---------------------------------------------------------------------------

type fakeDedup struct {
	mu     sync.Mutex
	seen   map[string]bool
	err    error
	forgot []string
}

func newFakeDedup() *fakeDedup { return &fakeDedup{seen: map[string]bool{}} }

func (d *fakeDedup) MarkProcessed(_ context.Context, id string, _ time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	if d.seen[id] {
		return false, nil
	}
	d.seen[id] = true
	return true, nil
}

func (d *fakeDedup) IsProcessed(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[id], nil
}

func (d *fakeDedup) Forget(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
	d.forgot = append(d.forgot, id)
	return nil
}

func (d *fakeDedup) Close() error { return nil }

// ---------------------------------------------------------------------------
// Sync state repository
// ---------------------------------------------------------------------------

type fakeStateRepo struct {
	mu     sync.Mutex
	states map[string]entitysync.SyncState
}

func newFakeStateRepo() *fakeStateRepo {
	return &fakeStateRepo{states: map[string]entitysync.SyncState{}}
}

func (r *fakeStateRepo) Get(_ context.Context, scope string) (*entitysync.SyncState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[scope]
	if !ok {
		return &entitysync.SyncState{Scope: scope}, nil
	}
	return &s, nil
}

func (r *fakeStateRepo) Save(_ context.Context, s *entitysync.SyncState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[s.Scope] = *s
	return nil
}
