package entitysync

import (
	"fmt"
	"strings"
	"time"
)

// Winner names the side whose write should prevail
type Winner string

const (
	WinnerSource Winner = "source"
	WinnerTarget Winner = "target"
)

// Resolution is the outcome of a conflict decision
type Resolution struct {
	ShouldSync bool
	Winner     Winner
	Reason     string
}

// ConflictResolver decides, for a mapped entity, whether the source side's
// change should be written to the target side
type ConflictResolver interface {
	Resolve(sourceUpdatedAt, targetUpdatedAt time.Time, source, target System) Resolution
	Policy() ConflictPolicy
}

// ConflictPolicy selects a ConflictResolver implementation
type ConflictPolicy string

const (
	PolicyFixedPriority  ConflictPolicy = "fixed_priority"
	PolicyLastWriterWins ConflictPolicy = "last_writer_wins"
)

// NewConflictResolver builds the resolver for a configured policy.
// master is only used by the fixed-priority policy.
func NewConflictResolver(policy string, master System) (ConflictResolver, error) {
	switch ConflictPolicy(strings.ToLower(strings.TrimSpace(policy))) {
	case PolicyFixedPriority, "":
		if !master.IsValid() {
			return nil, fmt.Errorf("%w: master system %q", ErrInvalidSystem, master)
		}
		return &FixedPriorityResolver{Master: master}, nil
	case PolicyLastWriterWins:
		return &LastWriterWinsResolver{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
}

// ---------------------------------------------------------------------------
// Fixed priority
// ---------------------------------------------------------------------------

// FixedPriorityResolver lets one system always win. A change originating on
// the non-master side is discarded; the master's state is re-propagated by its
// own next change.
type FixedPriorityResolver struct {
	Master System
}

// Policy implements ConflictResolver
func (r *FixedPriorityResolver) Policy() ConflictPolicy { return PolicyFixedPriority }

// Resolve implements ConflictResolver
func (r *FixedPriorityResolver) Resolve(sourceUpdatedAt, targetUpdatedAt time.Time, source, target System) Resolution {
	switch {
	case source == r.Master:
		return Resolution{
			ShouldSync: true,
			Winner:     WinnerSource,
			Reason:     fmt.Sprintf("%s is master", source),
		}
	case target == r.Master:
		return Resolution{
			ShouldSync: false,
			Winner:     WinnerTarget,
			Reason:     fmt.Sprintf("%s is master; change from %s discarded", target, source),
		}
	}
	// Neither side is master: fall back to timestamps rather than guessing.
	return (&LastWriterWinsResolver{}).Resolve(sourceUpdatedAt, targetUpdatedAt, source, target)
}

// ---------------------------------------------------------------------------
// Last writer wins
// ---------------------------------------------------------------------------

// LastWriterWinsResolver syncs when the source was modified strictly after the target
type LastWriterWinsResolver struct{}

// Policy implements ConflictResolver
func (r *LastWriterWinsResolver) Policy() ConflictPolicy { return PolicyLastWriterWins }

// Resolve implements ConflictResolver
func (r *LastWriterWinsResolver) Resolve(sourceUpdatedAt, targetUpdatedAt time.Time, source, target System) Resolution {
	if targetUpdatedAt.IsZero() {
		return Resolution{
			ShouldSync: true,
			Winner:     WinnerSource,
			Reason:     fmt.Sprintf("%s modification time unknown", target),
		}
	}
	if sourceUpdatedAt.After(targetUpdatedAt) {
		return Resolution{
			ShouldSync: true,
			Winner:     WinnerSource,
			Reason: fmt.Sprintf("%s is newer (%s > %s)", source,
				sourceUpdatedAt.UTC().Format(time.RFC3339), targetUpdatedAt.UTC().Format(time.RFC3339)),
		}
	}
	return Resolution{
		ShouldSync: false,
		Winner:     WinnerTarget,
		Reason: fmt.Sprintf("%s is newer or equal (%s >= %s)", target,
			targetUpdatedAt.UTC().Format(time.RFC3339), sourceUpdatedAt.UTC().Format(time.RFC3339)),
	}
}
