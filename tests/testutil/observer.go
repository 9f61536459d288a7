package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/erp/syncbridge/internal/domain/entitysync"
)

// RecordingObserver collects orchestrator events for assertions.
type RecordingObserver struct {
	mu     sync.Mutex
	events []entitysync.Event
}

// OnSyncEvent implements entitysync.Observer
func (o *RecordingObserver) OnSyncEvent(_ context.Context, e entitysync.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
}

// Events returns a copy of the recorded events.
func (o *RecordingObserver) Events() []entitysync.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]entitysync.Event(nil), o.events...)
}

// Steps returns the recorded steps in order.
func (o *RecordingObserver) Steps() []entitysync.Step {
	o.mu.Lock()
	defer o.mu.Unlock()
	steps := make([]entitysync.Step, len(o.events))
	for i, e := range o.events {
		steps[i] = e.Step
	}
	return steps
}

// Outcomes returns the outcomes of terminal events.
func (o *RecordingObserver) Outcomes() []entitysync.Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []entitysync.Outcome
	for _, e := range o.events {
		if e.Outcome != "" {
			out = append(out, e.Outcome)
		}
	}
	return out
}

func (o *RecordingObserver) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = nil
}

// WaitForStep waits until step has been recorded at least count times.
func (o *RecordingObserver) WaitForStep(step entitysync.Step, count int, timeout time.Duration) bool {
	return WaitFor(func() bool {
		n := 0
		for _, s := range o.Steps() {
			if s == step {
				n++
			}
		}
		return n >= count
	}, timeout, 10*time.Millisecond)
}

var _ entitysync.Observer = (*RecordingObserver)(nil)
