// Package events implements the ActivationEvent stream exposed to hosts
// (spec §6). Events carry monotonic sequence numbers per (module, tenant)
// scope. Delivery is best-effort, not at-least-once: Publish never blocks,
// and an event is dropped for any subscriber whose buffer is full.
// Grounded on the teacher's
// interfaces.EventRepository append-only log shape generalized to a
// fan-out pub/sub instead of a single repository.
package events

import (
	"sync"
	"time"

	"github.com/mindburn-labs/forge/pkg/forgeid"
)

// Kind enumerates the activation event kinds exposed to hosts.
type Kind string

const (
	BeforeActivate     Kind = "before_activate"
	AfterActivate      Kind = "after_activate"
	BeforeDeactivate   Kind = "before_deactivate"
	AfterDeactivate    Kind = "after_deactivate"
	StepStarted        Kind = "step_started"
	StepCompleted      Kind = "step_completed"
	StepFailed         Kind = "step_failed"
	TrafficShifted     Kind = "traffic_shifted"
	HealthVerdict      Kind = "health_verdict"
	RollbackStarted    Kind = "rollback_started"
	RollbackCompleted  Kind = "rollback_completed"
	ErrorEvent         Kind = "error"
)

// Event is one immutable entry in an activation's event stream.
type Event struct {
	Timestamp time.Time            `json:"ts"`
	Module    forgeid.ModuleID     `json:"module_id"`
	Tenant    forgeid.TenantID     `json:"tenant_id"`
	Seq       int64                `json:"seq"`
	Kind      Kind                 `json:"kind"`
	Payload   map[string]any       `json:"payload,omitempty"`
}

// Bus fans out events to subscribers, assigning a monotonic sequence number
// per (module, tenant) activation. One Bus is shared by an entire Forge
// engine instance; subscribers filter by scope themselves.
type Bus struct {
	mu          sync.Mutex
	seq         map[forgeid.Scope]int64
	subscribers []chan Event
	clock       func() time.Time
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		seq:   make(map[forgeid.Scope]int64),
		clock: time.Now,
	}
}

// WithClock overrides the bus's clock, for deterministic tests.
func (b *Bus) WithClock(clock func() time.Time) *Bus {
	b.clock = clock
	return b
}

// Subscribe returns a channel that receives every event published after
// the call. The channel is buffered; a subscriber that falls 256 events
// behind has its newest event dropped rather than stalling the publisher
// (Publish never blocks on a slow consumer).
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, 256)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// Publish emits an event for the given scope, assigning the next monotonic
// sequence number for that (module, tenant) pair.
func (b *Bus) Publish(scope forgeid.Scope, kind Kind, payload map[string]any) Event {
	b.mu.Lock()
	b.seq[scope]++
	seq := b.seq[scope]
	ev := Event{
		Timestamp: b.clock(),
		Module:    scope.Module,
		Tenant:    scope.Tenant,
		Seq:       seq,
		Kind:      kind,
		Payload:   payload,
	}
	subs := make([]chan Event, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// Best-effort: drop for this slow subscriber rather than block
			// the activation that is publishing.
		}
	}
	return ev
}
