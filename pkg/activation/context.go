// Package activation implements the ActivationEngine (spec §4.3): the
// state machine that drives a module from pending to active (or back) for
// one (module, tenant) pair, under a chosen rollout strategy. Grounded on
// the teacher's governance.LifecycleManager.ExecuteActivation
// (decision-gated activation with a canary-strategy switch) and
// conform.Engine's registered, ordered, deterministic step execution,
// generalized to the full pending -> ... -> active state machine and
// rollback composition spec.md describes.
package activation

import (
	"sync"
	"time"

	"github.com/mindburn-labs/forge/pkg/forgeid"
	"github.com/mindburn-labs/forge/pkg/rollback"
	"github.com/mindburn-labs/forge/pkg/rollout"
)

// State is one point in the activation state machine (spec §3, §4.3).
type State string

const (
	Pending     State = "pending"
	Validating  State = "validating"
	Preparing   State = "preparing"
	Loading     State = "loading"
	Registering State = "registering"
	Migrating   State = "migrating"
	Warming     State = "warming"
	Activating  State = "activating"
	Verifying   State = "verifying"
	Active      State = "active"
	Failed      State = "failed"
	RollingBack State = "rolling_back"
	RolledBack  State = "rolled_back"
)

// forward is the linear order states advance through on the happy path.
var forward = []State{Pending, Validating, Preparing, Loading, Registering, Migrating, Warming, Activating, Verifying, Active}

// StepStatus records what happened the last time a named step ran.
type StepStatus string

const (
	StepDone      StepStatus = "done"
	StepFailedSt  StepStatus = "failed"
	StepSkipped   StepStatus = "already_done"
)

// StepRecord is one entry in an activation's step log.
type StepRecord struct {
	Name        string
	Status      StepStatus
	StartedAt   time.Time
	CompletedAt time.Time
	Err         error
}

// Context is the ephemeral, per-attempt activation record (spec §3).
// Created per attempt; archived to history on completion.
type Context struct {
	ID       forgeid.ActivationID
	Scope    forgeid.Scope
	Version  string
	Prior    string // the tenant's previously active version of this module, if any
	Strategy rollout.Config

	mu       sync.Mutex
	state    State
	stepLog  []StepRecord
	metrics  map[string]any
	recipe   *rollback.Recipe
	deactivate bool
}

func newContext(id forgeid.ActivationID, scope forgeid.Scope, version, prior string, strategy rollout.Config) *Context {
	return &Context{
		ID:       id,
		Scope:    scope,
		Version:  version,
		Prior:    prior,
		Strategy: strategy,
		state:    Pending,
		metrics:  make(map[string]any),
		recipe:   rollback.NewRecipe(string(id), true),
	}
}

// State returns the context's current state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Context) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// StepLog returns a copy of the step execution log.
func (c *Context) StepLog() []StepRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]StepRecord, len(c.stepLog))
	copy(out, c.stepLog)
	return out
}

func (c *Context) recordStep(rec StepRecord) {
	c.mu.Lock()
	c.stepLog = append(c.stepLog, rec)
	c.mu.Unlock()
}

// completedStep reports whether a step with the given name already has a
// Done record, for idempotent re-execution (spec §4.3: re-executing a
// completed step must be a no-op).
func (c *Context) completedStep(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.stepLog {
		if r.Name == name && r.Status == StepDone {
			return true
		}
	}
	return false
}

// Metrics returns a copy of the context's metrics map.
func (c *Context) Metrics() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.metrics))
	for k, v := range c.metrics {
		out[k] = v
	}
	return out
}

func (c *Context) setMetric(k string, v any) {
	c.mu.Lock()
	c.metrics[k] = v
	c.mu.Unlock()
}
