// Package rollback implements the RollbackController (spec §4.6).
// Grounded on the teacher's contracts.CompensationRecipe /
// CompensationStep: Forge's rollback plan *is* a compensation recipe built
// incrementally as activation steps complete, executed in reverse order
// exactly as CompensationRecipe models it.
package rollback

import (
	"context"
	"fmt"
	"time"

	"github.com/mindburn-labs/forge/pkg/errs"
)

// CompletedStep records one activation step that finished and must be
// undone, in order, if the activation fails.
type CompletedStep struct {
	Name       string
	Order      int
	Idempotent bool
	Undo       func(ctx context.Context) error
}

// Recipe is the compensation plan attached to an activation context,
// accumulated as steps complete.
type Recipe struct {
	RunID          string
	Steps          []CompletedStep
	AutoExecutable bool
	CreatedAt      time.Time
}

// NewRecipe creates an empty recipe for a run.
func NewRecipe(runID string, autoExecutable bool) *Recipe {
	return &Recipe{RunID: runID, AutoExecutable: autoExecutable, CreatedAt: time.Now()}
}

// Append records a newly completed step, in completion order.
func (r *Recipe) Append(step CompletedStep) {
	step.Order = len(r.Steps)
	r.Steps = append(r.Steps, step)
}

// UndoFailure records one step's undo that returned an error.
type UndoFailure struct {
	Step string
	Err  error
}

// Outcome is the result of executing a Recipe.
type Outcome struct {
	Completed        []string // step names successfully undone
	Failures         []UndoFailure
	PartiallyRolledBack bool
}

// Controller executes compensation: for each completed step in reverse
// order, invoke its Undo. Any Undo failure is recorded but does not stop
// the remaining undos (best-effort) — it marks the activation as
// partially rolled back and the caller must emit a critical error.
type Controller struct {
	Timeout time.Duration
}

// New creates a RollbackController with the given overall timeout.
func New(timeout time.Duration) *Controller {
	return &Controller{Timeout: timeout}
}

// Execute runs every completed step's Undo in reverse order of completion.
func (c *Controller) Execute(ctx context.Context, recipe *Recipe) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	outcome := &Outcome{}
	for i := len(recipe.Steps) - 1; i >= 0; i-- {
		step := recipe.Steps[i]
		if err := step.Undo(ctx); err != nil {
			outcome.Failures = append(outcome.Failures, UndoFailure{Step: step.Name, Err: err})
			outcome.PartiallyRolledBack = true
			continue
		}
		outcome.Completed = append(outcome.Completed, step.Name)
	}

	if len(outcome.Failures) > 0 {
		return outcome, errs.New(errs.RollbackFailed, fmt.Sprintf("%d of %d undo steps failed", len(outcome.Failures), len(recipe.Steps)))
	}
	return outcome, nil
}
