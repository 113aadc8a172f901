package activation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mindburn-labs/forge/pkg/config"
	"github.com/mindburn-labs/forge/pkg/errs"
	"github.com/mindburn-labs/forge/pkg/events"
	"github.com/mindburn-labs/forge/pkg/forgeid"
	"github.com/mindburn-labs/forge/pkg/health"
	"github.com/mindburn-labs/forge/pkg/manifest"
	"github.com/mindburn-labs/forge/pkg/ports"
	"github.com/mindburn-labs/forge/pkg/registry"
	"github.com/mindburn-labs/forge/pkg/resolver"
	"github.com/mindburn-labs/forge/pkg/rollback"
	"github.com/mindburn-labs/forge/pkg/rollout"
)

// Sandbox abstracts the teacher's runtime/sandbox allocation step (prepare
// allocates, warm primes, release tears down). The wazero-backed
// implementation lives in pkg/sandbox.
type Sandbox interface {
	Allocate(ctx context.Context, scope forgeid.Scope, def *manifest.Definition) error
	Warm(ctx context.Context, scope forgeid.Scope) error
	Release(ctx context.Context, scope forgeid.Scope) error
}

// Engine drives the activation/deactivation state machine (spec §4.3).
type Engine struct {
	registry   registry.Registry
	resolver   *resolver.Resolver
	loader     ports.ModuleLoader
	migrations ports.MigrationRunner
	router     ports.TrafficRouter
	health     *health.Checker
	sandboxes  Sandbox
	bus        *events.Bus
	rollback   *rollback.Controller

	pipeline         []Step
	conflictStrategy resolver.Strategy
	cfg              *config.Config
	locks            *lockTable
	logger           *slog.Logger

	archive *history
}

// Deps bundles the collaborators an Engine is built from.
type Deps struct {
	Registry   registry.Registry
	Resolver   *resolver.Resolver
	Loader     ports.ModuleLoader
	Migrations ports.MigrationRunner
	Router     ports.TrafficRouter
	Health     *health.Checker
	Sandboxes  Sandbox
	Bus        *events.Bus
	Config     *config.Config
	// RedisClient, if set, promotes the per-scope activation lock from
	// process-local to cluster-wide via SETNX (see lockTable).
	RedisClient *redis.Client
}

// New constructs an ActivationEngine.
func New(d Deps) *Engine {
	cfg := d.Config
	if cfg == nil {
		cfg = config.Load()
	}
	locks := newLockTable(cfg.MaxConcurrentActivations)
	if d.RedisClient != nil {
		locks = newLockTableWithRedis(cfg.MaxConcurrentActivations, d.RedisClient, cfg.ActivationTimeout)
	}

	return &Engine{
		registry:         d.Registry,
		resolver:         d.Resolver,
		loader:           d.Loader,
		migrations:       d.Migrations,
		router:           d.Router,
		health:           d.Health,
		sandboxes:        d.Sandboxes,
		bus:              d.Bus,
		rollback:         rollback.New(cfg.RollbackTimeout),
		pipeline:         defaultPipeline(),
		conflictStrategy: resolver.Balanced,
		cfg:              cfg,
		locks:            locks,
		logger:           slog.Default().With("component", "activation"),
		archive:          newHistory(),
	}
}

// RegisterStep appends a custom step to the pipeline (design note §9's
// extension interface for custom steps), inserted before "activate" so
// custom preconditions run ahead of traffic promotion.
func (e *Engine) RegisterStep(step Step) {
	insertAt := len(e.pipeline)
	for i, s := range e.pipeline {
		if s.Name == "activate" {
			insertAt = i
			break
		}
	}
	e.pipeline = append(e.pipeline[:insertAt:insertAt], append([]Step{step}, e.pipeline[insertAt:]...)...)
}

// SetConflictStrategy sets the resolver strategy Activate uses during
// validation.
func (e *Engine) SetConflictStrategy(s resolver.Strategy) { e.conflictStrategy = s }

// Activate drives def from pending to active for the scope under the
// given rollout strategy (spec §4.3). A concurrent call for the same
// scope either joins-waits or is rejected with ACTIVATION_IN_PROGRESS
// depending on the configured queue policy.
func (e *Engine) Activate(ctx context.Context, scope forgeid.Scope, def *manifest.Definition, strategy rollout.Config) errs.Result[*Context] {
	release, lockErr := e.locks.acquire(ctx, scope, e.cfg.ActivationQueuePolicy)
	if lockErr != nil {
		return errs.Fail[*Context](nil, toError(lockErr))
	}
	defer release()

	var prior string
	if active, ok := e.registry.GetActive(scope.Tenant, def.ID); ok {
		prior = active.Definition.Version
	}

	ac := newContext(forgeid.ActivationID(uuid.NewString()), scope, def.Version, prior, strategy)

	ctx, cancel := context.WithTimeout(ctx, e.cfg.ActivationTimeout)
	defer cancel()

	e.publish(ac, events.BeforeActivate, nil)
	result := e.run(ctx, ac, def)
	e.publish(ac, events.AfterActivate, map[string]any{"state": string(ac.State())})
	e.archive.add(ac)
	return result
}

func (e *Engine) run(ctx context.Context, ac *Context, def *manifest.Definition) errs.Result[*Context] {
	for _, step := range e.pipeline {
		if ac.completedStep(step.Name) {
			ac.recordStep(StepRecord{Name: step.Name, Status: StepSkipped, StartedAt: time.Now(), CompletedAt: time.Now()})
			continue
		}

		ac.setState(step.State)
		e.publish(ac, events.StepStarted, map[string]any{"step": step.Name})

		stepCtx, cancel := context.WithTimeout(ctx, step.Timeout)
		start := time.Now()
		err := step.Do(stepCtx, e, ac, def)
		cancel()

		if err != nil {
			if stepCtx.Err() != nil && err == stepCtx.Err() {
				err = errs.New(errs.ActivationTimeout, fmt.Sprintf("step %s timed out", step.Name))
			}
			ac.recordStep(StepRecord{Name: step.Name, Status: StepFailedSt, StartedAt: start, CompletedAt: time.Now(), Err: err})
			e.publish(ac, events.StepFailed, map[string]any{"step": step.Name, "error": err.Error()})

			// The failing step itself never reached recipe.Append, so its
			// own Undo (e.g. undoActivate resetting router weights) would
			// otherwise never run even though it may have partially applied
			// side effects before returning err.
			if undoErr := step.Undo(ctx, e, ac, def); undoErr != nil {
				e.logger.ErrorContext(ctx, "undo failed step", "step", step.Name, "error", undoErr)
			}
			return e.onFailure(ctx, ac, def, err)
		}

		ac.recordStep(StepRecord{Name: step.Name, Status: StepDone, StartedAt: start, CompletedAt: time.Now()})
		// Undo is only meaningful once the step has actually completed.
		undoStep := step
		ac.recipe.Append(undoStepRecord(e, ac, def, undoStep))
		e.publish(ac, events.StepCompleted, map[string]any{"step": step.Name})
	}

	ac.setState(Active)
	return errs.Ok(ac)
}

func undoStepRecord(eng *Engine, ac *Context, def *manifest.Definition, step Step) rollback.CompletedStep {
	return rollback.CompletedStep{
		Name: step.Name,
		Undo: func(ctx context.Context) error {
			return step.Undo(ctx, eng, ac, def)
		},
	}
}

func (e *Engine) onFailure(ctx context.Context, ac *Context, def *manifest.Definition, cause error) errs.Result[*Context] {
	ac.setState(Failed)

	if errs.Recoverable(errs.KindOf(cause)) {
		// Recoverable errors (VALIDATION, DEPENDENCY_UNRESOLVED, ...)
		// surface to the caller without state mutation: nothing ran yet
		// that needs undoing beyond what failed.
		return errs.Fail[*Context](ac, toError(cause))
	}

	ac.setState(RollingBack)
	e.publish(ac, events.RollbackStarted, nil)

	outcome, rbErr := e.rollback.Execute(ctx, ac.recipe)
	if rbErr != nil {
		e.publish(ac, events.ErrorEvent, map[string]any{"error": rbErr.Error(), "partial": outcome.PartiallyRolledBack})
		ac.setState(Failed)
		return errs.Fail[*Context](ac, errs.New(errs.Critical, "rollback failed, manual intervention required"), toError(cause))
	}

	e.publish(ac, events.RollbackCompleted, nil)
	ac.setState(RolledBack)
	return errs.Fail[*Context](ac, toError(cause))
}

func toError(err error) *errs.Error {
	if e, ok := err.(*errs.Error); ok {
		return e
	}
	return errs.Wrap(errs.Critical, "activation failed", err)
}

func (e *Engine) publish(ac *Context, kind events.Kind, payload map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ac.Scope, kind, payload)
}

// Deactivate reverses an active module back to inactive, running the same
// undo machinery as a failed activation's rollback.
func (e *Engine) Deactivate(ctx context.Context, scope forgeid.Scope, def *manifest.Definition) errs.Result[*Context] {
	release, lockErr := e.locks.acquire(ctx, scope, e.cfg.ActivationQueuePolicy)
	if lockErr != nil {
		return errs.Fail[*Context](nil, toError(lockErr))
	}
	defer release()

	ac := newContext(forgeid.ActivationID(uuid.NewString()), scope, def.Version, "", rollout.Config{Kind: rollout.Instant})
	ac.deactivate = true
	e.publish(ac, events.BeforeDeactivate, nil)

	if e.router != nil {
		_ = e.router.SetWeight(ctx, def.ID, scope.Tenant, def.Version, 0)
	}
	if err := e.registry.SetStatus(ctx, scope.Tenant, def.ID, def.Version, registry.Inactive); err != nil {
		return errs.Fail[*Context](ac, toError(err))
	}

	ac.setState(RolledBack)
	e.publish(ac, events.AfterDeactivate, nil)
	e.archive.add(ac)
	return errs.Ok(ac)
}

// History returns archived activation contexts for a scope, most recent
// first.
func (e *Engine) History(scope forgeid.Scope) []*Context {
	return e.archive.forScope(scope)
}
