package activation

import (
	"context"
	"fmt"
	"time"

	"github.com/mindburn-labs/forge/pkg/errs"
	"github.com/mindburn-labs/forge/pkg/health"
	"github.com/mindburn-labs/forge/pkg/manifest"
	"github.com/mindburn-labs/forge/pkg/ports"
	"github.com/mindburn-labs/forge/pkg/registry"
	"github.com/mindburn-labs/forge/pkg/resolver"
	"github.com/mindburn-labs/forge/pkg/rollout"
)

// StepFunc is one half of a step's (do, undo) pair (spec §4.3, design
// note §9: a sum type of step kinds, each with a static do/undo pair,
// rather than dynamic dispatch on step name strings).
type StepFunc func(ctx context.Context, eng *Engine, ac *Context, def *manifest.Definition) error

// Step is one named, ordered stage of the activation pipeline.
type Step struct {
	Name     string
	State    State
	Critical bool
	Timeout  time.Duration
	Do       StepFunc
	Undo     StepFunc
}

// defaultPipeline is the fixed forward sequence of activation steps (spec
// §4.3). Hosts may register additional custom steps via RegisterStep
// before the first Activate call; order within it is otherwise immutable.
func defaultPipeline() []Step {
	return []Step{
		{Name: "validate", State: Validating, Critical: true, Timeout: 10 * time.Second, Do: stepValidate, Undo: noop},
		{Name: "prepare", State: Preparing, Critical: true, Timeout: 30 * time.Second, Do: stepPrepare, Undo: undoPrepare},
		{Name: "load", State: Loading, Critical: true, Timeout: 60 * time.Second, Do: stepLoad, Undo: noop},
		{Name: "register", State: Registering, Critical: true, Timeout: 10 * time.Second, Do: stepRegister, Undo: undoRegister},
		{Name: "migrate", State: Migrating, Critical: true, Timeout: 120 * time.Second, Do: stepMigrate, Undo: undoMigrate},
		{Name: "warm", State: Warming, Critical: false, Timeout: 30 * time.Second, Do: stepWarm, Undo: noop},
		{Name: "activate", State: Activating, Critical: true, Timeout: 5 * time.Minute, Do: stepActivate, Undo: undoActivate},
		{Name: "verify", State: Verifying, Critical: true, Timeout: 30 * time.Second, Do: stepVerify, Undo: noop},
	}
}

func noop(context.Context, *Engine, *Context, *manifest.Definition) error { return nil }

// stepValidate is pure: dependency-resolver output OK, permissions and
// conflicts all green. No side effects.
func stepValidate(ctx context.Context, eng *Engine, ac *Context, def *manifest.Definition) error {
	for _, conflictID := range def.Conflicts {
		if _, ok := eng.registry.GetActive(ac.Scope.Tenant, conflictID); ok {
			return errs.New(errs.ModuleConflict, fmt.Sprintf("conflicts with active module %s", conflictID))
		}
	}

	for _, m := range def.Lifecycle.Migrations {
		if !isAdditive(m) {
			return errs.New(errs.Validation, fmt.Sprintf("migration %s is not additive-only", m))
		}
	}

	res := eng.resolver.Resolve(ctx, ac.Scope.Tenant, def, resolver.Strategy(eng.conflictStrategy))
	ac.setMetric("resolution", res)
	if !res.Success() {
		// res.Errors already carries the specific kind per cause (circular
		// dependency -> DependencyConflict, missing required provider ->
		// DependencyUnresolved); surface the first rather than flattening
		// every cause into one generic kind.
		if len(res.Errors) > 0 {
			return res.Errors[0]
		}
		return errs.New(errs.DependencyUnresolved, "dependency resolution failed")
	}
	return nil
}

// isAdditive treats migration declarations without an explicit
// "non-additive" marker as additive; a real deployment inspects the
// MigrationRunner's declared Migration.Additive field directly, this
// string-level check covers lifecycle-policy declarations made before a
// concrete Migration value exists.
func isAdditive(declaration string) bool {
	return declaration != "" && declaration[0] != '!'
}

// stepPrepare allocates a sandbox and reserves quotas.
func stepPrepare(ctx context.Context, eng *Engine, ac *Context, def *manifest.Definition) error {
	if eng.sandboxes == nil {
		return nil
	}
	return eng.sandboxes.Allocate(ctx, ac.Scope, def)
}

func undoPrepare(ctx context.Context, eng *Engine, ac *Context, def *manifest.Definition) error {
	if eng.sandboxes == nil {
		return nil
	}
	return eng.sandboxes.Release(ctx, ac.Scope)
}

// stepLoad fetches and content-verifies the module artifact.
func stepLoad(ctx context.Context, eng *Engine, ac *Context, def *manifest.Definition) error {
	if eng.loader == nil {
		return nil
	}
	artifact, err := eng.loader.Fetch(ctx, def.ID, def.Version)
	if err != nil {
		return errs.Wrap(errs.Critical, "module artifact fetch failed", err)
	}
	ac.setMetric("artifact_digest", artifact.Digest)
	return nil
}

// stepRegister publishes routes/apis/components into a staging scope, not
// yet traffic-bearing.
func stepRegister(ctx context.Context, eng *Engine, ac *Context, def *manifest.Definition) error {
	_, err := eng.registry.Register(ctx, ac.Scope.Tenant, def)
	return err
}

// undoRegister marks a registered entry Failed rather than removing it:
// registry.Status already has a dedicated Failed terminal state, and a
// module that reached registration before a later step failed should stay
// visible (and distinguishable from "never installed"), not disappear.
func undoRegister(ctx context.Context, eng *Engine, ac *Context, def *manifest.Definition) error {
	return eng.registry.SetStatus(ctx, ac.Scope.Tenant, def.ID, def.Version, registry.Failed)
}

// stepMigrate runs additive-only migrations.
func stepMigrate(ctx context.Context, eng *Engine, ac *Context, def *manifest.Definition) error {
	if eng.migrations == nil {
		return nil
	}
	for _, m := range def.Lifecycle.Migrations {
		migration := ports.Migration{Version: m, Additive: true}
		if err := eng.migrations.Apply(ctx, migration); err != nil {
			return errs.Wrap(errs.MigrationFailed, "migration "+m+" failed", err)
		}
	}
	return nil
}

func undoMigrate(ctx context.Context, eng *Engine, ac *Context, def *manifest.Definition) error {
	if eng.migrations == nil {
		return nil
	}
	// Additive migrations are not reversed by default (spec §4.6); only
	// migrations with a declared rollback script are rolled back, which
	// the MigrationRunner itself enforces by no-oping otherwise.
	for _, m := range def.Lifecycle.Migrations {
		_ = eng.migrations.Rollback(ctx, ports.Migration{Version: m, Additive: true})
	}
	return nil
}

// stepWarm primes caches, opens connections, precompiles.
func stepWarm(ctx context.Context, eng *Engine, ac *Context, def *manifest.Definition) error {
	if eng.sandboxes == nil {
		return nil
	}
	return eng.sandboxes.Warm(ctx, ac.Scope)
}

// stepActivate shifts traffic per the requested rollout strategy and only
// promotes the registry once that succeeds. A prior active version stays
// Active (and resolvable) for the whole rollout, so at-most-one-active
// (enforced in registry.SetStatus) never conflicts mid-rollout with a
// version that is still only partially serving traffic.
func stepActivate(ctx context.Context, eng *Engine, ac *Context, def *manifest.Definition) error {
	in := rollout.Input{
		Scope:        ac.Scope,
		Version:      def.Version,
		PriorVersion: ac.Prior,
		Router:       eng.router,
		Health:       eng.health,
		Bus:          eng.bus,
		HealthFailureFatal: func(v health.Verdict) bool { return v == health.Unhealthy },
	}
	if err := rollout.Run(ctx, ac.Strategy, in); err != nil {
		return err
	}

	if ac.Prior != "" && ac.Prior != def.Version {
		if err := eng.registry.SetStatus(ctx, ac.Scope.Tenant, def.ID, ac.Prior, registry.Inactive); err != nil {
			return err
		}
	}
	return eng.registry.SetStatus(ctx, ac.Scope.Tenant, def.ID, def.Version, registry.Active)
}

func undoActivate(ctx context.Context, eng *Engine, ac *Context, def *manifest.Definition) error {
	if eng.router != nil {
		_ = eng.router.SetWeight(ctx, def.ID, ac.Scope.Tenant, def.Version, 0)
		if ac.Prior != "" {
			_ = eng.router.SetWeight(ctx, def.ID, ac.Scope.Tenant, ac.Prior, 100)
		}
	}
	return eng.registry.SetStatus(ctx, ac.Scope.Tenant, def.ID, def.Version, registry.Failed)
}

// stepVerify runs post-activation probes, requiring N consecutive passes
// on all critical health checks.
func stepVerify(ctx context.Context, eng *Engine, ac *Context, def *manifest.Definition) error {
	if eng.health == nil {
		return nil
	}
	if _, ok := eng.health.Latest(ac.Scope); !ok {
		// No probe has ever reported for this scope (none registered):
		// nothing to verify, so don't stall the activation waiting for a
		// report that will never arrive.
		return nil
	}

	const requiredPasses = 1
	passes := 0
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		report, ok := eng.health.Latest(ac.Scope)
		if ok && report.Verdict == health.Healthy {
			passes++
			if passes >= requiredPasses {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return errs.New(errs.HealthCheckFailed, "verify: health check did not pass within deadline")
}
