package forge

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindburn-labs/forge/pkg/activation"
	"github.com/mindburn-labs/forge/pkg/config"
	"github.com/mindburn-labs/forge/pkg/crypto"
	"github.com/mindburn-labs/forge/pkg/errs"
	"github.com/mindburn-labs/forge/pkg/forgeid"
	"github.com/mindburn-labs/forge/pkg/health"
	"github.com/mindburn-labs/forge/pkg/manifest"
	"github.com/mindburn-labs/forge/pkg/namespace"
	"github.com/mindburn-labs/forge/pkg/ports"
	"github.com/mindburn-labs/forge/pkg/registry"
	"github.com/mindburn-labs/forge/pkg/rollout"
)

// weightCall is one recorded TrafficRouter.SetWeight invocation.
type weightCall struct {
	module  forgeid.ModuleID
	tenant  forgeid.TenantID
	version string
	percent int
}

// fakeRouter records every traffic shift it is asked to perform, standing
// in for the gateway/ingress a real TrafficRouter would program.
type fakeRouter struct {
	mu    sync.Mutex
	calls []weightCall
}

func (f *fakeRouter) SetWeight(ctx context.Context, module forgeid.ModuleID, tenant forgeid.TenantID, version string, percent int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, weightCall{module: module, tenant: tenant, version: version, percent: percent})
	return nil
}

func (f *fakeRouter) percentsFor(version string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int
	for _, c := range f.calls {
		if c.version == version {
			out = append(out, c.percent)
		}
	}
	return out
}

func (f *fakeRouter) latestPercent(version string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	percent := -1
	for _, c := range f.calls {
		if c.version == version {
			percent = c.percent
		}
	}
	return percent
}

func newTestForge(t *testing.T, router ports.TrafficRouter, cfg *config.Config, cryptoProvider ports.CryptoProvider) *Forge {
	t.Helper()
	f, err := New(context.Background(), cfg, Deps{Router: router, Crypto: cryptoProvider})
	require.NoError(t, err)
	return f
}

func simpleDef(id forgeid.ModuleID, version string, deps []manifest.Dependency) *manifest.Definition {
	return &manifest.Definition{
		ID:           id,
		Version:      version,
		Capabilities: []manifest.Capability{{ID: forgeid.CapabilityID(id), Contract: "v1"}},
		Dependencies: deps,
		Lifecycle:    manifest.LifecyclePolicy{DefaultStrategy: "gradual"},
	}
}

func gradualStrategy(initial, increment, max int, interval time.Duration) rollout.Config {
	return rollout.Config{
		Kind: rollout.Gradual,
		Gradual: rollout.GradualConfig{
			Initial:      initial,
			Increment:    increment,
			Interval:     interval,
			MaxIncrement: max,
		},
	}
}

// S1: gradual activation happy path. billing@1.2.0 depends on auth@^1 and
// logger@^2, both already active for the tenant; traffic shifts 10 -> 40 ->
// 70 -> 100 exactly, ending with the new version active in the registry.
func TestForge_S1_GradualActivationHappyPath(t *testing.T) {
	router := &fakeRouter{}
	f := newTestForge(t, router, nil, nil)
	ctx := context.Background()
	tenant := forgeid.TenantID("t1")

	_, err := f.Registry().Register(ctx, tenant, simpleDef("auth", "1.0.0", nil))
	require.NoError(t, err)
	require.NoError(t, f.Registry().SetStatus(ctx, tenant, "auth", "1.0.0", registry.Active))

	_, err = f.Registry().Register(ctx, tenant, simpleDef("logger", "2.0.0", nil))
	require.NoError(t, err)
	require.NoError(t, f.Registry().SetStatus(ctx, tenant, "logger", "2.0.0", registry.Active))

	billing := simpleDef("billing", "1.2.0", []manifest.Dependency{
		{ID: "auth", Constraint: "^1", Kind: manifest.Required},
		{ID: "logger", Constraint: "^2", Kind: manifest.Required},
	})

	scope := forgeid.Scope{Module: "billing", Tenant: tenant}
	result := f.Activate(ctx, scope, billing, gradualStrategy(10, 30, 100, 20*time.Millisecond))

	require.True(t, result.Success, "errors: %v", result.Errors)
	assert.Equal(t, []int{10, 40, 70, 100}, router.percentsFor("1.2.0"))

	entry, ok := f.Registry().Get(tenant, "billing", "1.2.0")
	require.True(t, ok)
	assert.Equal(t, registry.Active, entry.Status)
}

// S2: a required dependency with no satisfying provider fails validation
// before any registry mutation.
func TestForge_S2_MissingRequiredDependency(t *testing.T) {
	router := &fakeRouter{}
	f := newTestForge(t, router, nil, nil)
	ctx := context.Background()
	tenant := forgeid.TenantID("t1")

	billing := simpleDef("billing", "1.2.0", []manifest.Dependency{
		{ID: "payments", Constraint: "^3", Kind: manifest.Required},
	})

	scope := forgeid.Scope{Module: "billing", Tenant: tenant}
	result := f.Activate(ctx, scope, billing, gradualStrategy(10, 30, 100, 20*time.Millisecond))

	require.False(t, result.Success)
	require.NotEmpty(t, result.Errors)
	assert.Equal(t, errs.DependencyUnresolved, result.Errors[0].Kind)

	_, ok := f.Registry().Get(tenant, "billing", "1.2.0")
	assert.False(t, ok, "failed validation must not register the module")
	assert.Empty(t, router.calls)
}

// S3: a circular dependency between an upgrade attempt and an
// already-installed module fails validation; both modules remain installed
// at their prior versions.
func TestForge_S3_CircularDependency(t *testing.T) {
	router := &fakeRouter{}
	f := newTestForge(t, router, nil, nil)
	ctx := context.Background()
	tenant := forgeid.TenantID("t1")

	_, err := f.Registry().Register(ctx, tenant, simpleDef("modA", "1.0.0", nil))
	require.NoError(t, err)

	modB := simpleDef("modB", "1.0.0", []manifest.Dependency{
		{ID: "modA", Constraint: "^1", Kind: manifest.Required},
	})
	_, err = f.Registry().Register(ctx, tenant, modB)
	require.NoError(t, err)

	modANext := simpleDef("modA", "1.1.0", []manifest.Dependency{
		{ID: "modB", Constraint: "^1", Kind: manifest.Required},
	})

	scope := forgeid.Scope{Module: "modA", Tenant: tenant}
	result := f.Activate(ctx, scope, modANext, gradualStrategy(10, 30, 100, 20*time.Millisecond))

	require.False(t, result.Success)
	require.NotEmpty(t, result.Errors)
	assert.Equal(t, errs.DependencyConflict, result.Errors[0].Kind)

	entryA, ok := f.Registry().Get(tenant, "modA", "1.0.0")
	require.True(t, ok)
	assert.Equal(t, registry.Installed, entryA.Status)

	entryB, ok := f.Registry().Get(tenant, "modB", "1.0.0")
	require.True(t, ok)
	assert.Equal(t, registry.Installed, entryB.Status)

	_, ok = f.Registry().Get(tenant, "modA", "1.1.0")
	assert.False(t, ok, "the conflicting upgrade must never be registered")
}

// S4: a health verdict turns unhealthy mid-gradual-rollout; the engine
// rolls traffic back to 0% for the new version, leaves the prior version
// untouched and active, and marks the new version failed.
func TestForge_S4_HealthFailureMidRollout(t *testing.T) {
	router := &fakeRouter{}
	f := newTestForge(t, router, nil, nil)
	ctx := context.Background()
	tenant := forgeid.TenantID("t1")

	prior := simpleDef("billing", "1.0.0", nil)
	_, err := f.Registry().Register(ctx, tenant, prior)
	require.NoError(t, err)
	require.NoError(t, f.Registry().SetStatus(ctx, tenant, "billing", "1.0.0", registry.Active))

	scope := forgeid.Scope{Module: "billing", Tenant: tenant}
	f.Health().Register(ctx, scope, []health.ProbeSpec{{
		ID:       "latency",
		Critical: true,
		Interval: 5 * time.Millisecond,
		Timeout:  50 * time.Millisecond,
		Check: func(ctx context.Context) error {
			if router.latestPercent("1.1.0") >= 40 {
				return fmt.Errorf("p99 latency over budget")
			}
			return nil
		},
	}})
	t.Cleanup(func() { f.Health().Stop(scope) })

	next := simpleDef("billing", "1.1.0", nil)
	result := f.Activate(ctx, scope, next, gradualStrategy(10, 30, 100, 30*time.Millisecond))

	require.False(t, result.Success)
	require.NotEmpty(t, result.Errors)
	assert.Equal(t, errs.HealthCheckFailed, result.Errors[0].Kind)

	percents := router.percentsFor("1.1.0")
	require.NotEmpty(t, percents)
	assert.Equal(t, 0, percents[len(percents)-1], "traffic for the new version must return to 0%")

	entryNew, ok := f.Registry().Get(tenant, "billing", "1.1.0")
	require.True(t, ok)
	assert.Equal(t, registry.Failed, entryNew.Status)

	entryPrior, ok := f.Registry().Get(tenant, "billing", "1.0.0")
	require.True(t, ok)
	assert.Equal(t, registry.Active, entryPrior.Status, "the prior version must remain untouched")
}

// S5: a paranoid-isolation namespace stores sensitive keys encrypted at
// rest but returns the plaintext value on a subsequent authorized read.
func TestForge_S5_ParanoidNamespaceEncryption(t *testing.T) {
	cryptoProvider, err := crypto.New(filepath.Join(t.TempDir(), "keystore.json"), nil)
	require.NoError(t, err)

	f := newTestForge(t, &fakeRouter{}, nil, cryptoProvider)
	ctx := context.Background()
	scope := forgeid.Scope{Module: "billing", Tenant: "t1"}

	root, err := f.Namespaces().Root(ctx, scope)
	require.NoError(t, err)

	child, err := f.Namespaces().Create(ctx, root.ID, "/db",
		namespace.AccessControl{AllowedOperations: []string{"*"}},
		namespace.Inheritance{},
		namespace.Isolation{Level: namespace.IsolationParanoid},
	)
	require.NoError(t, err)

	ac := namespace.AccessContext{Principal: "svc", Module: "billing", Tenant: "t1"}
	require.NoError(t, f.Namespaces().SetConfig(ctx, child.ID, "db.password", "s3cr3t", ac))

	value, err := f.Namespaces().GetConfig(ctx, child.ID, "db.password", ac)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", value, "a successful read must return the plaintext")
}

// S6: two concurrent Activate calls for the same (module, tenant) scope
// under QueueReject never interleave; the loser is rejected outright with
// ACTIVATION_IN_PROGRESS while the winner proceeds to completion.
func TestForge_S6_ConcurrentActivationsRejected(t *testing.T) {
	release := make(chan struct{})
	router := &blockingRouter{fakeRouter: &fakeRouter{}, gate: release}

	cfg := config.Load()
	cfg.ActivationQueuePolicy = config.QueueReject
	f := newTestForge(t, router, cfg, nil)
	ctx := context.Background()
	tenant := forgeid.TenantID("t1")

	def := simpleDef("billing", "1.0.0", nil)
	scope := forgeid.Scope{Module: "billing", Tenant: tenant}

	var wg sync.WaitGroup
	var firstResult, secondResult errs.Result[*activation.Context]
	wg.Add(1)
	go func() {
		defer wg.Done()
		firstResult = f.Activate(ctx, scope, def, rollout.Config{Kind: rollout.Instant})
	}()

	// Give the first activation time to acquire its lock and reach the
	// blocking router call before firing the second.
	time.Sleep(20 * time.Millisecond)
	secondResult = f.Activate(ctx, scope, def, rollout.Config{Kind: rollout.Instant})
	close(release)
	wg.Wait()

	require.True(t, firstResult.Success, "errors: %v", firstResult.Errors)
	require.False(t, secondResult.Success)
	require.NotEmpty(t, secondResult.Errors)
	assert.Equal(t, errs.ActivationInProgress, secondResult.Errors[0].Kind)
}

// S7: a critical health probe never reports Healthy after activation;
// verify must fail the activation instead of silently succeeding once its
// polling window elapses.
func TestForge_S7_VerifyFailsWhenHealthNeverPasses(t *testing.T) {
	router := &fakeRouter{}
	f := newTestForge(t, router, nil, nil)
	ctx := context.Background()
	tenant := forgeid.TenantID("t1")

	def := simpleDef("billing", "1.0.0", nil)
	scope := forgeid.Scope{Module: "billing", Tenant: tenant}

	f.Health().Register(ctx, scope, []health.ProbeSpec{{
		ID:       "latency",
		Critical: true,
		Interval: 5 * time.Millisecond,
		Timeout:  20 * time.Millisecond,
		Check: func(ctx context.Context) error {
			return fmt.Errorf("always unhealthy")
		},
	}})
	t.Cleanup(func() { f.Health().Stop(scope) })

	// Give the probe loop time to land at least one report before
	// activation reaches the verify step.
	time.Sleep(20 * time.Millisecond)

	result := f.Activate(ctx, scope, def, rollout.Config{Kind: rollout.Instant})

	require.False(t, result.Success)
	require.NotEmpty(t, result.Errors)
	assert.Equal(t, errs.HealthCheckFailed, result.Errors[0].Kind)

	entry, ok := f.Registry().Get(tenant, "billing", "1.0.0")
	require.True(t, ok)
	assert.Equal(t, registry.Failed, entry.Status, "a module that never passes verify must not stay Active")
}

// blockingRouter holds SetWeight open until gate closes, so a second,
// concurrent Activate call for the same scope is guaranteed to observe the
// first one still in flight.
type blockingRouter struct {
	*fakeRouter
	gate chan struct{}
}

func (b *blockingRouter) SetWeight(ctx context.Context, module forgeid.ModuleID, tenant forgeid.TenantID, version string, percent int) error {
	<-b.gate
	return b.fakeRouter.SetWeight(ctx, module, tenant, version, percent)
}
