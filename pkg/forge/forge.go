// Package forge wires every subsystem package into a single running
// instance, the way the teacher's cmd/helm/main.go assembles its server
// from individually constructed subsystems. A Forge owns the registry,
// resolver, health checker, namespace manager, sandbox manager and
// activation engine together and exposes the small set of entrypoints a
// host actually calls: Activate, Deactivate, and namespace access.
package forge

import (
	"context"
	"fmt"

	"github.com/mindburn-labs/forge/pkg/activation"
	"github.com/mindburn-labs/forge/pkg/audit"
	"github.com/mindburn-labs/forge/pkg/config"
	"github.com/mindburn-labs/forge/pkg/crypto"
	"github.com/mindburn-labs/forge/pkg/errs"
	"github.com/mindburn-labs/forge/pkg/events"
	"github.com/mindburn-labs/forge/pkg/forgeid"
	"github.com/mindburn-labs/forge/pkg/health"
	"github.com/mindburn-labs/forge/pkg/identity"
	"github.com/mindburn-labs/forge/pkg/kms"
	"github.com/mindburn-labs/forge/pkg/manifest"
	"github.com/mindburn-labs/forge/pkg/namespace"
	"github.com/mindburn-labs/forge/pkg/observability"
	"github.com/mindburn-labs/forge/pkg/ports"
	"github.com/mindburn-labs/forge/pkg/registry"
	"github.com/mindburn-labs/forge/pkg/resolver"
	"github.com/mindburn-labs/forge/pkg/rollout"
	"github.com/mindburn-labs/forge/pkg/sandbox"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Deps lets a host supply each port's implementation. A nil AuditSink
// falls back to an audit.WriterSink on stdout; a nil Storage leaves the
// registry and namespace manager in-memory only; every other nil field
// (Crypto, Identity, Loader, Migrations, Router) stays nil, so a host
// must supply whichever of these its modules need (spec §6's
// external-interfaces contract).
type Deps struct {
	Storage    ports.StorageAdapter
	Loader     ports.ModuleLoader
	Migrations ports.MigrationRunner
	Router     ports.TrafficRouter
	Identity   ports.IdentityProvider
	AuditSink  ports.AuditSink
	Crypto     ports.CryptoProvider
	// Observability is optional; when set, every Activate call is traced
	// and recorded under the activation RED metrics.
	Observability *observability.Provider
}

// Forge bundles every subsystem into one running instance.
type Forge struct {
	cfg       *config.Config
	bus       *events.Bus
	registry  registry.Registry
	resolver  *resolver.Resolver
	health    *health.Checker
	sandboxes *sandbox.Manager
	namespace *namespace.Manager
	engine    *activation.Engine
	identity  ports.IdentityProvider
	obs       *observability.Provider
}

// New constructs a Forge instance. cfg may be nil to use config.Load()'s
// environment-derived defaults. Deps.Storage, if nil, leaves the registry
// and namespace manager without durable persistence (in-memory only,
// suitable for tests).
func New(ctx context.Context, cfg *config.Config, d Deps) (*Forge, error) {
	if cfg == nil {
		cfg = config.Load()
	}

	bus := events.NewBus()
	reg := registry.New(d.Storage, bus, ports.SystemClock{})

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("forge: parse REDIS_URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
	}

	var res *resolver.Resolver
	if redisClient != nil {
		res = resolver.NewWithRedisCache(reg, cfg.DependencyMaxDepth, cfg.DependencyCacheTTL, cfg.DependencyTimeout,
			resolver.NewRedisCache(redisClient, cfg.DependencyCacheTTL))
	} else {
		res = resolver.New(reg, cfg.DependencyMaxDepth, cfg.DependencyCacheTTL, cfg.DependencyTimeout)
	}

	// Every registry status_changed event drops the cached resolutions
	// (asynchronously, as the event arrives off the bus).
	statusEvents := bus.Subscribe()
	go func() {
		for ev := range statusEvents {
			if ev.Kind == events.Kind("status_changed") {
				res.InvalidateAll()
			}
		}
	}()

	var meter metric.Meter
	if d.Observability != nil {
		meter = d.Observability.Meter()
	}
	checker := health.New(bus, meter)

	cryptoProvider := d.Crypto
	auditSink := d.AuditSink
	if auditSink == nil {
		auditSink = audit.NewWriterSink(nil)
	}

	ns, err := namespace.New(d.Storage, bus, auditSink, cryptoProvider, ports.SystemClock{})
	if err != nil {
		return nil, fmt.Errorf("forge: construct namespace manager: %w", err)
	}

	var sandboxMgr *sandbox.Manager
	if d.Loader != nil {
		sandboxMgr = sandbox.NewManager(d.Loader)
	}

	engine := activation.New(activation.Deps{
		Registry:    reg,
		Resolver:    res,
		Loader:      d.Loader,
		Migrations:  d.Migrations,
		Router:      d.Router,
		Health:      checker,
		Sandboxes:   sandboxAdapter{sandboxMgr},
		Bus:         bus,
		Config:      cfg,
		RedisClient: redisClient,
	})

	return &Forge{
		cfg:       cfg,
		bus:       bus,
		registry:  reg,
		resolver:  res,
		health:    checker,
		sandboxes: sandboxMgr,
		namespace: ns,
		engine:    engine,
		identity:  d.Identity,
		obs:       d.Observability,
	}, nil
}

// sandboxAdapter satisfies activation.Sandbox, tolerating a nil *sandbox.Manager
// (modules that ship no WASM artifact simply skip sandboxing).
type sandboxAdapter struct{ mgr *sandbox.Manager }

func (s sandboxAdapter) Allocate(ctx context.Context, scope forgeid.Scope, def *manifest.Definition) error {
	if s.mgr == nil {
		return nil
	}
	return s.mgr.Allocate(ctx, scope, def)
}

func (s sandboxAdapter) Warm(ctx context.Context, scope forgeid.Scope) error {
	if s.mgr == nil {
		return nil
	}
	return s.mgr.Warm(ctx, scope)
}

func (s sandboxAdapter) Release(ctx context.Context, scope forgeid.Scope) error {
	if s.mgr == nil {
		return nil
	}
	return s.mgr.Release(ctx, scope)
}

// Activate installs and activates def for scope under the given rollout
// strategy, resolving dependencies, running migrations, and shifting
// traffic per spec §4.3.
func (f *Forge) Activate(ctx context.Context, scope forgeid.Scope, def *manifest.Definition, strategy rollout.Config) errs.Result[*activation.Context] {
	if f.obs == nil {
		return f.engine.Activate(ctx, scope, def, strategy)
	}
	var finish func(error)
	ctx, finish = f.obs.TrackActivation(ctx, attribute.String("scope", scope.String()))
	result := f.engine.Activate(ctx, scope, def, strategy)
	if len(result.Errors) > 0 {
		finish(result.Errors[0])
	} else {
		finish(nil)
	}
	return result
}

// Deactivate reverses an active module back to inactive for scope.
func (f *Forge) Deactivate(ctx context.Context, scope forgeid.Scope, def *manifest.Definition) errs.Result[*activation.Context] {
	return f.engine.Deactivate(ctx, scope, def)
}

// History returns the archived activation attempts for scope, most recent first.
func (f *Forge) History(scope forgeid.Scope) []*activation.Context {
	return f.engine.History(scope)
}

// Namespaces returns the namespace manager for config tree operations.
func (f *Forge) Namespaces() *namespace.Manager { return f.namespace }

// Registry returns the module registry for direct queries (List, Find).
func (f *Forge) Registry() registry.Registry { return f.registry }

// Health returns the health checker so a host can Register probes for a scope.
func (f *Forge) Health() *health.Checker { return f.health }

// Events returns the activation/namespace event bus for subscribers.
func (f *Forge) Events() *events.Bus { return f.bus }

// NewCryptoProvider is a convenience constructor for the file-backed
// reference CryptoProvider, exposed here so hosts wiring Deps.Crypto don't
// need to import pkg/crypto directly for the common case.
func NewCryptoProvider(keystorePath string) (ports.CryptoProvider, error) {
	return crypto.New(keystorePath, nil)
}

// NewIdentityProvider is a convenience constructor for the reference JWT
// IdentityProvider.
func NewIdentityProvider(secret []byte, issuer string) (ports.IdentityProvider, error) {
	return identity.New(secret, issuer)
}

// NewCredentialManager opens the file-backed vault used to keep the
// storage connection string sealed at rest.
func NewCredentialManager(keystorePath string) (kms.DSNSealer, error) {
	return kms.Open(keystorePath)
}
