// Package resolver computes a fully satisfied dependency-provider set for
// a module (spec §4.2). Grounded on the teacher's
// governance.LifecycleManager.ValidateMorphogenesis DFS cycle detector,
// generalized into the full depth-first resolution walk the spec
// describes, with Masterminds/semver constraint matching in place of bare
// dependency ids.
package resolver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mindburn-labs/forge/pkg/errs"
	"github.com/mindburn-labs/forge/pkg/forgeid"
	"github.com/mindburn-labs/forge/pkg/manifest"
	"github.com/mindburn-labs/forge/pkg/registry"
	"github.com/mindburn-labs/forge/pkg/versioning"
)

// Strategy controls how aggressively the resolver auto-resolves version
// conflicts (spec §4.2).
type Strategy string

const (
	Conservative Strategy = "conservative"
	Balanced     Strategy = "balanced"
	Aggressive   Strategy = "aggressive"
)

// ConflictAction is a candidate remediation for a version conflict.
type ConflictAction string

const (
	ActionUpgrade   ConflictAction = "upgrade"
	ActionDowngrade ConflictAction = "downgrade"
	ActionReplace   ConflictAction = "replace"
	ActionExclude   ConflictAction = "exclude"
	ActionMerge     ConflictAction = "merge"
)

// Conflict describes either a version conflict (two selections for the
// same id) or a circular dependency.
type Conflict struct {
	ModuleID   forgeid.ModuleID
	Circular   bool
	Path       []forgeid.ModuleID
	Candidates []ConflictCandidate
	Applied    ConflictAction
}

// ConflictCandidate is one candidate remediation strategy with a
// confidence score in [0, 1].
type ConflictCandidate struct {
	Action     ConflictAction
	Confidence float64
}

// Provider is a selected dependency provider: a concrete (id, version)
// pulled from the registry.
type Provider struct {
	ModuleID forgeid.ModuleID
	Version  string
	Kind     manifest.DependencyKind
}

// Metadata carries resolution bookkeeping.
type Metadata struct {
	Strategy   Strategy
	Depth      int
	DurationMs int64
}

// Resolution is the output of a Resolve call (spec §4.2).
type Resolution struct {
	Resolved   []Provider
	Unresolved []forgeid.ModuleID
	Conflicts  []Conflict
	Warnings   []string
	Errors     []*errs.Error
	Metadata   Metadata
}

// Success reports §8 invariant 8: success iff unresolved is empty and no
// required dependency remains unresolved.
func (r *Resolution) Success() bool {
	return len(r.Unresolved) == 0 && len(r.Errors) == 0
}

type cacheEntry struct {
	result    *Resolution
	expiresAt time.Time
}

// Resolver resolves a module's dependency closure against a registry,
// caching results keyed by (moduleId, dependency-set hash, strategy) with
// a 5-minute TTL, invalidated whenever the registry reports a status
// change touching a listed provider. The local map is always the fast
// path; when remote is set (a multi-instance deployment with REDIS_URL
// configured), a local miss falls through to Redis before recomputing,
// and a successful resolution is written through to both.
type Resolver struct {
	reg      registry.Registry
	maxDepth int
	ttl      time.Duration
	timeout  time.Duration
	remote   *RedisCache

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New creates a Resolver over the given registry, caching locally only.
func New(reg registry.Registry, maxDepth int, ttl, timeout time.Duration) *Resolver {
	return &Resolver{
		reg:      reg,
		maxDepth: maxDepth,
		ttl:      ttl,
		timeout:  timeout,
		cache:    make(map[string]cacheEntry),
	}
}

// NewWithRedisCache creates a Resolver backed by both a local map and a
// shared Redis cache, so resolutions computed by one process are reused
// by its siblings instead of each process resolving the same dependency
// closure independently.
func NewWithRedisCache(reg registry.Registry, maxDepth int, ttl, timeout time.Duration, remote *RedisCache) *Resolver {
	r := New(reg, maxDepth, ttl, timeout)
	r.remote = remote
	return r
}

// InvalidateAll drops every cached resolution, local and (best-effort)
// remote. Called whenever the registry reports a status_changed event.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	r.cache = make(map[string]cacheEntry)
	r.mu.Unlock()

	if r.remote != nil {
		_ = r.remote.InvalidateAll(context.Background())
	}
}

func cacheKey(tenant forgeid.TenantID, id forgeid.ModuleID, deps []manifest.Dependency, strategy Strategy) string {
	s := fmt.Sprintf("%s/%s/%s:", tenant, id, strategy)
	for _, d := range deps {
		s += fmt.Sprintf("%s@%s:%s;", d.ID, d.Constraint, d.Kind)
	}
	return s
}

// Resolve computes the dependency closure for def within tenant, using the
// given conflict strategy.
func (r *Resolver) Resolve(ctx context.Context, tenant forgeid.TenantID, def *manifest.Definition, strategy Strategy) *Resolution {
	start := time.Now()
	key := cacheKey(tenant, def.ID, def.Dependencies, strategy)

	r.mu.Lock()
	if entry, ok := r.cache[key]; ok && time.Now().Before(entry.expiresAt) {
		r.mu.Unlock()
		return entry.result
	}
	r.mu.Unlock()

	if r.remote != nil {
		if res, ok := r.remote.Get(ctx, key); ok {
			r.mu.Lock()
			r.cache[key] = cacheEntry{result: res, expiresAt: time.Now().Add(r.ttl)}
			r.mu.Unlock()
			return res
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	w := &walker{
		resolver: r,
		tenant:   tenant,
		strategy: strategy,
		visiting: make(map[forgeid.ModuleID]bool),
		selected: make(map[forgeid.ModuleID]Provider),
	}

	res := &Resolution{Metadata: Metadata{Strategy: strategy}}
	if err := w.walk(ctx, def, 0, res); err != nil {
		if ctx.Err() != nil {
			res.Errors = append(res.Errors, errs.New(errs.ActivationTimeout, "dependency resolution timed out"))
			res.Metadata.DurationMs = time.Since(start).Milliseconds()
			return res // no partial cache write on timeout
		}
	}

	for _, p := range w.selected {
		res.Resolved = append(res.Resolved, p)
	}
	res.Conflicts = w.conflicts
	res.Metadata.Depth = w.maxDepthSeen
	res.Metadata.DurationMs = time.Since(start).Milliseconds()

	for _, c := range w.conflicts {
		if c.Circular {
			res.Errors = append(res.Errors, errs.New(errs.DependencyConflict, fmt.Sprintf("circular dependency at %s", c.ModuleID)))
		}
	}
	for _, id := range res.Unresolved {
		res.Errors = append(res.Errors, errs.New(errs.DependencyUnresolved, fmt.Sprintf("required dependency %s unresolved", id)))
	}

	if res.Success() {
		r.mu.Lock()
		r.cache[key] = cacheEntry{result: res, expiresAt: time.Now().Add(r.ttl)}
		r.mu.Unlock()

		if r.remote != nil {
			_ = r.remote.Set(ctx, key, res)
		}
	}
	return res
}

// walker performs one depth-first resolution pass.
type walker struct {
	resolver     *Resolver
	tenant       forgeid.TenantID
	strategy     Strategy
	visiting     map[forgeid.ModuleID]bool
	selected     map[forgeid.ModuleID]Provider
	conflicts    []Conflict
	maxDepthSeen int
}

func (w *walker) walk(ctx context.Context, def *manifest.Definition, depth int, res *Resolution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if depth > w.maxDepthSeen {
		w.maxDepthSeen = depth
	}
	if depth > w.resolver.maxDepth {
		return nil
	}

	w.visiting[def.ID] = true
	defer delete(w.visiting, def.ID)

	for _, dep := range def.Dependencies {
		if w.visiting[dep.ID] {
			w.conflicts = append(w.conflicts, Conflict{
				ModuleID: dep.ID,
				Circular: true,
				Path:     keys(w.visiting),
			})
			continue
		}

		provider, found := w.selectProvider(dep)
		if !found {
			if dep.Kind == manifest.Required {
				res.Unresolved = append(res.Unresolved, dep.ID)
			} else {
				res.Warnings = append(res.Warnings, fmt.Sprintf("optional dependency %s unresolved", dep.ID))
			}
			continue
		}

		if existing, ok := w.selected[dep.ID]; ok && existing.Version != provider.Version {
			conflict := w.resolveVersionConflict(dep.ID, existing, provider)
			w.conflicts = append(w.conflicts, conflict)
			if conflict.Applied == ActionExclude {
				continue
			}
		}
		w.selected[dep.ID] = provider

		if entry, ok := w.resolver.reg.Get(w.tenant, dep.ID, provider.Version); ok {
			if err := w.walk(ctx, entry.Definition, depth+1, res); err != nil {
				return err
			}
		}
	}
	return nil
}

// selectProvider ranks candidates by (status priority: active > installed,
// then highest semver) and returns the top one.
func (w *walker) selectProvider(dep manifest.Dependency) (Provider, bool) {
	constraint, err := versioning.ParseConstraint(dep.Constraint)
	if err != nil {
		return Provider{}, false
	}

	candidates := w.resolver.reg.List(w.tenant)
	var best *registry.Entry
	var bestVersion *versioning.Version

	for _, c := range candidates {
		if c.Definition.ID != dep.ID {
			continue
		}
		if c.Status != registry.Active && c.Status != registry.Installed {
			continue
		}
		v, err := versioning.Parse(c.Definition.Version)
		if err != nil {
			continue
		}
		if !versioning.Satisfies(v, constraint) {
			continue
		}
		if best == nil || betterCandidate(c, best, v, bestVersion) {
			best = c
			bestVersion = v
		}
	}

	if best == nil {
		return Provider{}, false
	}
	return Provider{ModuleID: dep.ID, Version: best.Definition.Version, Kind: dep.Kind}, true
}

func betterCandidate(c, best *registry.Entry, v, bestVersion *versioning.Version) bool {
	cActive := c.Status == registry.Active
	bActive := best.Status == registry.Active
	if cActive != bActive {
		return cActive
	}
	return v.GreaterThan(bestVersion)
}

// resolveVersionConflict applies the strategy-gated auto-resolution rules
// from spec §4.2.
func (w *walker) resolveVersionConflict(id forgeid.ModuleID, existing, incoming Provider) Conflict {
	conflict := Conflict{
		ModuleID: id,
		Candidates: []ConflictCandidate{
			{Action: ActionExclude, Confidence: 0.6},
			{Action: ActionReplace, Confidence: 0.5},
			{Action: ActionUpgrade, Confidence: 0.4},
			{Action: ActionDowngrade, Confidence: 0.3},
			{Action: ActionMerge, Confidence: 0.2},
		},
	}

	switch w.strategy {
	case Conservative:
		if incoming.Kind == manifest.Optional {
			conflict.Applied = ActionReplace
		} else {
			conflict.Applied = ActionExclude
		}
	case Balanced:
		ev, err1 := versioning.Parse(existing.Version)
		iv, err2 := versioning.Parse(incoming.Version)
		if err1 == nil && err2 == nil && versioning.SameMajor(ev, iv) {
			conflict.Applied = ActionUpgrade
		} else {
			conflict.Applied = ActionExclude
		}
	case Aggressive:
		conflict.Applied = ActionUpgrade
	default:
		conflict.Applied = ActionExclude
	}
	return conflict
}

func keys(m map[forgeid.ModuleID]bool) []forgeid.ModuleID {
	out := make([]forgeid.ModuleID, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
