// Package registry is the authoritative catalog of installed modules
// (spec §4.1). Grounded on the teacher's registry.InMemoryRegistry
// (moduleState{stable, canary} keyed by name, CRC32-bucketed canary
// routing) and registry.PackEntry's content-hash-gated lifecycle states,
// generalized to per-(module,tenant) scoping and persisted through an
// injected StorageAdapter.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mindburn-labs/forge/pkg/errs"
	"github.com/mindburn-labs/forge/pkg/events"
	"github.com/mindburn-labs/forge/pkg/forgeid"
	"github.com/mindburn-labs/forge/pkg/manifest"
	"github.com/mindburn-labs/forge/pkg/ports"
)

// Status is the lifecycle status of a registry entry.
type Status string

const (
	Installed Status = "installed"
	Active    Status = "active"
	Inactive  Status = "inactive"
	Failed    Status = "failed"
	Deprecated Status = "deprecated"
)

// Entry is one (moduleId, version) registry record.
type Entry struct {
	Definition      *manifest.Definition
	Status          Status
	InstalledAt     int64 // unix nanos, set by Clock at Register time
	LastActivatedAt int64
}

// key identifies an entry: one per (moduleId, version, tenant). A tenant
// may have at most one version of a moduleId Active at a time (spec §3);
// that invariant is enforced in SetStatus.
type key struct {
	module  forgeid.ModuleID
	version string
	tenant  forgeid.TenantID
}

// Registry is the authoritative catalog of installed modules per tenant.
type Registry interface {
	Register(ctx context.Context, tenant forgeid.TenantID, def *manifest.Definition) (*Entry, error)
	Unregister(ctx context.Context, tenant forgeid.TenantID, id forgeid.ModuleID, version string) error
	Get(tenant forgeid.TenantID, id forgeid.ModuleID, version string) (*Entry, bool)
	GetActive(tenant forgeid.TenantID, id forgeid.ModuleID) (*Entry, bool)
	Find(tenant forgeid.TenantID, capability forgeid.CapabilityID) []*Entry
	List(tenant forgeid.TenantID) []*Entry
	SetStatus(ctx context.Context, tenant forgeid.TenantID, id forgeid.ModuleID, version string, status Status) error
}

// InMemoryRegistry is a thread-safe registry backed by an injected
// StorageAdapter for durability and a bus for the registered/unregistered/
// status_changed events spec §4.1 requires.
type InMemoryRegistry struct {
	mu      sync.RWMutex
	entries map[key]*Entry
	storage ports.StorageAdapter
	bus     *events.Bus
	clock   ports.Clock
}

// New creates a registry. storage and bus may be nil for pure in-memory
// use in tests.
func New(storage ports.StorageAdapter, bus *events.Bus, clock ports.Clock) *InMemoryRegistry {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &InMemoryRegistry{
		entries: make(map[key]*Entry),
		storage: storage,
		bus:     bus,
		clock:   clock,
	}
}

func storageKey(tenant forgeid.TenantID, id forgeid.ModuleID, version string) string {
	return fmt.Sprintf("tenants/%s/modules/%s/%s", tenant, id, version)
}

// Register installs a new (moduleId, version) entry for a tenant in
// Installed status. Two entries may share an id only if their versions
// differ.
func (r *InMemoryRegistry) Register(ctx context.Context, tenant forgeid.TenantID, def *manifest.Definition) (*Entry, error) {
	if def == nil {
		return nil, errs.New(errs.Validation, "nil module definition")
	}
	if err := def.CompileSchema(); err != nil {
		return nil, errs.Wrap(errs.Validation, "invalid config schema", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{module: def.ID, version: def.Version, tenant: tenant}
	entry := &Entry{
		Definition:  def,
		Status:      Installed,
		InstalledAt: r.clock.Now().UnixNano(),
	}
	r.entries[k] = entry

	if r.storage != nil {
		blob, _ := json.Marshal(entry)
		if _, err := r.storage.Put(ctx, storageKey(tenant, def.ID, def.Version), blob, 0); err != nil {
			var cas *ports.CASError
			if !isCAS(err, &cas) {
				return nil, errs.Wrap(errs.Critical, "persist registry entry", err)
			}
		}
	}

	if r.bus != nil {
		r.bus.Publish(forgeid.Scope{Module: def.ID, Tenant: tenant}, events.Kind("registered"), map[string]any{
			"version": def.Version,
		})
	}
	return entry, nil
}

func isCAS(err error, target **ports.CASError) bool {
	if e, ok := err.(*ports.CASError); ok {
		*target = e
		return true
	}
	return false
}

// Unregister removes a (moduleId, version) entry for a tenant.
func (r *InMemoryRegistry) Unregister(ctx context.Context, tenant forgeid.TenantID, id forgeid.ModuleID, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{module: id, version: version, tenant: tenant}
	if _, ok := r.entries[k]; !ok {
		return errs.New(errs.NamespaceNotFound, "module not found")
	}
	delete(r.entries, k)

	if r.storage != nil {
		_ = r.storage.Delete(ctx, storageKey(tenant, id, version), 0)
	}
	if r.bus != nil {
		r.bus.Publish(forgeid.Scope{Module: id, Tenant: tenant}, events.Kind("unregistered"), nil)
	}
	return nil
}

// Get returns the entry for an exact (moduleId, version, tenant), if any.
func (r *InMemoryRegistry) Get(tenant forgeid.TenantID, id forgeid.ModuleID, version string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key{module: id, version: version, tenant: tenant}]
	return e, ok
}

// GetActive returns the currently Active entry for a moduleId within a
// tenant, if any. At most one exists by invariant.
func (r *InMemoryRegistry) GetActive(tenant forgeid.TenantID, id forgeid.ModuleID) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k, e := range r.entries {
		if k.tenant == tenant && k.module == id && e.Status == Active {
			return e, true
		}
	}
	return nil, false
}

// Find returns every entry within a tenant that provides the given
// capability.
func (r *InMemoryRegistry) Find(tenant forgeid.TenantID, capability forgeid.CapabilityID) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Entry
	for k, e := range r.entries {
		if k.tenant != tenant {
			continue
		}
		if e.Definition.HasCapability(capability) {
			out = append(out, e)
		}
	}
	return out
}

// List returns every entry installed for a tenant.
func (r *InMemoryRegistry) List(tenant forgeid.TenantID) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Entry
	for k, e := range r.entries {
		if k.tenant == tenant {
			out = append(out, e)
		}
	}
	return out
}

// SetStatus transitions an entry's status. Promoting to Active fails if
// another version of the same moduleId is already Active for the tenant
// (spec §3's at-most-one-active invariant).
func (r *InMemoryRegistry) SetStatus(ctx context.Context, tenant forgeid.TenantID, id forgeid.ModuleID, version string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{module: id, version: version, tenant: tenant}
	entry, ok := r.entries[k]
	if !ok {
		return errs.New(errs.NamespaceNotFound, "module not found")
	}

	if status == Active {
		for ok2, e2 := range r.entries {
			if ok2.tenant == tenant && ok2.module == id && ok2.version != version && e2.Status == Active {
				return errs.New(errs.ModuleConflict, fmt.Sprintf("another version %s is already active", ok2.version))
			}
		}
		entry.LastActivatedAt = r.clock.Now().UnixNano()
	}

	entry.Status = status

	if r.bus != nil {
		r.bus.Publish(forgeid.Scope{Module: id, Tenant: tenant}, events.Kind("status_changed"), map[string]any{
			"version": version,
			"status":  string(status),
		})
	}
	return nil
}
