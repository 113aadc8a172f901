// Package forgeid defines the distinct identifier types threaded through
// every Forge subsystem. Cross-subsystem references are ids, not pointers:
// the registry owns definitions, the namespace manager owns namespaces, the
// activation engine owns only its own per-attempt context.
package forgeid

// ModuleID identifies a module definition, stable across versions.
type ModuleID string

// TenantID identifies an isolation unit. Tenants never share configuration
// or active module state.
type TenantID string

// NamespaceID identifies a node in the hierarchical configuration tree.
type NamespaceID string

// ActivationID identifies a single attempt to bring a module to active
// state for a tenant. Activation contexts are ephemeral.
type ActivationID string

// CapabilityID identifies a named interface a module provides.
type CapabilityID string

// Scope pairs a module with the tenant it is scoped to. Most subsystem
// state (registry entries, activation contexts, namespace roots) is keyed
// by Scope rather than by ModuleID alone.
type Scope struct {
	Module ModuleID
	Tenant TenantID
}

func (s Scope) String() string {
	return string(s.Module) + "@" + string(s.Tenant)
}
