// Package namespace implements the NamespaceManager (spec §4.5): a
// hierarchical, access-controlled, per-tenant configuration store. Grounded
// on the teacher's tenants.IsolationChecker (cross-tenant boundary proofs,
// generalized here into the basic/strict/paranoid isolation levels) and
// policyloader.Loader's priority-sorted rule evaluation (generalized into
// the accessRules[] descending-priority pass).
package namespace

import (
	"time"

	"github.com/mindburn-labs/forge/pkg/forgeid"
)

// InheritanceStrategy names how an inherited value combines with a
// namespace's own value. GetConfig does not read it: the first matching
// source's value is returned as is, whatever the strategy.
type InheritanceStrategy string

const (
	Merge    InheritanceStrategy = "merge"
	Override InheritanceStrategy = "override"
	Additive InheritanceStrategy = "additive"
	Strict   InheritanceStrategy = "strict"
)

// Source is one inheritance source, visited in descending Priority order.
type Source struct {
	NamespaceID forgeid.NamespaceID
	Priority    int
	KeyFilters  []string // dotted-key prefixes this source may supply (plain prefix match)
	Conditions  string   // CEL expression; empty always matches
}

// Inheritance governs fallback lookups for keys absent in a namespace.
type Inheritance struct {
	Enabled   bool
	Strategy  InheritanceStrategy
	Sources   []Source
	Cascading bool
}

// IsolationLevel controls how a namespace's configuration values are stored.
type IsolationLevel string

const (
	IsolationNone     IsolationLevel = "none"
	IsolationBasic    IsolationLevel = "basic"
	IsolationStrict   IsolationLevel = "strict"
	IsolationParanoid IsolationLevel = "paranoid"
)

// ResourceLimits bounds a namespace's configuration footprint. A zero
// MaxConfigKeys or MaxDepth falls back to the package defaults (10000 keys,
// 16 key segments); a zero MaxStorage is unbounded. MaxMemory is not
// checked on write.
type ResourceLimits struct {
	MaxMemory     int64
	MaxStorage    int64
	MaxConfigKeys int
	MaxDepth      int
}

// Sandbox mirrors the spec's nested isolation.sandbox.resourceLimits path.
type Sandbox struct {
	Enabled        bool
	ResourceLimits ResourceLimits
}

// Isolation describes how values in this namespace are stored at rest.
type Isolation struct {
	Level   IsolationLevel
	Sandbox Sandbox
}

// PrincipalType classifies what a Permission or AccessRule matches against.
type PrincipalType string

const (
	PrincipalUser   PrincipalType = "user"
	PrincipalRole   PrincipalType = "role"
	PrincipalModule PrincipalType = "module"
	PrincipalTenant PrincipalType = "tenant"
)

// Permission is a targeted grant: if Type/Target matches the caller and
// Conditions (a CEL expression over the request) evaluates true, access is
// allowed.
type Permission struct {
	Type       PrincipalType
	Target     string
	Conditions string
}

// AccessRule is one entry of the accessRules[] descending-priority list.
// The first rule whose Op and Conditions match the request wins.
type AccessRule struct {
	Priority   int
	Op         string // operation name, or "*" for any
	Allow      bool
	Conditions string
}

// AccessControl is the full access-control configuration attached to a
// namespace, evaluated in the five-step order spec §4.5 defines.
type AccessControl struct {
	BlockedOperations []string
	AllowedOperations []string
	Permissions       []Permission
	Rules             []AccessRule
}

// Status is the lifecycle state of a namespace node.
type Status string

const (
	StatusActive Status = "active"
	StatusLocked Status = "locked"
)

// Node is one record in the hierarchical namespace tree (spec §3's
// Namespace Node).
type Node struct {
	ID       forgeid.NamespaceID
	Path     string
	Parent   forgeid.NamespaceID // "" for a root
	Children map[forgeid.NamespaceID]bool
	Level    int
	Module   forgeid.ModuleID
	Tenant   forgeid.TenantID

	Access      AccessControl
	Inheritance Inheritance
	Isolation   Isolation

	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
	Locked    bool
	Version   int64
}

// AccessContext is the request-scoped information CEL conditions and
// permission/rule matching see.
type AccessContext struct {
	Principal string
	Roles     []string
	Module    forgeid.ModuleID
	Tenant    forgeid.TenantID
	Op        string
}

// AuditEntry is one audit-log record (spec §4.5's audit operation). It
// mirrors ports.AuditEntry but keyed by NamespaceID for in-memory retention.
type AuditEntry struct {
	ID        string
	Namespace forgeid.NamespaceID
	Op        string
	Principal string
	Timestamp time.Time
	Details   map[string]any
	Success   bool
	Error     string
}

// Metrics summarizes one namespace's configuration footprint.
type Metrics struct {
	ConfigKeys   int
	StorageBytes int64
	Depth        int
	ChildCount   int
}
