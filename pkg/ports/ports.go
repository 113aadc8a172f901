// Package ports declares the injected collaborator interfaces the Forge
// core requires (spec §6). The core never constructs a concrete database
// client, HTTP client, or crypto key store itself; a host wires one of
// these in. Reference implementations live in pkg/storage, pkg/loader,
// pkg/crypto, pkg/identity, and pkg/audit.
package ports

import (
	"context"
	"time"

	"github.com/mindburn-labs/forge/pkg/forgeid"
)

// Artifact is the verified, content-addressed payload a ModuleLoader
// produces for a given module version.
type Artifact struct {
	ModuleID ModuleIDAlias
	Version  string
	Digest   string // "sha256:<hex>"
	Content  []byte
}

// ModuleIDAlias is forgeid.ModuleID under a second name; callers pass
// forgeid.ModuleID values.
type ModuleIDAlias = forgeid.ModuleID

// ModuleLoader fetches and content-verifies a module artifact. Must be
// deterministic: fetching the same (id, version) twice returns artifacts
// with the same digest.
type ModuleLoader interface {
	Fetch(ctx context.Context, id forgeid.ModuleID, version string) (*Artifact, error)
}

// CASError is returned by StorageAdapter.Put when the provided expected
// version does not match the stored version.
type CASError struct {
	Key      string
	Expected int64
	Actual   int64
}

func (e *CASError) Error() string {
	return "storage: compare-and-swap conflict on " + e.Key
}

// StorageAdapter persists registry entries, namespace definitions, and
// config blobs per the abstract layout in spec §6. Put performs a
// compare-and-swap: expectedVersion 0 means "must not already exist".
type StorageAdapter interface {
	Put(ctx context.Context, key string, value []byte, expectedVersion int64) (newVersion int64, err error)
	Get(ctx context.Context, key string) (value []byte, version int64, err error)
	Delete(ctx context.Context, key string, expectedVersion int64) error
	List(ctx context.Context, prefix string) (keys []string, err error)
}

// Migration is an additive-only schema/data migration declared by a
// module's lifecycle policy.
type Migration struct {
	Version        string
	Additive       bool
	RollbackScript string
}

// MigrationRunner applies and, when a rollback script is declared,
// reverses additive migrations.
type MigrationRunner interface {
	Apply(ctx context.Context, m Migration) error
	Rollback(ctx context.Context, m Migration) error
}

// TrafficRouter sets the serving weight for a module version. Atomic per
// (module, tenant): a single call fully determines the routing decision.
type TrafficRouter interface {
	SetWeight(ctx context.Context, module forgeid.ModuleID, tenant forgeid.TenantID, version string, percent int) error
}

// Principal is the resolved identity of a caller, used for namespace
// access checks.
type Principal struct {
	ID       string
	Roles    []string
	TenantID forgeid.TenantID
}

// IdentityProvider resolves the caller principal for access checks.
type IdentityProvider interface {
	Resolve(ctx context.Context, token string) (*Principal, error)
}

// AuditEntry is one audit-log record (spec §4.5's audit operation).
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

// AuditSink receives audit entries. The core retries on transient failure
// with bounded backoff; a sink that always errors degrades to
// best-effort (the in-memory audit trail in pkg/namespace is authoritative
// regardless).
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// CryptoProvider supplies symmetric encryption for paranoid isolation and
// HMAC for export checksums.
type CryptoProvider interface {
	Encrypt(plaintext []byte) (ciphertext []byte, err error)
	Decrypt(ciphertext []byte) (plaintext []byte, err error)
	HMAC(data []byte) []byte
}

// Clock is injected for testability; production code uses time.Now.
type Clock interface {
	Now() time.Time
}

// RandomSource is injected for testability (canary bucketing, jitter).
type RandomSource interface {
	// Float64 returns a pseudo-random number in [0, 1).
	Float64() float64
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
