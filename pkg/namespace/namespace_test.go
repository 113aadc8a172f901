package namespace_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindburn-labs/forge/pkg/errs"
	"github.com/mindburn-labs/forge/pkg/forgeid"
	"github.com/mindburn-labs/forge/pkg/namespace"
	"github.com/mindburn-labs/forge/pkg/ports"
)

// recordingSink collects every audit entry handed to it, so a test can
// assert exactly how many were recorded for a given namespace operation.
type recordingSink struct {
	mu      sync.Mutex
	entries []ports.AuditEntry
}

func (s *recordingSink) Record(ctx context.Context, entry ports.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *recordingSink) countFor(ns forgeid.NamespaceID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.Namespace == ns {
			n++
		}
	}
	return n
}

func newManager(t *testing.T, sink ports.AuditSink) *namespace.Manager {
	t.Helper()
	m, err := namespace.New(nil, nil, sink, nil, ports.SystemClock{})
	require.NoError(t, err)
	return m
}

func TestCreatePathUniqueness(t *testing.T) {
	m := newManager(t, nil)
	ctx := context.Background()
	scope := forgeid.Scope{Module: "billing", Tenant: "t1"}

	root, err := m.Root(ctx, scope)
	require.NoError(t, err)

	_, err = m.Create(ctx, root.ID, "/plans", namespace.AccessControl{}, namespace.Inheritance{}, namespace.Isolation{})
	require.NoError(t, err)

	_, err = m.Create(ctx, root.ID, "/plans", namespace.AccessControl{}, namespace.Inheritance{}, namespace.Isolation{})
	require.Error(t, err)
	var fe *errs.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, errs.NamespacePathConflict, fe.Kind)
}

func TestRootIsIdempotentPerScope(t *testing.T) {
	m := newManager(t, nil)
	ctx := context.Background()
	scope := forgeid.Scope{Module: "billing", Tenant: "t1"}

	first, err := m.Root(ctx, scope)
	require.NoError(t, err)
	second, err := m.Root(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestCreateAuditedExactlyOnce(t *testing.T) {
	sink := &recordingSink{}
	m := newManager(t, sink)
	ctx := context.Background()
	scope := forgeid.Scope{Module: "billing", Tenant: "t1"}

	root, err := m.Root(ctx, scope)
	require.NoError(t, err)

	child, err := m.Create(ctx, root.ID, "/plans", namespace.AccessControl{}, namespace.Inheritance{}, namespace.Isolation{})
	require.NoError(t, err)

	// record() fires the sink asynchronously with bounded retry; give it a
	// moment to land before counting.
	require.Eventually(t, func() bool {
		return sink.countFor(child.ID) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestCreateConflictDoesNotDoubleAudit(t *testing.T) {
	sink := &recordingSink{}
	m := newManager(t, sink)
	ctx := context.Background()
	scope := forgeid.Scope{Module: "billing", Tenant: "t1"}

	root, err := m.Root(ctx, scope)
	require.NoError(t, err)

	_, err = m.Create(ctx, root.ID, "/plans", namespace.AccessControl{}, namespace.Inheritance{}, namespace.Isolation{})
	require.NoError(t, err)

	_, err = m.Create(ctx, root.ID, "/plans", namespace.AccessControl{}, namespace.Inheritance{}, namespace.Isolation{})
	require.Error(t, err)

	// The failed second Create records its own entry against the parent,
	// not the (never-inserted) child, so the parent sees exactly one.
	require.Eventually(t, func() bool {
		return sink.countFor(root.ID) == 1
	}, time.Second, 10*time.Millisecond)
}

// namespaceWithAccess creates a fresh root plus one child carrying the
// given access control. Each call takes its own Manager, so there's no
// cross-test path collision to guard against.
func namespaceWithAccess(t *testing.T, m *namespace.Manager, access namespace.AccessControl) forgeid.NamespaceID {
	t.Helper()
	ctx := context.Background()
	scope := forgeid.Scope{Module: "billing", Tenant: "t1"}
	root, err := m.Root(ctx, scope)
	require.NoError(t, err)
	child, err := m.Create(ctx, root.ID, "/secure", access, namespace.Inheritance{}, namespace.Isolation{})
	require.NoError(t, err)
	return child.ID
}

func TestCheckAccessBlockedOperationsWinOverEverythingElse(t *testing.T) {
	m := newManager(t, nil)
	access := namespace.AccessControl{
		BlockedOperations: []string{"write"},
		AllowedOperations: []string{"write"},
		Rules: []namespace.AccessRule{
			{Priority: 100, Op: "write", Allow: true},
		},
	}
	id := namespaceWithAccess(t, m, access)

	err := m.CheckAccess(id, "write", namespace.AccessContext{Principal: "alice"})
	require.Error(t, err)
	var fe *errs.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, errs.AccessDenied, fe.Kind)
}

func TestCheckAccessAllowedOperationsShortCircuit(t *testing.T) {
	m := newManager(t, nil)
	access := namespace.AccessControl{
		AllowedOperations: []string{"read"},
		Rules: []namespace.AccessRule{
			{Priority: 100, Op: "read", Allow: false},
		},
	}
	id := namespaceWithAccess(t, m, access)

	require.NoError(t, m.CheckAccess(id, "read", namespace.AccessContext{Principal: "alice"}))
}

func TestCheckAccessPermissionMatchByRoleAllows(t *testing.T) {
	m := newManager(t, nil)
	access := namespace.AccessControl{
		Permissions: []namespace.Permission{
			{Type: namespace.PrincipalRole, Target: "admin"},
		},
	}
	id := namespaceWithAccess(t, m, access)

	require.NoError(t, m.CheckAccess(id, "delete", namespace.AccessContext{
		Principal: "bob",
		Roles:     []string{"viewer", "admin"},
	}))

	err := m.CheckAccess(id, "delete", namespace.AccessContext{
		Principal: "carol",
		Roles:     []string{"viewer"},
	})
	require.Error(t, err)
}

func TestCheckAccessRulesEvaluatedInDescendingPriorityOrder(t *testing.T) {
	m := newManager(t, nil)
	access := namespace.AccessControl{
		Rules: []namespace.AccessRule{
			{Priority: 1, Op: "write", Allow: true},
			{Priority: 50, Op: "write", Allow: false},
			{Priority: 10, Op: "write", Allow: true},
		},
	}
	id := namespaceWithAccess(t, m, access)

	// Priority 50's deny must win over the lower-priority allows, even
	// though it sits in the middle of the declared slice.
	err := m.CheckAccess(id, "write", namespace.AccessContext{Principal: "alice"})
	require.Error(t, err)
	var fe *errs.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, errs.AccessDenied, fe.Kind)
}

func TestCheckAccessDefaultDenyWhenNothingMatches(t *testing.T) {
	m := newManager(t, nil)
	id := namespaceWithAccess(t, m, namespace.AccessControl{})

	err := m.CheckAccess(id, "write", namespace.AccessContext{Principal: "alice"})
	require.Error(t, err)
	var fe *errs.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, errs.AccessDenied, fe.Kind)
}

func TestCheckAccessIsDeterministicAcrossRepeatedCalls(t *testing.T) {
	m := newManager(t, nil)
	access := namespace.AccessControl{
		Rules: []namespace.AccessRule{
			{Priority: 5, Op: "*", Allow: true, Conditions: `"admin" in roles`},
			{Priority: 1, Op: "*", Allow: false},
		},
	}
	id := namespaceWithAccess(t, m, access)
	ac := namespace.AccessContext{Principal: "dave", Roles: []string{"admin"}}

	var firstErr error
	for i := 0; i < 20; i++ {
		err := m.CheckAccess(id, "restart", ac)
		if i == 0 {
			firstErr = err
			continue
		}
		assert.Equal(t, firstErr, err)
	}
	assert.NoError(t, firstErr)
}
