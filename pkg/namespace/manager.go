package namespace

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"

	"github.com/mindburn-labs/forge/pkg/errs"
	"github.com/mindburn-labs/forge/pkg/events"
	"github.com/mindburn-labs/forge/pkg/forgeid"
	"github.com/mindburn-labs/forge/pkg/ports"
)

// sensitiveKeyMarkers triggers paranoid-isolation encryption (spec §4.5).
var sensitiveKeyMarkers = []string{"password", "secret", "key", "token", "credential"}

func isSensitiveKey(dottedKey string) bool {
	lower := strings.ToLower(dottedKey)
	for _, marker := range sensitiveKeyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// node is the manager's internal record: the public Node plus its live
// configuration tree.
type node struct {
	Node
	config map[string]any // dotted-key tree, post-isolation-transform values
}

// Manager is the NamespaceManager (spec §4.5).
type Manager struct {
	mu       sync.RWMutex
	nodes    map[forgeid.NamespaceID]*node
	byPath   map[string]forgeid.NamespaceID
	aliases  map[string]forgeid.NamespaceID
	roots    map[forgeid.Scope]forgeid.NamespaceID
	auditLog []AuditEntry

	storage ports.StorageAdapter
	bus     *events.Bus
	sink    ports.AuditSink
	crypto  ports.CryptoProvider
	clock   ports.Clock

	celEnv *cel.Env
}

// New constructs a NamespaceManager. storage, bus, sink, and crypto may be
// nil; crypto is required only for namespaces using paranoid isolation.
func New(storage ports.StorageAdapter, bus *events.Bus, sink ports.AuditSink, crypto ports.CryptoProvider, clock ports.Clock) (*Manager, error) {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	env, err := cel.NewEnv(
		cel.Variable("principal", cel.StringType),
		cel.Variable("roles", cel.ListType(cel.StringType)),
		cel.Variable("module", cel.StringType),
		cel.Variable("tenant", cel.StringType),
		cel.Variable("op", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("namespace: cel environment: %w", err)
	}
	return &Manager{
		nodes:   make(map[forgeid.NamespaceID]*node),
		byPath:  make(map[string]forgeid.NamespaceID),
		aliases: make(map[string]forgeid.NamespaceID),
		roots:   make(map[forgeid.Scope]forgeid.NamespaceID),
		storage: storage,
		bus:     bus,
		sink:    sink,
		crypto:  crypto,
		clock:   clock,
		celEnv:  env,
	}, nil
}

// Root returns (creating if necessary) the one root namespace for a
// (module, tenant) scope: path "/", level 0, inheritance disabled, basic
// isolation, sandbox enabled (spec §4.5's "Root namespace" rule).
func (m *Manager) Root(ctx context.Context, scope forgeid.Scope) (*Node, error) {
	m.mu.Lock()
	if id, ok := m.roots[scope]; ok {
		n := m.nodes[id]
		m.mu.Unlock()
		return &n.Node, nil
	}
	m.mu.Unlock()

	n := &Node{
		ID:       forgeid.NamespaceID(uuid.NewString()),
		Path:     "/",
		Children: make(map[forgeid.NamespaceID]bool),
		Level:    0,
		Module:   scope.Module,
		Tenant:   scope.Tenant,
		Isolation: Isolation{
			Level:   IsolationBasic,
			Sandbox: Sandbox{Enabled: true},
		},
		Status:    StatusActive,
		CreatedAt: m.clock.Now(),
		UpdatedAt: m.clock.Now(),
	}
	return n, m.insert(ctx, n, scope)
}

func (m *Manager) insert(ctx context.Context, n *Node, scope forgeid.Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pathKey := scopedPath(scope, n.Path)
	if _, exists := m.byPath[pathKey]; exists {
		return errs.New(errs.NamespacePathConflict, "namespace path already exists: "+n.Path)
	}

	rec := &node{Node: *n, config: make(map[string]any)}
	m.nodes[n.ID] = rec
	m.byPath[pathKey] = n.ID
	if n.Level == 0 {
		m.roots[scope] = n.ID
	}
	if n.Parent != "" {
		if parent, ok := m.nodes[n.Parent]; ok {
			parent.Children[n.ID] = true
		}
	}
	return nil
}

func scopedPath(scope forgeid.Scope, path string) string {
	return scope.String() + ":" + path
}

// Create creates a child namespace under parent.
func (m *Manager) Create(ctx context.Context, parentID forgeid.NamespaceID, path string, access AccessControl, inh Inheritance, iso Isolation) (*Node, error) {
	m.mu.Lock()
	parent, ok := m.nodes[parentID]
	if !ok {
		m.mu.Unlock()
		return nil, errs.New(errs.NamespaceNotFound, "parent namespace not found")
	}
	if parent.Locked {
		m.mu.Unlock()
		return nil, errs.New(errs.NamespaceLocked, "parent namespace is locked")
	}
	scope := forgeid.Scope{Module: parent.Module, Tenant: parent.Tenant}
	m.mu.Unlock()

	n := &Node{
		ID:          forgeid.NamespaceID(uuid.NewString()),
		Path:        path,
		Parent:      parentID,
		Children:    make(map[forgeid.NamespaceID]bool),
		Level:       parent.Level + 1,
		Module:      parent.Module,
		Tenant:      parent.Tenant,
		Access:      access,
		Inheritance: inh,
		Isolation:   iso,
		Status:      StatusActive,
		CreatedAt:   m.clock.Now(),
		UpdatedAt:   m.clock.Now(),
	}
	if err := m.insert(ctx, n, scope); err != nil {
		m.record(ctx, parentID, "create", "", nil, false, err.Error())
		return nil, err
	}
	m.record(ctx, n.ID, "create", "", map[string]any{"path": path}, true, "")
	m.publish(n.ID, "namespace_created", map[string]any{"path": path})
	return n, nil
}

// Delete removes a namespace. Fails if locked or if children exist.
func (m *Manager) Delete(ctx context.Context, id forgeid.NamespaceID) error {
	m.mu.Lock()
	n, ok := m.nodes[id]
	if !ok {
		m.mu.Unlock()
		return errs.New(errs.NamespaceNotFound, "namespace not found")
	}
	if n.Locked {
		m.mu.Unlock()
		return errs.New(errs.NamespaceLocked, "namespace is locked")
	}
	if len(n.Children) > 0 {
		m.mu.Unlock()
		return errs.New(errs.Validation, "cannot delete namespace with children")
	}
	if n.Level == 0 {
		m.mu.Unlock()
		return errs.New(errs.Validation, "cannot delete a root namespace while tenant-module scope is live")
	}

	scope := forgeid.Scope{Module: n.Module, Tenant: n.Tenant}
	delete(m.nodes, id)
	delete(m.byPath, scopedPath(scope, n.Path))
	if parent, ok := m.nodes[n.Parent]; ok {
		delete(parent.Children, id)
	}
	m.mu.Unlock()

	m.record(ctx, id, "delete", "", nil, true, "")
	m.publish(id, "namespace_deleted", nil)
	return nil
}

// Get returns a namespace by id.
func (m *Manager) Get(id forgeid.NamespaceID) (*Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, false
	}
	cp := n.Node
	return &cp, true
}

// List returns every namespace belonging to a (module, tenant) scope.
func (m *Manager) List(scope forgeid.Scope) []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Node
	for _, n := range m.nodes {
		if n.Module == scope.Module && n.Tenant == scope.Tenant {
			cp := n.Node
			out = append(out, &cp)
		}
	}
	return out
}

// Update mutates a namespace's access/inheritance/isolation configuration.
// Fails if locked.
func (m *Manager) Update(ctx context.Context, id forgeid.NamespaceID, fn func(n *Node)) error {
	m.mu.Lock()
	n, ok := m.nodes[id]
	if !ok {
		m.mu.Unlock()
		return errs.New(errs.NamespaceNotFound, "namespace not found")
	}
	if n.Locked {
		m.mu.Unlock()
		return errs.New(errs.NamespaceLocked, "namespace is locked")
	}
	fn(&n.Node)
	n.UpdatedAt = m.clock.Now()
	n.Version++
	m.mu.Unlock()

	m.record(ctx, id, "update", "", nil, true, "")
	return nil
}

// ResolveNamespace maps a path within a scope to its namespace id.
func (m *Manager) ResolveNamespace(scope forgeid.Scope, path string) (forgeid.NamespaceID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.aliases[scopedPath(scope, path)]; ok {
		return id, true
	}
	id, ok := m.byPath[scopedPath(scope, path)]
	return id, ok
}

// CreateAlias registers an additional path resolving to id's scope.
func (m *Manager) CreateAlias(id forgeid.NamespaceID, aliasPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return errs.New(errs.NamespaceNotFound, "namespace not found")
	}
	scope := forgeid.Scope{Module: n.Module, Tenant: n.Tenant}
	key := scopedPath(scope, aliasPath)
	if _, exists := m.byPath[key]; exists {
		return errs.New(errs.NamespacePathConflict, "alias path already exists: "+aliasPath)
	}
	m.aliases[key] = id
	return nil
}

// RemoveAlias unregisters an alias path.
func (m *Manager) RemoveAlias(scope forgeid.Scope, aliasPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scopedPath(scope, aliasPath)
	if _, ok := m.aliases[key]; !ok {
		return errs.New(errs.NamespaceNotFound, "alias not found")
	}
	delete(m.aliases, key)
	return nil
}

// Metrics reports a namespace's current configuration footprint.
func (m *Manager) Metrics(id forgeid.NamespaceID) (Metrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return Metrics{}, errs.New(errs.NamespaceNotFound, "namespace not found")
	}
	size, depth := treeStats(n.config, 0)
	return Metrics{
		ConfigKeys:   countLeaves(n.config),
		StorageBytes: size,
		Depth:        depth,
		ChildCount:   len(n.Children),
	}, nil
}

func (m *Manager) publish(id forgeid.NamespaceID, kind events.Kind, payload map[string]any) {
	if m.bus == nil {
		return
	}
	m.mu.RLock()
	n, ok := m.nodes[id]
	m.mu.RUnlock()
	if !ok {
		return
	}
	m.bus.Publish(forgeid.Scope{Module: n.Module, Tenant: n.Tenant}, kind, payload)
}

// record appends an audit entry and best-effort forwards it to the
// injected AuditSink with bounded retry (spec §4.5's Audit operation).
func (m *Manager) record(ctx context.Context, id forgeid.NamespaceID, op, principal string, details map[string]any, success bool, errMsg string) {
	entry := AuditEntry{
		ID:        uuid.NewString(),
		Namespace: id,
		Op:        op,
		Principal: principal,
		Timestamp: m.clock.Now(),
		Details:   details,
		Success:   success,
		Error:     errMsg,
	}
	m.mu.Lock()
	m.auditLog = append(m.auditLog, entry)
	m.mu.Unlock()

	if m.sink == nil {
		return
	}
	go m.forwardWithRetry(ctx, entry)
}

func (m *Manager) forwardWithRetry(ctx context.Context, entry AuditEntry) {
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		err := m.sink.Record(ctx, ports.AuditEntry{
			ID:        entry.ID,
			Namespace: entry.Namespace,
			Op:        entry.Op,
			Principal: entry.Principal,
			Timestamp: entry.Timestamp,
			Details:   entry.Details,
			Success:   entry.Success,
			Error:     entry.Error,
		})
		if err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// Audit returns every audit entry recorded for a namespace within [from, to].
func (m *Manager) Audit(id forgeid.NamespaceID, from, to time.Time) []AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []AuditEntry
	for _, e := range m.auditLog {
		if e.Namespace != id {
			continue
		}
		if !from.IsZero() && e.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && e.Timestamp.After(to) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func treeStats(m map[string]any, depth int) (bytes int64, maxDepth int) {
	maxDepth = depth
	for _, v := range m {
		bytes += int64(len(fmt.Sprint(v)))
		if child, ok := v.(map[string]any); ok {
			_, d := treeStats(child, depth+1)
			if d > maxDepth {
				maxDepth = d
			}
		}
	}
	return
}

func countLeaves(m map[string]any) int {
	n := 0
	for _, v := range m {
		if child, ok := v.(map[string]any); ok {
			n += countLeaves(child)
		} else {
			n++
		}
	}
	return n
}

func splitDotted(key string) []string {
	return strings.Split(key, ".")
}

func depthOf(key string) int {
	return len(splitDotted(key))
}
