package namespace

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mindburn-labs/forge/pkg/errs"
	"github.com/mindburn-labs/forge/pkg/forgeid"
)

const (
	defaultMaxConfigKeys = 10000
	defaultMaxDepth       = 16
)

// paranoidMarker prefixes an encrypted value so GetConfig knows to decrypt
// on read without needing a side-channel of which keys are sensitive.
const paranoidMarker = "forge-enc:v1:"

// GetConfig resolves a dotted-path key within ns, applying inheritance if
// the key is locally absent (spec §4.5's Inheritance rules).
func (m *Manager) GetConfig(ctx context.Context, nsID forgeid.NamespaceID, key string, ac AccessContext) (any, error) {
	if err := m.CheckAccess(nsID, "get", ac); err != nil {
		m.record(ctx, nsID, "get", ac.Principal, map[string]any{"key": key}, false, err.Error())
		return nil, err
	}

	m.mu.RLock()
	n, ok := m.nodes[nsID]
	if !ok {
		m.mu.RUnlock()
		return nil, errs.New(errs.NamespaceNotFound, "namespace not found")
	}
	value, found := lookup(n.config, splitDotted(key))
	inh := n.Inheritance
	iso := n.Isolation
	parent := n.Parent
	m.mu.RUnlock()

	if !found && inh.Enabled {
		v, ok := m.resolveInherited(ctx, inh, key, ac)
		if ok {
			value, found = v, true
		}
	}
	if !found && inh.Cascading && parent != "" {
		v, err := m.GetConfig(ctx, parent, key, ac)
		if err == nil {
			value, found = v, true
		}
	}
	if !found {
		m.record(ctx, nsID, "get", ac.Principal, map[string]any{"key": key}, false, "key not found")
		return nil, errs.New(errs.NamespaceNotFound, "config key not found: "+key)
	}

	decoded, err := m.decodeValue(iso, key, value)
	if err != nil {
		return nil, err
	}
	m.record(ctx, nsID, "get", ac.Principal, map[string]any{"key": key}, true, "")
	return decoded, nil
}

func (m *Manager) resolveInherited(ctx context.Context, inh Inheritance, key string, ac AccessContext) (any, bool) {
	sources := append([]Source(nil), inh.Sources...)
	sortSourcesByPriorityDesc(sources)

	for _, src := range sources {
		if !keyMatchesFilters(key, src.KeyFilters) {
			continue
		}
		if src.Conditions != "" {
			matched, err := m.evalCEL(src.Conditions, ac)
			if err != nil || !matched {
				continue
			}
		}
		if v, err := m.GetConfig(ctx, src.NamespaceID, key, ac); err == nil {
			return v, true
		}
	}
	return nil, false
}

func sortSourcesByPriorityDesc(s []Source) {
	for i := 0; i < len(s); i++ {
		for j := i + 1; j < len(s); j++ {
			if s[j].Priority > s[i].Priority {
				s[i], s[j] = s[j], s[i]
			}
		}
	}
}

func keyMatchesFilters(key string, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if strings.HasPrefix(key, f) {
			return true
		}
	}
	return false
}

// SetConfig writes a dotted-path key, enforcing resource limits and
// applying the namespace's isolation transform before persisting.
func (m *Manager) SetConfig(ctx context.Context, nsID forgeid.NamespaceID, key string, value any, ac AccessContext) error {
	if err := m.CheckAccess(nsID, "set", ac); err != nil {
		m.record(ctx, nsID, "set", ac.Principal, map[string]any{"key": key}, false, err.Error())
		return err
	}

	m.mu.Lock()
	n, ok := m.nodes[nsID]
	if !ok {
		m.mu.Unlock()
		return errs.New(errs.NamespaceNotFound, "namespace not found")
	}
	if n.Locked {
		m.mu.Unlock()
		return errs.New(errs.NamespaceLocked, "namespace is locked")
	}

	limits := n.Isolation.Sandbox.ResourceLimits
	maxDepth := limits.MaxDepth
	if maxDepth == 0 {
		maxDepth = defaultMaxDepth
	}
	if depthOf(key) > maxDepth {
		m.mu.Unlock()
		return errs.New(errs.ResourceLimit, "key exceeds maxDepth")
	}

	encoded, err := m.encodeValue(n.Isolation, key, value)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	trial := cloneTree(n.config)
	setDotted(trial, splitDotted(key), encoded)

	maxKeys := limits.MaxConfigKeys
	if maxKeys == 0 {
		maxKeys = defaultMaxConfigKeys
	}
	if countLeaves(trial) > maxKeys {
		m.mu.Unlock()
		return errs.New(errs.ResourceLimit, "namespace exceeds maxConfigKeys")
	}

	storageBytes, _ := treeStats(trial, 0)
	if limits.MaxStorage > 0 && storageBytes > limits.MaxStorage {
		m.mu.Unlock()
		return errs.New(errs.ResourceLimit, "namespace exceeds maxStorage")
	}

	n.config = trial
	n.UpdatedAt = m.clock.Now()
	n.Version++
	storageKey := m.storageKey(n.Isolation, nsID, key)
	storage := m.storage
	m.mu.Unlock()

	if storage != nil {
		blob, _ := json.Marshal(encoded)
		_, currentVersion, getErr := storage.Get(ctx, storageKey)
		if getErr != nil {
			currentVersion = 0
		}
		if _, err := storage.Put(ctx, storageKey, blob, currentVersion); err != nil {
			m.record(ctx, nsID, "set", ac.Principal, map[string]any{"key": key}, false, err.Error())
			return errs.Wrap(errs.Critical, "namespace: persist config", err)
		}
	}

	m.record(ctx, nsID, "set", ac.Principal, map[string]any{"key": key}, true, "")
	m.publish(nsID, "config_changed", map[string]any{"key": key})
	return nil
}

// DeleteConfig removes a leaf key. Deletions prune leaves only (spec §3):
// an intermediate mapping left empty by this call is not itself removed.
func (m *Manager) DeleteConfig(ctx context.Context, nsID forgeid.NamespaceID, key string, ac AccessContext) error {
	if err := m.CheckAccess(nsID, "delete", ac); err != nil {
		m.record(ctx, nsID, "delete", ac.Principal, map[string]any{"key": key}, false, err.Error())
		return err
	}

	m.mu.Lock()
	n, ok := m.nodes[nsID]
	if !ok {
		m.mu.Unlock()
		return errs.New(errs.NamespaceNotFound, "namespace not found")
	}
	if n.Locked {
		m.mu.Unlock()
		return errs.New(errs.NamespaceLocked, "namespace is locked")
	}
	deleteDotted(n.config, splitDotted(key))
	n.UpdatedAt = m.clock.Now()
	n.Version++
	storageKey := m.storageKey(n.Isolation, nsID, key)
	storage := m.storage
	m.mu.Unlock()

	if storage != nil {
		_, currentVersion, getErr := storage.Get(ctx, storageKey)
		if getErr == nil {
			_ = storage.Delete(ctx, storageKey, currentVersion)
		}
	}
	m.record(ctx, nsID, "delete", ac.Principal, map[string]any{"key": key}, true, "")
	m.publish(nsID, "config_changed", map[string]any{"key": key})
	return nil
}

// storageKey applies the Open Question 1 resolution: basic (and stricter)
// isolation prefixes at write time so the raw store is trivially
// partitionable; none leaves the key unprefixed.
func (m *Manager) storageKey(iso Isolation, nsID forgeid.NamespaceID, key string) string {
	if iso.Level == IsolationNone {
		return key
	}
	return fmt.Sprintf("ns:%s:%s", nsID, key)
}

func (m *Manager) encodeValue(iso Isolation, key string, value any) (any, error) {
	switch iso.Level {
	case IsolationStrict:
		return sanitize(value), nil
	case IsolationParanoid:
		if !isSensitiveKey(key) {
			return value, nil
		}
		if m.crypto == nil {
			return nil, errs.New(errs.Critical, "paranoid isolation requires a CryptoProvider")
		}
		plain, err := json.Marshal(value)
		if err != nil {
			return nil, errs.Wrap(errs.Validation, "namespace: marshal value", err)
		}
		cipher, err := m.crypto.Encrypt(plain)
		if err != nil {
			return nil, errs.Wrap(errs.Critical, "namespace: encrypt value", err)
		}
		return paranoidMarker + base64.StdEncoding.EncodeToString(cipher), nil
	default:
		return value, nil
	}
}

func (m *Manager) decodeValue(iso Isolation, key string, stored any) (any, error) {
	if iso.Level != IsolationParanoid {
		return stored, nil
	}
	s, ok := stored.(string)
	if !ok || !strings.HasPrefix(s, paranoidMarker) {
		return stored, nil
	}
	if m.crypto == nil {
		return nil, errs.New(errs.Critical, "paranoid isolation requires a CryptoProvider")
	}
	cipher, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, paranoidMarker))
	if err != nil {
		return nil, errs.Wrap(errs.Critical, "namespace: decode ciphertext", err)
	}
	plain, err := m.crypto.Decrypt(cipher)
	if err != nil {
		return nil, errs.Wrap(errs.Critical, "namespace: decrypt value", err)
	}
	var out any
	if err := json.Unmarshal(plain, &out); err != nil {
		return nil, errs.Wrap(errs.Critical, "namespace: unmarshal decrypted value", err)
	}
	return out, nil
}

// sanitize strips angle-bracket markup from string values (strict
// isolation's value sanitation rule). Non-string values pass through.
func sanitize(value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	var b strings.Builder
	depth := 0
	for _, r := range s {
		switch {
		case r == '<':
			depth++
		case r == '>':
			if depth > 0 {
				depth--
			}
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func lookup(tree map[string]any, segments []string) (any, bool) {
	cur := tree
	for i, seg := range segments {
		v, ok := cur[seg]
		if !ok {
			return nil, false
		}
		if i == len(segments)-1 {
			return v, true
		}
		child, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		cur = child
	}
	return nil, false
}

func setDotted(tree map[string]any, segments []string, value any) {
	cur := tree
	for i, seg := range segments {
		if i == len(segments)-1 {
			cur[seg] = value
			return
		}
		child, ok := cur[seg].(map[string]any)
		if !ok {
			child = make(map[string]any)
			cur[seg] = child
		}
		cur = child
	}
}

func deleteDotted(tree map[string]any, segments []string) {
	cur := tree
	for i, seg := range segments {
		if i == len(segments)-1 {
			delete(cur, seg)
			return
		}
		child, ok := cur[seg].(map[string]any)
		if !ok {
			return
		}
		cur = child
	}
}

func cloneTree(tree map[string]any) map[string]any {
	out := make(map[string]any, len(tree))
	for k, v := range tree {
		if child, ok := v.(map[string]any); ok {
			out[k] = cloneTree(child)
		} else {
			out[k] = v
		}
	}
	return out
}
