package namespace

import (
	"context"
	"encoding/hex"

	"github.com/mindburn-labs/forge/pkg/canonicalize"
	"github.com/mindburn-labs/forge/pkg/errs"
	"github.com/mindburn-labs/forge/pkg/forgeid"
)

// Bundle is the exportable snapshot of a namespace subtree (spec §4.5's
// export|import operation). Config values are exported as stored (i.e.
// still isolation-transformed — a paranoid namespace's export keeps its
// secrets encrypted), so import round-trips without needing the original
// CryptoProvider key available at export time.
type Bundle struct {
	Path        string
	Access      AccessControl
	Inheritance Inheritance
	Isolation   Isolation
	Config      map[string]any
	Children    []Bundle
}

// Export snapshots nsID and its full subtree, canonicalizes it via JCS
// (RFC 8785), and returns the bundle alongside an HMAC checksum computed
// by the injected CryptoProvider over the canonical bytes. Resolves Open
// Question 2 in favor of the spec's "checksum" language: the checksum
// authenticates the export, it does not merely fingerprint it.
func (m *Manager) Export(ctx context.Context, nsID forgeid.NamespaceID) (*Bundle, string, error) {
	if m.crypto == nil {
		return nil, "", errs.New(errs.Critical, "namespace: export requires a CryptoProvider")
	}

	bundle, err := m.snapshot(nsID)
	if err != nil {
		return nil, "", err
	}

	canon, err := canonicalize.JSON(bundle)
	if err != nil {
		return nil, "", errs.Wrap(errs.Critical, "namespace: canonicalize export", err)
	}
	checksum := "hmac-sha256:" + hex.EncodeToString(m.crypto.HMAC(canon))

	m.record(ctx, nsID, "export", "", map[string]any{"checksum": checksum}, true, "")
	return bundle, checksum, nil
}

func (m *Manager) snapshot(nsID forgeid.NamespaceID) (*Bundle, error) {
	m.mu.RLock()
	n, ok := m.nodes[nsID]
	if !ok {
		m.mu.RUnlock()
		return nil, errs.New(errs.NamespaceNotFound, "namespace not found")
	}
	b := &Bundle{
		Path:        n.Path,
		Access:      n.Access,
		Inheritance: n.Inheritance,
		Isolation:   n.Isolation,
		Config:      cloneTree(n.config),
	}
	children := make([]forgeid.NamespaceID, 0, len(n.Children))
	for childID := range n.Children {
		children = append(children, childID)
	}
	m.mu.RUnlock()

	for _, childID := range children {
		child, err := m.snapshot(childID)
		if err != nil {
			return nil, err
		}
		b.Children = append(b.Children, *child)
	}
	return b, nil
}

// Import verifies checksum against bundle's canonical encoding, then
// recreates the subtree under parentID. Fails closed on checksum mismatch.
func (m *Manager) Import(ctx context.Context, parentID forgeid.NamespaceID, bundle Bundle, checksum string) error {
	if m.crypto == nil {
		return errs.New(errs.Critical, "namespace: import requires a CryptoProvider")
	}

	canon, err := canonicalize.JSON(bundle)
	if err != nil {
		return errs.Wrap(errs.Critical, "namespace: canonicalize import", err)
	}
	expected := "hmac-sha256:" + hex.EncodeToString(m.crypto.HMAC(canon))
	if expected != checksum {
		m.record(ctx, parentID, "import", "", map[string]any{"path": bundle.Path}, false, "checksum mismatch")
		return errs.New(errs.Validation, "namespace: import checksum mismatch")
	}

	_, err = m.restore(ctx, parentID, bundle)
	if err != nil {
		return err
	}
	m.record(ctx, parentID, "import", "", map[string]any{"path": bundle.Path}, true, "")
	return nil
}

func (m *Manager) restore(ctx context.Context, parentID forgeid.NamespaceID, bundle Bundle) (*Node, error) {
	n, err := m.Create(ctx, parentID, bundle.Path, bundle.Access, bundle.Inheritance, bundle.Isolation)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	rec := m.nodes[n.ID]
	rec.config = cloneTree(bundle.Config)
	m.mu.Unlock()

	for _, child := range bundle.Children {
		if _, err := m.restore(ctx, n.ID, child); err != nil {
			return nil, err
		}
	}
	return n, nil
}
