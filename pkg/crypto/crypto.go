// Package crypto implements a versioned, file-backed ports.CryptoProvider
// using ChaCha20-Poly1305 with per-version keys derived through HKDF-SHA256.
// It adapts the teacher's core/pkg/kms.LocalKMS key-rotation design (a
// persisted keystore of versioned keys, with old versions retained for
// decrypt-only use after rotation) from AES-256-GCM raw keys to AEAD keys
// derived from 32-byte root secrets, and adds a fixed-key HMAC-SHA256 used
// by namespace export/import checksums.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Keystore is the on-disk JSON format for persisted root secrets.
type Keystore struct {
	ActiveVersion int               `json:"active_version"`
	Roots         map[string]string `json:"roots"` // version -> base64 32-byte root secret
}

// Provider is a file-backed, rotation-capable ports.CryptoProvider.
type Provider struct {
	mu      sync.RWMutex
	store   Keystore
	path    string
	aeads   map[int]chacha20poly1305.AEAD
	hmacKey []byte
}

// New loads or creates a keystore at path. If the file does not exist a
// fresh root secret (version 1) is generated. hmacKey seeds the HMAC used
// for export checksums; if nil, an HMAC key is derived from the active
// root secret through HKDF.
func New(path string, hmacKey []byte) (*Provider, error) {
	p := &Provider{
		path:  path,
		aeads: make(map[int]chacha20poly1305.AEAD),
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("crypto: create dir: %w", err)
		}
		root := make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, root); err != nil {
			return nil, fmt.Errorf("crypto: generate root secret: %w", err)
		}
		p.store = Keystore{
			ActiveVersion: 1,
			Roots:         map[string]string{"1": base64.StdEncoding.EncodeToString(root)},
		}
		if err := p.deriveAEAD(1, root); err != nil {
			return nil, err
		}
		if err := p.persist(); err != nil {
			return nil, err
		}
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("crypto: read keystore: %w", err)
		}
		if err := json.Unmarshal(data, &p.store); err != nil {
			return nil, fmt.Errorf("crypto: parse keystore: %w", err)
		}
		for vStr, encoded := range p.store.Roots {
			v, err := strconv.Atoi(vStr)
			if err != nil {
				return nil, fmt.Errorf("crypto: invalid version %q: %w", vStr, err)
			}
			root, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return nil, fmt.Errorf("crypto: decode root v%d: %w", v, err)
			}
			if err := p.deriveAEAD(v, root); err != nil {
				return nil, err
			}
		}
		if _, ok := p.aeads[p.store.ActiveVersion]; !ok {
			return nil, fmt.Errorf("crypto: active version %d not in keystore", p.store.ActiveVersion)
		}
	}

	if hmacKey != nil {
		p.hmacKey = hmacKey
	} else {
		root, err := base64.StdEncoding.DecodeString(p.store.Roots[strconv.Itoa(p.store.ActiveVersion)])
		if err != nil {
			return nil, fmt.Errorf("crypto: decode active root: %w", err)
		}
		p.hmacKey = hkdfExpand(root, "forge-export-hmac", 32)
	}

	return p, nil
}

func (p *Provider) deriveAEAD(version int, root []byte) error {
	key := hkdfExpand(root, fmt.Sprintf("forge-chacha20poly1305-v%d", version), chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return fmt.Errorf("crypto: derive aead v%d: %w", version, err)
	}
	p.aeads[version] = aead
	return nil
}

func hkdfExpand(secret []byte, info string, size int) []byte {
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		panic("crypto: hkdf expand: " + err.Error())
	}
	return out
}

// Encrypt seals plaintext under the active key version, returning
// "v<N>:<base64(nonce||ciphertext)>".
func (p *Provider) Encrypt(plaintext []byte) ([]byte, error) {
	p.mu.RLock()
	version := p.store.ActiveVersion
	aead := p.aeads[version]
	p.mu.RUnlock()

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	out := fmt.Sprintf("v%d:%s", version, base64.StdEncoding.EncodeToString(sealed))
	return []byte(out), nil
}

// Decrypt opens versioned ciphertext produced by Encrypt, honoring any
// retained key version.
func (p *Provider) Decrypt(ciphertext []byte) ([]byte, error) {
	version, payload, err := parseVersioned(string(ciphertext))
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	aead, ok := p.aeads[version]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("crypto: unknown key version %d", version)
	}

	sealed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode ciphertext: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("crypto: ciphertext too short")
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt: %w", err)
	}
	return plain, nil
}

// HMAC returns the HMAC-SHA256 of data under the provider's fixed export key.
func (p *Provider) HMAC(data []byte) []byte {
	mac := hmac.New(sha256.New, p.hmacKey)
	mac.Write(data)
	return mac.Sum(nil)
}

// Rotate generates a new root secret and a derived AEAD key, leaving prior
// versions available for decryption.
func (p *Provider) Rotate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	newVersion := p.store.ActiveVersion + 1
	root := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, root); err != nil {
		return 0, fmt.Errorf("crypto: generate root secret: %w", err)
	}
	if err := p.deriveAEAD(newVersion, root); err != nil {
		return 0, err
	}
	p.store.Roots[strconv.Itoa(newVersion)] = base64.StdEncoding.EncodeToString(root)
	p.store.ActiveVersion = newVersion

	if err := p.persist(); err != nil {
		return 0, err
	}
	return newVersion, nil
}

// ActiveVersion returns the current active key version.
func (p *Provider) ActiveVersion() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.store.ActiveVersion
}

func (p *Provider) persist() error {
	data, err := json.MarshalIndent(p.store, "", "  ")
	if err != nil {
		return fmt.Errorf("crypto: marshal keystore: %w", err)
	}
	if err := os.WriteFile(p.path, data, 0600); err != nil {
		return fmt.Errorf("crypto: write keystore: %w", err)
	}
	return nil
}

func parseVersioned(s string) (int, string, error) {
	if !strings.HasPrefix(s, "v") {
		return 0, "", fmt.Errorf("crypto: missing version prefix in %q", s)
	}
	idx := strings.Index(s, ":")
	if idx < 2 {
		return 0, "", fmt.Errorf("crypto: malformed versioned string %q", s)
	}
	v, err := strconv.Atoi(s[1:idx])
	if err != nil {
		return 0, "", fmt.Errorf("crypto: parse version: %w", err)
	}
	return v, s[idx+1:], nil
}
