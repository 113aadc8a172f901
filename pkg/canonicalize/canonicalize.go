// Package canonicalize produces RFC 8785 JSON Canonicalization Scheme
// (JCS) output for namespace export/import round-trips (spec §4.5). The
// teacher's pkg/compliance/jcs hand-rolls a sorted-keys-only approximation
// of JCS (relying on encoding/json's map-key sort) but never reaches for
// the real gowebpki/jcs implementation despite declaring it in go.mod.
// Forge wires that dependency directly instead: gowebpki/jcs performs the
// full RFC 8785 transform (including the ES6 number-to-string rules Go's
// own sort-only shortcut does not cover), which export checksums need to
// be interoperable with any other JCS-compliant consumer.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/gowebpki/jcs"
)

// JSON marshals v and re-serializes it into canonical JCS form.
func JSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

// SHA256 returns the lowercase hex SHA-256 digest of canonicalized JSON,
// prefixed "sha256:", for content-addressed comparisons.
func SHA256(v any) (string, error) {
	canon, err := JSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
