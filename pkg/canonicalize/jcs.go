// Package canonicalize produces RFC 8785 canonical JSON for mandate
// signatures and request fingerprints.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS marshals v with encoding/json, so struct tags apply, and returns its
// canonical form: sorted keys, no HTML escaping, ES6 number formatting.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: marshal: %w", err)
	}
	return Transform(raw)
}

// Transform canonicalizes an already encoded JSON document.
func Transform(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform: %w", err)
	}
	return out, nil
}

// Fingerprint identifies a JSON request by its canonical form, so key order
// and whitespace do not distinguish two otherwise equal bodies. Bodies that
// are not JSON are hashed as given. Each scope value is bound in first.
func Fingerprint(body []byte, scope ...string) string {
	h := sha256.New()
	for _, s := range scope {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	if canon, err := jcs.Transform(body); err == nil {
		body = canon
	}
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
