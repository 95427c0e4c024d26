package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const keyDerivationInfo = "helm-pay/mandate-signing/v1/"

// DeriveEd25519Signer derives a deterministic signing key for keyID from a
// master seed. The same seed and key ID always produce the same key.
func DeriveEd25519Signer(masterSeed []byte, keyID string) (*Ed25519Signer, error) {
	if len(masterSeed) < 32 {
		return nil, errors.New("master seed must be at least 32 bytes")
	}
	if keyID == "" {
		return nil, errors.New("key id is required")
	}

	r := hkdf.New(sha256.New, masterSeed, nil, []byte(keyDerivationInfo+keyID))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("hkdf expand failed: %w", err)
	}
	return NewEd25519SignerFromKey(ed25519.NewKeyFromSeed(seed), keyID), nil
}
