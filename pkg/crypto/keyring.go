package crypto

import (
	"crypto/ed25519"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// KeyRing holds the verification keys trusted for mandate signatures.
// Rotated-out keys stay verifiable until explicitly revoked.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]ed25519.PublicKey)}
}

// AddKey trusts the public half of a signer.
func (k *KeyRing) AddKey(s Signer) error {
	pub := s.PublicKeyBytes()
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: key %s is %d bytes", ErrMalformedKey, s.KeyID(), len(pub))
	}
	k.trust(s.KeyID(), ed25519.PublicKey(pub))
	return nil
}

// AddPublicKeyHex trusts a hex encoded Ed25519 public key.
func (k *KeyRing) AddPublicKeyHex(keyID, pubHex string) error {
	pub, err := ParsePublicKey(pubHex)
	if err != nil {
		return err
	}
	k.trust(keyID, pub)
	return nil
}

func (k *KeyRing) trust(keyID string, pub ed25519.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = pub
}

// RevokeKey stops trusting keyID. Mandates it signed no longer verify.
func (k *KeyRing) RevokeKey(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, keyID)
}

// KeyIDs returns the trusted key ids in lexicographic order.
func (k *KeyRing) KeyIDs() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return slices.Sorted(maps.Keys(k.keys))
}

// VerifyKey verifies a hex signature made by keyID.
func (k *KeyRing) VerifyKey(keyID string, message []byte, sigHex string) (bool, error) {
	k.mu.RLock()
	pub, ok := k.keys[keyID]
	k.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("unknown or revoked key: %s", keyID)
	}

	sig, err := decodeSignature(sigHex)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, message, sig), nil
}
