// Package crypto signs mandates with Ed25519 and tracks which key ids are
// trusted to verify them.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

var ErrMalformedKey = errors.New("malformed key material")

// Signer produces hex encoded detached signatures over canonical payloads.
type Signer interface {
	Sign(data []byte) (string, error)
	KeyID() string
	PublicKey() string
	PublicKeyBytes() []byte
}

// KeyVerifier checks a hex signature produced by a named key.
type KeyVerifier interface {
	VerifyKey(keyID string, message []byte, sigHex string) (bool, error)
}

// Ed25519Signer signs with a single named Ed25519 key.
type Ed25519Signer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	keyID string
}

// NewEd25519Signer generates a fresh random key. Production keys come from
// DeriveEd25519Signer.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return NewEd25519SignerFromKey(priv, keyID), nil
}

func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		priv:  priv,
		pub:   priv.Public().(ed25519.PublicKey),
		keyID: keyID,
	}
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.priv, data)), nil
}

func (s *Ed25519Signer) KeyID() string { return s.keyID }

func (s *Ed25519Signer) PublicKey() string { return hex.EncodeToString(s.pub) }

func (s *Ed25519Signer) PublicKeyBytes() []byte { return s.pub }

// PrivateKey exposes the key for token signing that shares the mandate trust root.
func (s *Ed25519Signer) PrivateKey() ed25519.PrivateKey {
	return s.priv
}

// Verify checks a hex signature against a hex public key.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pub, err := ParsePublicKey(pubKeyHex)
	if err != nil {
		return false, err
	}
	sig, err := decodeSignature(sigHex)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, data, sig), nil
}

// ParsePublicKey decodes a hex Ed25519 public key.
func ParsePublicKey(pubKeyHex string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: public key is not hex: %v", ErrMalformedKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes", ErrMalformedKey, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

func decodeSignature(sigHex string) ([]byte, error) {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return nil, fmt.Errorf("invalid signature hex: %w", err)
	}
	return sig, nil
}
