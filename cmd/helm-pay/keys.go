package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Mindburn-Labs/helm-pay/pkg/config"
	"github.com/Mindburn-Labs/helm-pay/pkg/crypto"
)

const liteKeyFile = "signing.seed"

// signingKeys holds the active signer and every key trusted for verification.
type signingKeys struct {
	signer  *crypto.Ed25519Signer
	ring    *crypto.KeyRing
	trusted []*crypto.Ed25519Signer
}

// loadSigningKeys derives keys from SIGNING_KEY_SEED. Without a seed, lite
// mode persists a generated seed under DATA_DIR; Postgres mode refuses.
func loadSigningKeys(cfg *config.Config) (*signingKeys, error) {
	seed, err := cfg.Seed()
	if err != nil {
		return nil, err
	}
	if seed == nil {
		if !cfg.LiteMode() {
			return nil, errors.New("SIGNING_KEY_SEED is required when DATABASE_URL is set")
		}
		seed, err = loadOrGenerateSeed(filepath.Join(cfg.DataDir, liteKeyFile))
		if err != nil {
			return nil, err
		}
	}

	signer, err := crypto.DeriveEd25519Signer(seed, cfg.SigningKeyID)
	if err != nil {
		return nil, err
	}
	keys := &signingKeys{signer: signer, ring: crypto.NewKeyRing()}
	if err := keys.ring.AddKey(signer); err != nil {
		return nil, err
	}
	for _, id := range cfg.TrustedKeyIDs {
		id = strings.TrimSpace(id)
		if id == "" || id == cfg.SigningKeyID {
			continue
		}
		old, err := crypto.DeriveEd25519Signer(seed, id)
		if err != nil {
			return nil, fmt.Errorf("derive trusted key %s: %w", id, err)
		}
		if err := keys.ring.AddKey(old); err != nil {
			return nil, err
		}
		keys.trusted = append(keys.trusted, old)
	}
	return keys, nil
}

func loadOrGenerateSeed(path string) ([]byte, error) {
	if raw, err := os.ReadFile(path); err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", path, err)
		}
		return seed, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)), 0600); err != nil {
		return nil, fmt.Errorf("persist signing seed: %w", err)
	}
	slog.Warn("lite mode: generated signing seed; set SIGNING_KEY_SEED in production", "path", path)
	return seed, nil
}

func runKeysCmd(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	keys, err := loadSigningKeys(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "keys: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "%s\t%s\tactive\n", keys.signer.KeyID(), keys.signer.PublicKey())
	for _, k := range keys.trusted {
		_, _ = fmt.Fprintf(stdout, "%s\t%s\ttrusted\n", k.KeyID(), k.PublicKey())
	}
	return 0
}

func publicKey(s *crypto.Ed25519Signer) ed25519.PublicKey {
	return ed25519.PublicKey(s.PublicKeyBytes())
}
