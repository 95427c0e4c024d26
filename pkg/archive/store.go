// Package archive keeps an append-only, content-addressed copy of settled
// and failed transaction records for audit.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get for unknown hashes.
var ErrNotFound = errors.New("archive object not found")

// Labels describe an archived record. Object stores keep them as object
// metadata so operators can find a transaction without reading every body.
type Labels map[string]string

// Well-known label keys.
const (
	LabelTransactionID = "transaction-id"
	LabelBusinessID    = "business-id"
	LabelState         = "state"
)

// Store is a write-once content-addressed object store. Objects are never
// deleted.
type Store interface {
	// Put persists data and returns its content hash ("sha256:<hex>").
	// Storing the same bytes twice is a no-op and keeps the first labels.
	Put(ctx context.Context, data []byte, labels Labels) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
}

// ContentHash returns the "sha256:<hex>" address of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// objectName validates a content hash and returns its object name, fanned
// out by the first hash byte: "<prefix>ab/ab12...ef.json".
func objectName(prefix, hash string) (string, error) {
	raw, ok := strings.CutPrefix(hash, "sha256:")
	if !ok {
		return "", fmt.Errorf("invalid hash format: %s", hash)
	}
	if b, err := hex.DecodeString(raw); err != nil || len(b) != sha256.Size {
		return "", fmt.Errorf("invalid hash hex: %s", hash)
	}
	return prefix + raw[:2] + "/" + raw + ".json", nil
}

// FileStore archives to the local filesystem. Labels go to a sidecar file
// next to each object.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(hash string) (string, error) {
	name, err := objectName("", hash)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(name)), nil
}

func (s *FileStore) Put(ctx context.Context, data []byte, labels Labels) (string, error) {
	hash := ContentHash(data)
	path, _ := s.path(hash)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return "", fmt.Errorf("failed to create shard dir: %w", err)
	}
	if len(labels) > 0 {
		meta, err := json.Marshal(labels)
		if err != nil {
			return "", err
		}
		if err := writeAtomic(strings.TrimSuffix(path, ".json")+".labels.json", meta); err != nil {
			return "", err
		}
	}
	if err := writeAtomic(path, data); err != nil {
		return "", err
	}
	return hash, nil
}

// Labels reads the sidecar labels of an archived object.
func (s *FileStore) Labels(ctx context.Context, hash string) (Labels, error) {
	path, err := s.path(hash)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := os.ReadFile(strings.TrimSuffix(path, ".json") + ".labels.json") //nolint:gosec // name validated as hex
	if err != nil {
		if os.IsNotExist(err) {
			return Labels{}, nil
		}
		return nil, err
	}
	var l Labels
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("corrupt labels for %s: %w", hash, err)
	}
	return l, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write object: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit object: %w", err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, hash string) ([]byte, error) {
	path, err := s.path(hash)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(path) //nolint:gosec // name validated as hex
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, err
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, hash string) (bool, error) {
	path, err := s.path(hash)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, err
	}
}
