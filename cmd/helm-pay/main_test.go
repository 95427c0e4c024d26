package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-pay/pkg/config"
)

var testSeed = strings.Repeat("ab", 32)

func TestRun_Help(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"helm-pay", "help"}, &stdout, &stderr)

	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "COMMANDS:")
	assert.Contains(t, stdout.String(), "sweep")
}

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"helm-pay", "version"}, &stdout, &stderr)

	assert.Equal(t, 0, code)
	assert.Equal(t, "helm-pay "+version+"\n", stdout.String())
}

func TestRun_UnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"helm-pay", "frobnicate"}, &stdout, &stderr)

	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "Unknown command: frobnicate")
}

func TestRun_ServeUsesStartServer(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("PORT", "18080")

	orig := startServer
	defer func() { startServer = orig }()

	var got *config.Config
	startServer = func(ctx context.Context, cfg *config.Config) error {
		got = cfg
		return nil
	}

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, Run([]string{"helm-pay"}, &stdout, &stderr))
	require.NotNil(t, got)
	assert.Equal(t, "18080", got.Port)

	startServer = func(ctx context.Context, cfg *config.Config) error {
		return errors.New("listen failed")
	}
	assert.Equal(t, 1, Run([]string{"helm-pay", "serve"}, &stdout, &stderr))
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("CART_TTL", "-1m")

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, Run([]string{"helm-pay", "serve"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "CART_TTL")
}

func TestLoadSigningKeys_DeterministicFromSeed(t *testing.T) {
	cfg := &config.Config{
		DatabaseURL:    "postgres://example/helm",
		SigningKeySeed: testSeed,
		SigningKeyID:   "k2",
		TrustedKeyIDs:  []string{"k1", " ", "k2"},
	}

	a, err := loadSigningKeys(cfg)
	require.NoError(t, err)
	b, err := loadSigningKeys(cfg)
	require.NoError(t, err)

	assert.Equal(t, "k2", a.signer.KeyID())
	assert.Equal(t, a.signer.PublicKey(), b.signer.PublicKey())
	require.Len(t, a.trusted, 1)
	assert.Equal(t, "k1", a.trusted[0].KeyID())
	assert.NotEqual(t, a.signer.PublicKey(), a.trusted[0].PublicKey())
	assert.Len(t, publicKey(a.signer), 32)
}

func TestLoadSigningKeys_PostgresRequiresSeed(t *testing.T) {
	cfg := &config.Config{DatabaseURL: "postgres://example/helm", SigningKeyID: "k1"}

	_, err := loadSigningKeys(cfg)
	assert.ErrorContains(t, err, "SIGNING_KEY_SEED")
}

func TestLoadSigningKeys_LiteModePersistsSeed(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{DataDir: dir, SigningKeyID: "k1"}

	first, err := loadSigningKeys(cfg)
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, liteKeyFile))
	require.NoError(t, err)
	assert.Len(t, strings.TrimSpace(string(raw)), 64)

	second, err := loadSigningKeys(cfg)
	require.NoError(t, err)
	assert.Equal(t, first.signer.PublicKey(), second.signer.PublicKey())
}

func TestRunKeysCmd(t *testing.T) {
	t.Setenv("SIGNING_KEY_SEED", testSeed)
	t.Setenv("SIGNING_KEY_ID", "k2")
	t.Setenv("TRUSTED_KEY_IDS", "k1")

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, Run([]string{"helm-pay", "keys"}, &stdout, &stderr), stderr.String())

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "k2\t"))
	assert.True(t, strings.HasSuffix(lines[0], "\tactive"))
	assert.True(t, strings.HasPrefix(lines[1], "k1\t"))
}

type fakeSweeper struct {
	batches []int
	err     error
	calls   int
}

func (f *fakeSweeper) SweepExpired(ctx context.Context, limit int) (int, error) {
	if f.calls >= len(f.batches) {
		return 0, f.err
	}
	n := f.batches[f.calls]
	f.calls++
	return n, nil
}

func TestSweepOnce_DrainsFullBatches(t *testing.T) {
	s := &fakeSweeper{batches: []int{10, 10, 3}}

	n := sweepOnce(context.Background(), s, 10)

	assert.Equal(t, 23, n)
	assert.Equal(t, 3, s.calls)
}

func TestSweepOnce_StopsOnError(t *testing.T) {
	s := &fakeSweeper{batches: []int{10}, err: errors.New("db down")}

	n := sweepOnce(context.Background(), s, 10)

	assert.Equal(t, 10, n)
}

type fakeReconciler struct {
	batches []int
	err     error
	calls   int
}

func (f *fakeReconciler) Reconcile(ctx context.Context, limit int) (int, error) {
	if f.calls >= len(f.batches) {
		return 0, f.err
	}
	n := f.batches[f.calls]
	f.calls++
	return n, nil
}

func TestReconcileOnce(t *testing.T) {
	r := &fakeReconciler{batches: []int{5, 2}}
	assert.Equal(t, 7, reconcileOnce(context.Background(), r, 5))
	assert.Equal(t, 2, r.calls)

	r = &fakeReconciler{err: errors.New("db down")}
	assert.Equal(t, 0, reconcileOnce(context.Background(), r, 5))
}

func TestRunSweepCmd_LiteMode(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())

	var stdout, stderr bytes.Buffer
	code := Run([]string{"helm-pay", "sweep"}, &stdout, &stderr)

	require.Equal(t, 0, code, stderr.String())
	assert.Equal(t, "expired 0 mandates, reconciled 0 transactions\n", stdout.String())
}
