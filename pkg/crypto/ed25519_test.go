package crypto

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigner_SignAndVerify(t *testing.T) {
	signer, err := NewEd25519Signer("key-1")
	require.NoError(t, err)

	payload := []byte(`{"id":"m-1","type":"intent"}`)
	sig, err := signer.Sign(payload)
	require.NoError(t, err)
	assert.Len(t, sig, 128)

	ok, err := Verify(signer.PublicKey(), sig, payload)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify(signer.PublicKey(), sig, []byte(`{"id":"m-1","type":"cart"}`))
	require.NoError(t, err)
	assert.False(t, ok, "tampered payload accepted")
}

func TestVerify_RejectsMalformedInput(t *testing.T) {
	signer, err := NewEd25519Signer("k")
	require.NoError(t, err)

	_, err = Verify("zz", "00", []byte("x"))
	assert.ErrorIs(t, err, ErrMalformedKey)

	_, err = Verify("abcd", "00", []byte("x"))
	assert.ErrorIs(t, err, ErrMalformedKey)

	_, err = Verify(signer.PublicKey(), "not-hex", []byte("x"))
	assert.Error(t, err)
}

func TestParsePublicKey(t *testing.T) {
	signer, err := NewEd25519Signer("k")
	require.NoError(t, err)

	pub, err := ParsePublicKey(signer.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, signer.PublicKeyBytes(), []byte(pub))

	_, err = ParsePublicKey(strings.Repeat("00", 31))
	assert.ErrorIs(t, err, ErrMalformedKey)
}

func TestDeriveEd25519Signer_Deterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)

	a, err := DeriveEd25519Signer(seed, "mandate-2026-10")
	require.NoError(t, err)
	b, err := DeriveEd25519Signer(seed, "mandate-2026-10")
	require.NoError(t, err)
	c, err := DeriveEd25519Signer(seed, "mandate-2026-11")
	require.NoError(t, err)

	assert.Equal(t, a.PublicKey(), b.PublicKey())
	assert.NotEqual(t, a.PublicKey(), c.PublicKey())
	assert.Equal(t, "mandate-2026-10", a.KeyID())

	_, err = DeriveEd25519Signer([]byte("short"), "k")
	assert.Error(t, err)
	_, err = DeriveEd25519Signer(seed, "")
	assert.Error(t, err)
}
