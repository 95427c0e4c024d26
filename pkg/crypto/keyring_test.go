package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyRing_VerifyKey(t *testing.T) {
	kr := NewKeyRing()

	k1, _ := NewEd25519Signer("key1")
	k2, _ := NewEd25519Signer("key2")
	require.NoError(t, kr.AddKey(k1))
	require.NoError(t, kr.AddKey(k2))

	msg := []byte("mandate payload")
	sig, err := k1.Sign(msg)
	require.NoError(t, err)

	ok, err := kr.VerifyKey("key1", msg, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	// Signature from key1 must not verify under key2.
	ok, err = kr.VerifyKey("key2", msg, sig)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{"key1", "key2"}, kr.KeyIDs())
}

func TestKeyRing_Revocation(t *testing.T) {
	kr := NewKeyRing()
	k1, _ := NewEd25519Signer("key1")
	require.NoError(t, kr.AddKey(k1))

	msg := []byte("payload")
	sig, _ := k1.Sign(msg)

	kr.RevokeKey("key1")

	ok, err := kr.VerifyKey("key1", msg, sig)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestKeyRing_AddPublicKeyHex(t *testing.T) {
	kr := NewKeyRing()
	k1, _ := NewEd25519Signer("rotated")

	require.NoError(t, kr.AddPublicKeyHex("rotated", k1.PublicKey()))
	assert.Error(t, kr.AddPublicKeyHex("bad", "xyz"))

	msg := []byte("payload")
	sig, _ := k1.Sign(msg)
	ok, err := kr.VerifyKey("rotated", msg, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = kr.VerifyKey("rotated", msg, "not-hex")
	assert.Error(t, err)
}
