package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSeed(t *testing.T) string {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	_, err := rand.Read(seed)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(seed)
}

func TestSignAndVerify(t *testing.T) {
	s, err := NewSignerFromSeed(testSeed(t), "key-1")
	require.NoError(t, err)
	assert.Equal(t, "key-1", s.KeyID())

	covered := []byte("deadbeefcafe")
	sig := s.Sign(covered)

	ok, err := Verify(s.PublicKey(), sig, covered)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify(s.PublicKey(), sig, []byte("tampered"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSigner_Deterministic(t *testing.T) {
	seed := testSeed(t)

	s1, err := NewSignerFromSeed(seed, "k")
	require.NoError(t, err)
	s2, err := NewSignerFromSeed(seed, "k")
	require.NoError(t, err)

	// Same seed, same key, same signature (Ed25519 is deterministic).
	assert.Equal(t, s1.PublicKey(), s2.PublicKey())
	assert.Equal(t, s1.Sign([]byte("x")), s2.Sign([]byte("x")))
}

func TestNewSignerFromSeed_Errors(t *testing.T) {
	cases := map[string]string{
		"empty":      "",
		"not base64": "!!!not-base64!!!",
		"wrong size": base64.StdEncoding.EncodeToString([]byte("short")),
	}
	for name, seed := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewSignerFromSeed(seed, "k")
			assert.True(t, errors.Is(err, ErrNoSigner), "expected ErrNoSigner, got %v", err)
		})
	}
}

func TestVerify_BadInputs(t *testing.T) {
	_, err := Verify("%%%", "sig", []byte("x"))
	assert.Error(t, err)

	_, err = Verify(base64.StdEncoding.EncodeToString([]byte("short")), "c2ln", []byte("x"))
	assert.Error(t, err)
}
