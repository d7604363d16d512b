// Package crypto provides Ed25519 signing for response bundles.
//
// Signer selection is deterministic: a valid 32-byte base64 seed yields a
// signer, anything else is a hard configuration error. There is no silent
// unsigned mode.
package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrNoSigner indicates no usable signing seed is configured. Responses must
// never be emitted unsigned, so callers treat this as fatal.
var ErrNoSigner = errors.New("no_signer_configured")

// Signer signs response digests with Ed25519.
type Signer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	keyID string
}

// NewSignerFromSeed builds a Signer from a base64-encoded 32-byte Ed25519
// seed (GATEWAY_ED25519_PRIV_B64) and a key identifier.
func NewSignerFromSeed(seedB64, keyID string) (*Signer, error) {
	if seedB64 == "" {
		return nil, ErrNoSigner
	}
	seed, err := base64.StdEncoding.DecodeString(seedB64)
	if err != nil {
		return nil, fmt.Errorf("%w: seed is not valid base64", ErrNoSigner)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes, got %d", ErrNoSigner, ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{
		priv:  priv,
		pub:   priv.Public().(ed25519.PublicKey),
		keyID: keyID,
	}, nil
}

// Sign returns the base64 Ed25519 signature over data.
func (s *Signer) Sign(data []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, data))
}

// KeyID returns the configured key identifier.
func (s *Signer) KeyID() string { return s.keyID }

// PublicKey returns the base64 public key for verification by clients.
func (s *Signer) PublicKey() string {
	return base64.StdEncoding.EncodeToString(s.pub)
}

// PublicKeyBytes returns the raw public key.
func (s *Signer) PublicKeyBytes() []byte { return s.pub }

// Verify checks a base64 signature against a base64 public key.
func Verify(pubB64, sigB64 string, data []byte) (bool, error) {
	pub, err := base64.StdEncoding.DecodeString(pubB64)
	if err != nil {
		return false, fmt.Errorf("invalid public key base64: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size: %d", len(pub))
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, fmt.Errorf("invalid signature base64: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig), nil
}
