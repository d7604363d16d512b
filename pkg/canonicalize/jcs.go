// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// compliant serialization for deterministic fingerprinting and signing of
// gateway artefacts.
//
// Every fingerprint in the system (prompt_fp, bundle_fp, policy_fp,
// allowed_ids_fp) and the signing digest flow through this package, so the
// serializer must be the single source of canonical bytes: keys sorted by
// UTF-8 code points, no insignificant whitespace, no HTML escaping, and
// number formatting independent of map iteration order.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// FingerprintPrefix is prepended to every hex digest surfaced on the wire.
const FingerprintPrefix = "sha256:"

// Canonical returns the RFC 8785 canonical JSON bytes of v.
//
// v is first marshaled with encoding/json so struct tags are respected, then
// the intermediate document is transformed to canonical form. Two values that
// marshal to the same JSON document always produce identical bytes here,
// regardless of field or map ordering.
func Canonical(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the SHA-256 hex digest of the canonical form of v.
func Hash(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// Fingerprint returns the prefixed digest ("sha256:<hex>") of the canonical
// form of v.
func Fingerprint(v any) (string, error) {
	h, err := Hash(v)
	if err != nil {
		return "", err
	}
	return FingerprintPrefix + h, nil
}

// HashBytes computes the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FingerprintBytes returns the prefixed digest of raw bytes.
func FingerprintBytes(data []byte) string {
	return FingerprintPrefix + HashBytes(data)
}

// Strip removes the "sha256:" prefix from a fingerprint, returning the bare
// hex digest. Unprefixed input is returned unchanged.
func Strip(fp string) string {
	if len(fp) >= len(FingerprintPrefix) && fp[:len(FingerprintPrefix)] == FingerprintPrefix {
		return fp[len(FingerprintPrefix):]
	}
	return fp
}
