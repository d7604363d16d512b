// Package assembler produces the final signed wire response.
//
// The fingerprint chain is strict: bundle_fp is the prefixed SHA-256 of the
// canonical response with meta.bundle_fp itself removed, and the Ed25519
// signature covers the bare hex digest. A verifier can therefore recompute
// bundle_fp from the response body alone and check the signature against it.
package assembler

import (
	"time"

	"github.com/batvault/gateway/pkg/canonicalize"
	"github.com/batvault/gateway/pkg/contracts"
	"github.com/batvault/gateway/pkg/crypto"
	"github.com/batvault/gateway/pkg/gatewayerr"
)

// SigAlg is the only signature algorithm the gateway emits.
const SigAlg = "ed25519"

// Assembler finalizes, fingerprints, and signs responses.
type Assembler struct {
	signer  *crypto.Signer
	version string
	now     func() time.Time
}

// New builds an assembler. signer must be non-nil: responses are never
// emitted unsigned.
func New(signer *crypto.Signer, version string) *Assembler {
	return &Assembler{signer: signer, version: version, now: time.Now}
}

// WithClock overrides the timestamp source.
func (a *Assembler) WithClock(now func() time.Time) *Assembler {
	a.now = now
	return a
}

// Assemble completes meta, fingerprints the response, and signs it. The
// passed response is finalized in place and returned.
func (a *Assembler) Assemble(resp *contracts.Response) (*contracts.Response, error) {
	if a.signer == nil {
		return nil, gatewayerr.Wrap(gatewayerr.CodeInternal, "assemble", crypto.ErrNoSigner)
	}

	resp.Meta.GatewayVersion = a.version
	resp.Meta.BundleFP = ""
	resp.Meta.Signature = nil

	// allowed_ids_fp is normally set by the caller; derive it here as a
	// backstop so the field is never blank on the wire.
	if resp.Meta.AllowedIDsFP == "" {
		fp, err := canonicalize.Fingerprint(resp.Evidence.AllowedIDs)
		if err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.CodeInternal, "assemble", err)
		}
		resp.Meta.AllowedIDsFP = fp
	}

	// Digest the canonical response without meta.bundle_fp.
	canonical, err := canonicalize.Canonical(resp)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.CodeInternal, "assemble", err)
	}
	covered := canonicalize.HashBytes(canonical)
	resp.Meta.BundleFP = canonicalize.FingerprintPrefix + covered

	resp.Meta.Signature = &contracts.Signature{
		Alg:      SigAlg,
		KeyID:    a.signer.KeyID(),
		Sig:      a.signer.Sign([]byte(covered)),
		Covered:  covered,
		SignedAt: a.now().UTC().Format(time.RFC3339),
	}
	return resp, nil
}

// Verify recomputes the digest of resp and checks its signature against the
// base64 public key. It is the client-side counterpart of Assemble.
func Verify(resp *contracts.Response, pubB64 string) (bool, error) {
	if resp.Meta.Signature == nil {
		return false, gatewayerr.New(gatewayerr.CodeBundleSignatureMissing, "verify", "response carries no signature")
	}
	sig := resp.Meta.Signature

	clone := *resp
	clone.Meta.BundleFP = ""
	clone.Meta.Signature = nil

	canonical, err := canonicalize.Canonical(&clone)
	if err != nil {
		return false, err
	}
	covered := canonicalize.HashBytes(canonical)
	if covered != sig.Covered {
		return false, nil
	}
	if resp.Meta.BundleFP != canonicalize.FingerprintPrefix+covered {
		return false, nil
	}
	return crypto.Verify(pubB64, sig.Sig, []byte(covered))
}
