package artifacts

import (
	"context"
	"encoding/json"
	"time"

	"github.com/batvault/gateway/pkg/contracts"
	"github.com/batvault/gateway/pkg/gatewayerr"
	"github.com/batvault/gateway/pkg/observability"
)

// Blob names under the {request_id}/ prefix.
const (
	BlobEnvelope        = "envelope.json"
	BlobRenderedPrompt  = "rendered_prompt.txt"
	BlobLLMRaw          = "llm_raw.json"
	BlobValidatorReport = "validator_report.json"
	BlobResponse        = "response.json"
	BlobEvidencePre     = "evidence_pre.json"
	BlobEvidencePost    = "evidence_post.json"
)

// Record is the full artefact set for one request.
type Record struct {
	RequestID       string
	Envelope        []byte
	RenderedPrompt  []byte
	LLMRaw          []byte
	ValidatorReport ValidatorReport
	Response        *contracts.Response
	EvidencePre     *contracts.EvidenceBundle
	EvidencePost    *contracts.EvidenceBundle
}

// ValidatorReport is the persisted validation outcome.
type ValidatorReport struct {
	Codes          []string `json:"codes"`
	FallbackUsed   bool     `json:"fallback_used"`
	FallbackReason string   `json:"fallback_reason,omitempty"`
}

// Persister writes the artefact trail. Persistence completes before the
// response is returned; in strict mode a write failure fails the request,
// otherwise it is logged and dropped.
type Persister struct {
	store    Store
	strict   bool
	disabled bool
	timeout  time.Duration
	logger   *observability.Logger
}

// NewPersister builds a persister over store.
func NewPersister(store Store, strict, disabled bool, timeout time.Duration, logger *observability.Logger) *Persister {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Persister{store: store, strict: strict, disabled: disabled, timeout: timeout, logger: logger}
}

// Persist writes every blob of the record. The write runs on a detached
// deadline so a caller cancellation mid-flight cannot leave a half-written
// trail, and a failed write unwinds what was already stored: the trail is
// all-or-none per request.
func (p *Persister) Persist(ctx context.Context, rec *Record) error {
	if p.disabled || p.store == nil {
		return nil
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	blobs, err := p.encode(rec)
	if err != nil {
		return p.fail(ctx, rec.RequestID, err)
	}
	written := make([]string, 0, len(blobs))
	for _, b := range blobs {
		key := rec.RequestID + "/" + b.name
		if err := p.store.Put(wctx, key, b.data); err != nil {
			p.unwind(wctx, written)
			return p.fail(ctx, rec.RequestID, err)
		}
		written = append(written, key)
	}
	p.logger.Debug(ctx, "artifacts", "persisted", "request_id", rec.RequestID, "blobs", len(blobs))
	return nil
}

// unwind removes partially written blobs, best effort.
func (p *Persister) unwind(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := p.store.Delete(ctx, key); err != nil {
			p.logger.Warn(ctx, "artifacts", "unwind_failed", "key", key, "error", err.Error())
		}
	}
}

type namedBlob struct {
	name string
	data []byte
}

func (p *Persister) encode(rec *Record) ([]namedBlob, error) {
	report, err := json.Marshal(rec.ValidatorReport)
	if err != nil {
		return nil, err
	}
	response, err := json.Marshal(rec.Response)
	if err != nil {
		return nil, err
	}
	pre, err := json.Marshal(rec.EvidencePre)
	if err != nil {
		return nil, err
	}
	post, err := json.Marshal(rec.EvidencePost)
	if err != nil {
		return nil, err
	}

	llmRaw := rec.LLMRaw
	if llmRaw == nil {
		llmRaw = []byte("null")
	}
	return []namedBlob{
		{BlobEnvelope, rec.Envelope},
		{BlobRenderedPrompt, rec.RenderedPrompt},
		{BlobLLMRaw, llmRaw},
		{BlobValidatorReport, report},
		{BlobResponse, response},
		{BlobEvidencePre, pre},
		{BlobEvidencePost, post},
	}, nil
}

func (p *Persister) fail(ctx context.Context, requestID string, err error) error {
	if p.strict {
		return gatewayerr.Wrap(gatewayerr.CodeStorageUnavailable, "persist", err)
	}
	p.logger.Warn(ctx, "artifacts", "persist_failed", "request_id", requestID, "error", err.Error())
	return nil
}
