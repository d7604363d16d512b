// Package prompt builds the deterministic LLM envelope and its fingerprint.
package prompt

import (
	"github.com/batvault/gateway/pkg/canonicalize"
	"github.com/batvault/gateway/pkg/contracts"
)

// IntentWhyDecision is the only intent the gateway currently answers.
const IntentWhyDecision = "why_decision"

// instruction is the fixed system preamble. It is part of the fingerprinted
// material so any wording change changes prompt_fp.
const instruction = "Answer using only the evidence provided. Respond with a single JSON object " +
	"containing short_answer (max 320 characters) and supporting_ids (a subset of allowed_ids). " +
	"Cite every id that supports the answer. Output JSON only."

// Envelope pairs the canonical prompt bytes with their fingerprint.
type Envelope struct {
	Prompt      contracts.PromptEnvelope
	Canonical   []byte
	Fingerprint string
}

// Build renders the canonical envelope for a question over the bundle.
// Rendering is a pure function of its inputs: same bundle, question, and
// budget always produce byte-identical output.
func Build(question string, bundle *contracts.EvidenceBundle, maxTokens int) (*Envelope, error) {
	env := contracts.PromptEnvelope{
		Intent:      IntentWhyDecision,
		Question:    question,
		Evidence:    *bundle,
		AllowedIDs:  bundle.AllowedIDs,
		Constraints: contracts.Constraints{MaxTokens: maxTokens},
	}

	canonical, err := canonicalize.Canonical(env)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Prompt:      env,
		Canonical:   canonical,
		Fingerprint: canonicalize.FingerprintBytes(canonical),
	}, nil
}

// Render is the budget selector's render hook: canonical envelope bytes for a
// candidate bundle.
func Render(question string) func(*contracts.EvidenceBundle, int) ([]byte, error) {
	return func(b *contracts.EvidenceBundle, maxTokens int) ([]byte, error) {
		env, err := Build(question, b, maxTokens)
		if err != nil {
			return nil, err
		}
		return env.Canonical, nil
	}
}

// Messages converts the envelope into the chat message pair sent upstream.
func (e *Envelope) Messages() []Message {
	return []Message{
		{Role: "system", Content: instruction},
		{Role: "user", Content: string(e.Canonical)},
	}
}

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
