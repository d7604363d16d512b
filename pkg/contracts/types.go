// Package contracts defines the Why-Decision data model: the evidence bundle
// assembled for an anchor decision, the prompt envelope sent to the LLM, the
// answer contract the LLM must obey, and the signed wire response.
package contracts

import (
	"regexp"
	"sort"
)

// SlugPattern is the canonical decision/event identifier shape. IDs are
// lowercase slugs of at least four characters, beginning and ending with an
// alphanumeric.
var SlugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{2,}[a-z0-9]$`)

// IsSlug reports whether s is already a canonical identifier.
func IsSlug(s string) bool {
	return SlugPattern.MatchString(s)
}

// MaxShortAnswerChars bounds answer.short_answer on the wire.
const MaxShortAnswerChars = 320

// MaxSnippetChars bounds event snippets carried in evidence.
const MaxSnippetChars = 120

// Anchor is the decision under question.
type Anchor struct {
	ID          string   `json:"id"`
	Title       string   `json:"title,omitempty"`
	Option      string   `json:"option,omitempty"`
	Rationale   string   `json:"rationale,omitempty"`
	Timestamp   string   `json:"timestamp,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	SupportedBy []string `json:"supported_by,omitempty"`
	BasedOn     []string `json:"based_on,omitempty"`
	Transitions []string `json:"transitions,omitempty"`
}

// Event is a one-hop neighbor of a decision on a LED_TO relation.
type Event struct {
	ID        string   `json:"id"`
	Type      string   `json:"type,omitempty"`
	Summary   string   `json:"summary,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
	Snippet   string   `json:"snippet,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// Transition is an ordered link between two decisions. It appears under
// "preceding" when To == anchor.ID and under "succeeding" when From ==
// anchor.ID.
type Transition struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Relation  string `json:"relation,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// TransitionSet splits transitions by their orientation relative to the
// anchor.
type TransitionSet struct {
	Preceding  []Transition `json:"preceding"`
	Succeeding []Transition `json:"succeeding"`
}

// All returns preceding then succeeding transitions in a single slice.
func (t TransitionSet) All() []Transition {
	out := make([]Transition, 0, len(t.Preceding)+len(t.Succeeding))
	out = append(out, t.Preceding...)
	out = append(out, t.Succeeding...)
	return out
}

// EvidenceBundle is the bounded evidence collected for an anchor.
//
// SnapshotETag and RetryCount travel with the bundle internally but are
// never serialized as top-level bundle fields: the etag surfaces only under
// meta on the wire.
type EvidenceBundle struct {
	Anchor      Anchor        `json:"anchor"`
	Events      []Event       `json:"events"`
	Transitions TransitionSet `json:"transitions"`
	AllowedIDs  []string      `json:"allowed_ids"`

	SnapshotETag string `json:"-"`
	RetryCount   int    `json:"-"`
}

// TransitionIDs returns the ids of every transition in the bundle, preserving
// the preceding-then-succeeding order.
func (b *EvidenceBundle) TransitionIDs() []string {
	all := b.Transitions.All()
	ids := make([]string, 0, len(all))
	for _, t := range all {
		ids = append(ids, t.ID)
	}
	return ids
}

// ComputeAllowedIDs returns the exact set union {anchor.id} ∪ {event ids} ∪
// {transition ids} in canonical order: anchor first, events by ascending
// timestamp (id tiebreak), then transitions in bundle order. Duplicates are
// removed, first occurrence wins.
func (b *EvidenceBundle) ComputeAllowedIDs() []string {
	events := make([]Event, len(b.Events))
	copy(events, b.Events)
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Timestamp != events[j].Timestamp {
			return events[i].Timestamp < events[j].Timestamp
		}
		return events[i].ID < events[j].ID
	})

	seen := make(map[string]bool, 1+len(events))
	out := make([]string, 0, 1+len(events))
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}

	add(b.Anchor.ID)
	for _, e := range events {
		add(e.ID)
	}
	for _, id := range b.TransitionIDs() {
		add(id)
	}
	return out
}

// Completeness derives the completeness flags from the final bundle. These
// are computed, never trusted from the LLM.
func (b *EvidenceBundle) Completeness() CompletenessFlags {
	return CompletenessFlags{
		EventCount:    len(b.Events),
		HasPreceding:  len(b.Transitions.Preceding) > 0,
		HasSucceeding: len(b.Transitions.Succeeding) > 0,
	}
}

// Constraints carries the prompt budget handed to the LLM.
type Constraints struct {
	MaxTokens int `json:"max_tokens"`
}

// PromptEnvelope is the deterministic input to the LLM, produced by
// canonical serialization of the bundle.
type PromptEnvelope struct {
	Intent      string         `json:"intent"`
	Question    string         `json:"question"`
	Evidence    EvidenceBundle `json:"evidence"`
	AllowedIDs  []string       `json:"allowed_ids"`
	Constraints Constraints    `json:"constraints"`
}

// Answer is the contract the LLM must obey: JSON only, these two fields.
type Answer struct {
	ShortAnswer   string   `json:"short_answer"`
	SupportingIDs []string `json:"supporting_ids"`
}

// CompletenessFlags summarize bundle shape for the caller.
type CompletenessFlags struct {
	EventCount    int  `json:"event_count"`
	HasPreceding  bool `json:"has_preceding"`
	HasSucceeding bool `json:"has_succeeding"`
}

// Signature is the Ed25519 attestation over the response digest.
//
// Covered is the bare hex SHA-256 of the canonical response with
// meta.bundle_fp removed; meta.bundle_fp is always "sha256:" + Covered.
type Signature struct {
	Alg      string `json:"alg"`
	KeyID    string `json:"key_id"`
	Sig      string `json:"sig"`
	Covered  string `json:"covered"`
	SignedAt string `json:"signed_at"`
}

// Meta carries fingerprints, token accounting, and degradation markers for a
// single response. It is the only place snapshot_etag appears on the wire.
type Meta struct {
	PromptFP     string `json:"prompt_fp"`
	BundleFP     string `json:"bundle_fp,omitempty"`
	SnapshotETag string `json:"snapshot_etag"`
	PolicyFP     string `json:"policy_fp,omitempty"`
	AllowedIDsFP string `json:"allowed_ids_fp"`

	PolicyID string `json:"policy_id,omitempty"`
	PromptID string `json:"prompt_id,omitempty"`

	PromptTokens    int `json:"prompt_tokens"`
	MaxPromptTokens int `json:"max_prompt_tokens"`

	TotalNeighborsFound int      `json:"total_neighbors_found"`
	FinalEvidenceCount  int      `json:"final_evidence_count"`
	SelectorTruncation  bool     `json:"selector_truncation"`
	DroppedEvidenceIDs  []string `json:"dropped_evidence_ids,omitempty"`
	BundleSizeBytes     int      `json:"bundle_size_bytes,omitempty"`

	Retries        int      `json:"retries"`
	FallbackUsed   bool     `json:"fallback_used"`
	FallbackReason string   `json:"fallback_reason,omitempty"`
	ValidatorCodes []string `json:"validator_codes,omitempty"`

	LatencyMS      int64  `json:"latency_ms"`
	GatewayVersion string `json:"gateway_version"`

	Signature *Signature `json:"signature,omitempty"`
	LoadShed  bool       `json:"load_shed,omitempty"`
}

// Response is the full wire answer: deterministic given inputs, snapshot,
// and policy.
type Response struct {
	Intent            string            `json:"intent"`
	Evidence          EvidenceBundle    `json:"evidence"`
	Answer            Answer            `json:"answer"`
	CompletenessFlags CompletenessFlags `json:"completeness_flags"`
	Meta              Meta              `json:"meta"`
}

// QueryMatch is one candidate from /v2/query when no anchor resolves.
type QueryMatch struct {
	ID    string  `json:"id"`
	Title string  `json:"title,omitempty"`
	Score float64 `json:"score"`
	Type  string  `json:"type,omitempty"`
}

// QueryResult is the structured no-anchor response for /v2/query. It is a
// normal 200, never a 404.
type QueryResult struct {
	Matches   []QueryMatch `json:"matches"`
	Neighbors []Event      `json:"neighbors,omitempty"`
}

// FallbackReason enumerates why the templater produced the answer.
const (
	FallbackLLMOff          = "llm_off"
	FallbackLLMError        = "llm_error"
	FallbackValidatorFailed = "validator_failed"
	FallbackTimeout         = "timeout"
)
