// Package validator enforces the answer contract. It never rejects a
// repairable draft: each violation is fixed in place and recorded as a stable
// repair code, and only an unusable draft falls through to the templater.
package validator

import (
	"strings"

	"github.com/batvault/gateway/pkg/contracts"
)

// Repair codes. These are wire-stable: they surface in meta.validator_codes
// and in the persisted validator report.
const (
	CodeAllowedIDsExactUnion    = "allowed_ids_exact_union_violation"
	CodeSupportingRemoved       = "supporting_ids_removed_invalid"
	CodeSupportingMissingAnchor = "supporting_ids_missing_anchor"
	CodeSupportingMissingTrans  = "supporting_ids_missing_transition"
	CodeSupportingCiteAll       = "supporting_ids_enforced_cite_all_ids"
	CodeEventsDroppedNonEvent   = "events_dropped_non_event"
	CodeEventCountMismatch      = "completeness_event_count_mismatch"
	CodeShortAnswerTruncated    = "short_answer_truncated"
)

// Validator repairs drafts against the bundle-derived ground truth.
type Validator struct {
	citeAllIDs bool
}

// New builds a validator. citeAllIDs forces supporting_ids to equal
// allowed_ids exactly.
func New(citeAllIDs bool) *Validator {
	return &Validator{citeAllIDs: citeAllIDs}
}

// Result is the validation outcome. Codes is empty iff the draft passed
// untouched; Usable is false when no repair could produce a valid answer and
// the templater must take over.
type Result struct {
	Answer       contracts.Answer
	Completeness contracts.CompletenessFlags
	Codes        []string
	Usable       bool
}

// Validate repairs the draft answer against the bundle. The bundle itself is
// normalized in place: allowed_ids recomputed, non-event entries dropped.
// draftFlags, when non-nil, are the flags the draft claimed; they are checked
// against the derived flags and always lose.
func (v *Validator) Validate(bundle *contracts.EvidenceBundle, draft contracts.Answer, draftFlags *contracts.CompletenessFlags) Result {
	res := Result{Answer: draft, Usable: true}

	// Evidence-side repairs first; supporting id checks depend on them.

	// Non-event entries in events[].
	kept := bundle.Events[:0]
	dropped := false
	for _, e := range bundle.Events {
		if e.Type == "" || e.Type == "event" {
			kept = append(kept, e)
			continue
		}
		dropped = true
	}
	if dropped {
		bundle.Events = kept
		res.Codes = append(res.Codes, CodeEventsDroppedNonEvent)
	}

	// allowed_ids must be the exact union in canonical order.
	canonical := bundle.ComputeAllowedIDs()
	if !equalIDs(bundle.AllowedIDs, canonical) {
		bundle.AllowedIDs = canonical
		res.Codes = append(res.Codes, CodeAllowedIDsExactUnion)
	}

	allowed := make(map[string]bool, len(bundle.AllowedIDs))
	for _, id := range bundle.AllowedIDs {
		allowed[id] = true
	}

	// supporting_ids ⊆ allowed_ids.
	valid := res.Answer.SupportingIDs[:0:0]
	removed := false
	for _, id := range res.Answer.SupportingIDs {
		if allowed[id] {
			valid = append(valid, id)
			continue
		}
		removed = true
	}
	if removed {
		res.Codes = append(res.Codes, CodeSupportingRemoved)
	}
	res.Answer.SupportingIDs = valid

	// The anchor must be cited, first.
	if !containsID(res.Answer.SupportingIDs, bundle.Anchor.ID) {
		res.Answer.SupportingIDs = append([]string{bundle.Anchor.ID}, res.Answer.SupportingIDs...)
		res.Codes = append(res.Codes, CodeSupportingMissingAnchor)
	}

	// Every transition in the bundle must be cited.
	missingTrans := false
	for _, id := range bundle.TransitionIDs() {
		if !containsID(res.Answer.SupportingIDs, id) {
			res.Answer.SupportingIDs = append(res.Answer.SupportingIDs, id)
			missingTrans = true
		}
	}
	if missingTrans {
		res.Codes = append(res.Codes, CodeSupportingMissingTrans)
	}

	// Cite-everything mode pins supporting_ids to allowed_ids exactly.
	if v.citeAllIDs && !equalIDs(res.Answer.SupportingIDs, bundle.AllowedIDs) {
		res.Answer.SupportingIDs = append([]string(nil), bundle.AllowedIDs...)
		res.Codes = append(res.Codes, CodeSupportingCiteAll)
	}

	// Completeness flags are always derived, never trusted.
	res.Completeness = bundle.Completeness()
	if draftFlags != nil && draftFlags.EventCount != res.Completeness.EventCount {
		res.Codes = append(res.Codes, CodeEventCountMismatch)
	}

	// short_answer length cap.
	if short := truncateAnswer(res.Answer.ShortAnswer); short != res.Answer.ShortAnswer {
		res.Answer.ShortAnswer = short
		res.Codes = append(res.Codes, CodeShortAnswerTruncated)
	}

	if strings.TrimSpace(res.Answer.ShortAnswer) == "" {
		res.Usable = false
	}
	return res
}

// truncateAnswer trims to the wire cap on a rune boundary, with a trailing
// ellipsis when anything was cut.
func truncateAnswer(s string) string {
	runes := []rune(s)
	if len(runes) <= contracts.MaxShortAnswerChars {
		return s
	}
	return string(runes[:contracts.MaxShortAnswerChars-1]) + "…"
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
