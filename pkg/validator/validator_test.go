package validator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/batvault/gateway/pkg/contracts"
)

func testBundle() *contracts.EvidenceBundle {
	b := &contracts.EvidenceBundle{
		Anchor: contracts.Anchor{ID: "acme-exit-market-2020", Rationale: "Costs exceeded revenue for three consecutive years."},
		Events: []contracts.Event{
			{ID: "acme-loss-2019", Type: "event", Summary: "Annual loss reported", Timestamp: "2019-12-31T00:00:00Z"},
			{ID: "acme-warning-2018", Type: "event", Summary: "Margin warning", Timestamp: "2018-06-01T00:00:00Z"},
		},
		Transitions: contracts.TransitionSet{
			Succeeding: []contracts.Transition{
				{ID: "trans-exit-to-pivot", From: "acme-exit-market-2020", To: "acme-pivot-services-2021"},
			},
		},
	}
	b.AllowedIDs = b.ComputeAllowedIDs()
	return b
}

func TestValidate_CleanDraftPasses(t *testing.T) {
	b := testBundle()
	draft := contracts.Answer{
		ShortAnswer:   "Acme exited because costs exceeded revenue.",
		SupportingIDs: []string{"acme-exit-market-2020", "acme-loss-2019", "trans-exit-to-pivot"},
	}

	res := New(false).Validate(b, draft, nil)
	assert.Empty(t, res.Codes)
	assert.True(t, res.Usable)
	assert.Equal(t, draft.SupportingIDs, res.Answer.SupportingIDs)
}

func TestValidate_RemovesForeignIDs(t *testing.T) {
	b := testBundle()
	draft := contracts.Answer{
		ShortAnswer:   "Answer.",
		SupportingIDs: []string{"acme-exit-market-2020", "hallucinated-id-9999", "trans-exit-to-pivot"},
	}

	res := New(false).Validate(b, draft, nil)
	assert.Contains(t, res.Codes, CodeSupportingRemoved)
	assert.NotContains(t, res.Answer.SupportingIDs, "hallucinated-id-9999")
}

func TestValidate_InsertsMissingAnchorAndTransitions(t *testing.T) {
	b := testBundle()
	draft := contracts.Answer{
		ShortAnswer:   "Answer.",
		SupportingIDs: []string{"acme-loss-2019"},
	}

	res := New(false).Validate(b, draft, nil)
	assert.Contains(t, res.Codes, CodeSupportingMissingAnchor)
	assert.Contains(t, res.Codes, CodeSupportingMissingTrans)
	assert.Equal(t, "acme-exit-market-2020", res.Answer.SupportingIDs[0], "anchor cited first")
	assert.Contains(t, res.Answer.SupportingIDs, "trans-exit-to-pivot")
}

func TestValidate_CiteAllIDs(t *testing.T) {
	b := testBundle()
	draft := contracts.Answer{
		ShortAnswer:   "Answer.",
		SupportingIDs: []string{"acme-exit-market-2020", "trans-exit-to-pivot"},
	}

	res := New(true).Validate(b, draft, nil)
	assert.Contains(t, res.Codes, CodeSupportingCiteAll)
	assert.Equal(t, b.AllowedIDs, res.Answer.SupportingIDs)
}

func TestValidate_RepairsAllowedIDs(t *testing.T) {
	b := testBundle()
	b.AllowedIDs = []string{"acme-exit-market-2020"} // stale

	res := New(false).Validate(b, contracts.Answer{ShortAnswer: "x", SupportingIDs: []string{"acme-exit-market-2020", "trans-exit-to-pivot"}}, nil)
	assert.Contains(t, res.Codes, CodeAllowedIDsExactUnion)
	assert.Equal(t, b.ComputeAllowedIDs(), b.AllowedIDs)
}

func TestValidate_DropsNonEventEntries(t *testing.T) {
	b := testBundle()
	b.Events = append(b.Events, contracts.Event{ID: "not-an-event-2020", Type: "decision"})
	b.AllowedIDs = b.ComputeAllowedIDs()

	res := New(false).Validate(b, contracts.Answer{ShortAnswer: "x", SupportingIDs: []string{"acme-exit-market-2020", "trans-exit-to-pivot"}}, nil)
	assert.Contains(t, res.Codes, CodeEventsDroppedNonEvent)
	assert.Len(t, b.Events, 2)
	assert.NotContains(t, b.AllowedIDs, "not-an-event-2020")
}

func TestValidate_TruncatesLongAnswer(t *testing.T) {
	b := testBundle()
	long := strings.Repeat("very long answer ", 40)

	res := New(false).Validate(b, contracts.Answer{ShortAnswer: long, SupportingIDs: []string{"acme-exit-market-2020", "trans-exit-to-pivot"}}, nil)
	assert.Contains(t, res.Codes, CodeShortAnswerTruncated)
	assert.LessOrEqual(t, len([]rune(res.Answer.ShortAnswer)), contracts.MaxShortAnswerChars)
	assert.True(t, strings.HasSuffix(res.Answer.ShortAnswer, "…"))
}

func TestValidate_EmptyAnswerUnusable(t *testing.T) {
	b := testBundle()
	res := New(false).Validate(b, contracts.Answer{ShortAnswer: "   "}, nil)
	assert.False(t, res.Usable)
}

func TestValidate_CompletenessDerivedNotTrusted(t *testing.T) {
	b := testBundle()
	claimed := &contracts.CompletenessFlags{EventCount: 99}

	res := New(false).Validate(b, contracts.Answer{ShortAnswer: "x", SupportingIDs: []string{"acme-exit-market-2020", "trans-exit-to-pivot"}}, claimed)
	assert.Contains(t, res.Codes, CodeEventCountMismatch)
	assert.Equal(t, 2, res.Completeness.EventCount)
	assert.True(t, res.Completeness.HasSucceeding)
	assert.False(t, res.Completeness.HasPreceding)
}
