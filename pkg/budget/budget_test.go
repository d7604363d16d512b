package budget

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batvault/gateway/pkg/contracts"
	"github.com/batvault/gateway/pkg/observability"
)

func jsonRender(b *contracts.EvidenceBundle, maxTokens int) ([]byte, error) {
	return json.Marshal(map[string]any{"evidence": b, "constraints": map[string]int{"max_tokens": maxTokens}})
}

func bundleWithEvents(n, summaryBytes int) *contracts.EvidenceBundle {
	b := &contracts.EvidenceBundle{
		Anchor: contracts.Anchor{ID: "acme-exit-market-2020", Rationale: "costs"},
	}
	for i := 0; i < n; i++ {
		b.Events = append(b.Events, contracts.Event{
			ID:        fmt.Sprintf("acme-event-%02d", i),
			Type:      "event",
			Summary:   strings.Repeat("x", summaryBytes),
			Timestamp: fmt.Sprintf("2020-01-%02dT00:00:00Z", i+1),
		})
	}
	b.AllowedIDs = b.ComputeAllowedIDs()
	return b
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, perPromptOverhead+perMessageTokens, EstimateTokens(0, 1))
	assert.Equal(t, 100+2*perMessageTokens+perPromptOverhead, EstimateTokens(400, 2))
	// Negative sizes clamp instead of going below the overhead floor.
	assert.Equal(t, perPromptOverhead+perMessageTokens, EstimateTokens(-5, 0))
}

func TestFit_NoTruncationWhenSmall(t *testing.T) {
	s := New(Config{MaxPromptBytes: 1 << 20, ContextWindowTokens: 8192, DesiredCompletionTokens: 512}, observability.Discard())

	plan, err := s.Fit(context.Background(), bundleWithEvents(3, 50), jsonRender)
	require.NoError(t, err)
	assert.False(t, plan.Truncated)
	assert.Empty(t, plan.DroppedIDs)
	assert.Equal(t, 3, plan.FinalEvidenceCount)
	assert.Greater(t, plan.PromptTokens, 0)
}

func TestFit_DropsUntilByteCapMet(t *testing.T) {
	// 16 events of ~1KB against a small byte cap forces heavy truncation.
	s := New(Config{MaxPromptBytes: 4096, ContextWindowTokens: 65536, DesiredCompletionTokens: 512}, observability.Discard())

	plan, err := s.Fit(context.Background(), bundleWithEvents(16, 1024), jsonRender)
	require.NoError(t, err)
	assert.True(t, plan.Truncated)
	assert.NotEmpty(t, plan.DroppedIDs)
	assert.LessOrEqual(t, len(plan.Rendered), 4096)

	// Every dropped id left allowed_ids too.
	for _, dropped := range plan.DroppedIDs {
		assert.NotContains(t, plan.Bundle.AllowedIDs, dropped)
	}
	assert.Contains(t, plan.Bundle.AllowedIDs, "acme-exit-market-2020")
}

func TestFit_TightensToTruncationThreshold(t *testing.T) {
	s := New(Config{
		MaxPromptBytes:          4096,
		TruncationThreshold:     1500,
		ContextWindowTokens:     65536,
		DesiredCompletionTokens: 512,
	}, observability.Discard())

	plan, err := s.Fit(context.Background(), bundleWithEvents(16, 1024), jsonRender)
	require.NoError(t, err)
	require.True(t, plan.Truncated)

	// Once dropping starts, the selector aims below the threshold, not just
	// under the hard cap.
	assert.LessOrEqual(t, plan.BundleSizeBytes, 1500)
}

func TestFit_SelectorCompleteLogCarriesAccounting(t *testing.T) {
	var buf bytes.Buffer
	log := observability.NewLogger("test", "INFO", &buf)

	s := New(Config{MaxPromptBytes: 4096, ContextWindowTokens: 65536, DesiredCompletionTokens: 512}, log)
	plan, err := s.Fit(context.Background(), bundleWithEvents(16, 1024), jsonRender)
	require.NoError(t, err)
	require.NotEmpty(t, plan.DroppedIDs)

	line := buf.String()
	assert.Contains(t, line, "selector_complete")
	assert.Contains(t, line, "total_neighbors_found")
	assert.Contains(t, line, "final_evidence_count")
	assert.Contains(t, line, plan.DroppedIDs[0])
}

func TestFit_Deterministic(t *testing.T) {
	s := New(Config{MaxPromptBytes: 4096, ContextWindowTokens: 65536, DesiredCompletionTokens: 512}, observability.Discard())

	a, err := s.Fit(context.Background(), bundleWithEvents(16, 1024), jsonRender)
	require.NoError(t, err)
	b, err := s.Fit(context.Background(), bundleWithEvents(16, 1024), jsonRender)
	require.NoError(t, err)

	assert.Equal(t, a.DroppedIDs, b.DroppedIDs)
	assert.Equal(t, a.Bundle.AllowedIDs, b.Bundle.AllowedIDs)
	assert.Equal(t, a.PromptTokens, b.PromptTokens)
}

func TestFit_OlderForeignEventsDropFirst(t *testing.T) {
	b := &contracts.EvidenceBundle{Anchor: contracts.Anchor{ID: "acme-exit-market-2020"}}
	b.Events = []contracts.Event{
		{ID: "acme-own-2019", Timestamp: "2019-01-01T00:00:00Z", Summary: strings.Repeat("a", 400)},
		{ID: "rival-move-2019", Timestamp: "2019-06-01T00:00:00Z", Summary: strings.Repeat("b", 400)},
	}
	b.AllowedIDs = b.ComputeAllowedIDs()

	// Budget that admits exactly one event.
	s := New(Config{MaxPromptBytes: 900, ContextWindowTokens: 65536, DesiredCompletionTokens: 512}, observability.Discard())
	plan, err := s.Fit(context.Background(), b, jsonRender)
	require.NoError(t, err)

	// The foreign-cohort event goes before the anchor's own, despite being
	// more recent.
	require.NotEmpty(t, plan.DroppedIDs)
	assert.Equal(t, "rival-move-2019", plan.DroppedIDs[0])
}

func TestFit_TransitionsSurviveEventDrops(t *testing.T) {
	b := bundleWithEvents(6, 600)
	b.Transitions.Preceding = []contracts.Transition{{ID: "trans-before", From: "earlier-decision-2019", To: b.Anchor.ID}}
	b.AllowedIDs = b.ComputeAllowedIDs()

	s := New(Config{MaxPromptBytes: 1500, ContextWindowTokens: 65536, DesiredCompletionTokens: 512}, observability.Discard())
	plan, err := s.Fit(context.Background(), b, jsonRender)
	require.NoError(t, err)
	require.True(t, plan.Truncated)

	assert.NotContains(t, plan.DroppedIDs, "trans-before")
	assert.Contains(t, plan.Bundle.AllowedIDs, "trans-before")
}

func TestFit_ShrinksCompletionWhenAnchorOnlyStillOver(t *testing.T) {
	// Token window so tight only shrinking the completion allowance helps.
	b := &contracts.EvidenceBundle{Anchor: contracts.Anchor{ID: "acme-exit-market-2020", Rationale: strings.Repeat("r", 200)}}
	b.AllowedIDs = b.ComputeAllowedIDs()

	s := New(Config{ContextWindowTokens: 640, GuardTokens: 0, DesiredCompletionTokens: 560, MaxRetries: 2}, observability.Discard())
	plan, err := s.Fit(context.Background(), b, jsonRender)
	require.NoError(t, err)

	assert.Less(t, plan.CompletionTokens, 560)
	assert.LessOrEqual(t, plan.PromptTokens, plan.MaxPromptTokens)
}

func TestFit_InputBundleNotMutated(t *testing.T) {
	in := bundleWithEvents(16, 1024)
	before := len(in.Events)

	s := New(Config{MaxPromptBytes: 4096, ContextWindowTokens: 65536, DesiredCompletionTokens: 512}, observability.Discard())
	_, err := s.Fit(context.Background(), in, jsonRender)
	require.NoError(t, err)
	assert.Equal(t, before, len(in.Events))
}
