package validator

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batvault/gateway/pkg/contracts"
)

func TestRender_RationaleFirst(t *testing.T) {
	tp, err := NewTemplater("")
	require.NoError(t, err)

	b := testBundle()
	ans := tp.Render("why_decision", b)

	assert.True(t, strings.HasPrefix(ans.ShortAnswer, "Costs exceeded revenue"))
	assert.Contains(t, ans.ShortAnswer, "Annual loss reported", "latest event cited")
	assert.Contains(t, ans.ShortAnswer, "2 event(s)")
	assert.LessOrEqual(t, len([]rune(ans.ShortAnswer)), contracts.MaxShortAnswerChars)

	assert.Equal(t, "acme-exit-market-2020", ans.SupportingIDs[0])
	assert.Contains(t, ans.SupportingIDs, "trans-exit-to-pivot")
}

func TestRender_NoRationale(t *testing.T) {
	tp, err := NewTemplater("")
	require.NoError(t, err)

	b := testBundle()
	b.Anchor.Rationale = ""
	ans := tp.Render("why_decision", b)

	assert.NotEmpty(t, ans.ShortAnswer)
	assert.NotContains(t, ans.ShortAnswer, "STUB")
	assert.Contains(t, ans.ShortAnswer, "acme-exit-market-2020")
}

func TestRender_EmptyBundleStillAnswers(t *testing.T) {
	tp, err := NewTemplater("")
	require.NoError(t, err)

	b := &contracts.EvidenceBundle{Anchor: contracts.Anchor{ID: "lonely-decision-2020"}}
	b.AllowedIDs = b.ComputeAllowedIDs()
	ans := tp.Render("why_decision", b)

	assert.NotEmpty(t, ans.ShortAnswer)
	assert.Equal(t, []string{"lonely-decision-2020"}, ans.SupportingIDs)
}

func TestNewTemplater_RegistryOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"templates:\n  why_decision: \"Because: {{.Rationale}}\"\n"), 0o600))

	tp, err := NewTemplater(path)
	require.NoError(t, err)

	ans := tp.Render("why_decision", testBundle())
	assert.True(t, strings.HasPrefix(ans.ShortAnswer, "Because: Costs exceeded"))

	// Unknown intents fall back to the built-in.
	other := tp.Render("unknown_intent", testBundle())
	assert.Contains(t, other.ShortAnswer, "event(s)")
}

func TestNewTemplater_MalformedRegistryFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("templates:\n  why_decision: \"{{.Broken\"\n"), 0o600))

	_, err := NewTemplater(path)
	assert.Error(t, err)
}
