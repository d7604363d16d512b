package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batvault/gateway/pkg/contracts"
)

func sampleBundle() *contracts.EvidenceBundle {
	b := &contracts.EvidenceBundle{
		Anchor: contracts.Anchor{ID: "acme-exit-market-2020", Rationale: "costs"},
		Events: []contracts.Event{
			{ID: "acme-loss-2019", Type: "event", Timestamp: "2019-01-01T00:00:00Z"},
		},
	}
	b.AllowedIDs = b.ComputeAllowedIDs()
	return b
}

func TestBuild_Deterministic(t *testing.T) {
	a, err := Build("why exit", sampleBundle(), 512)
	require.NoError(t, err)
	b, err := Build("why exit", sampleBundle(), 512)
	require.NoError(t, err)

	assert.Equal(t, a.Canonical, b.Canonical)
	assert.Equal(t, a.Fingerprint, b.Fingerprint)
	assert.True(t, strings.HasPrefix(a.Fingerprint, "sha256:"))
}

func TestBuild_FingerprintTracksInputs(t *testing.T) {
	a, err := Build("why exit", sampleBundle(), 512)
	require.NoError(t, err)
	b, err := Build("why exit", sampleBundle(), 256)
	require.NoError(t, err)
	c, err := Build("why stay", sampleBundle(), 512)
	require.NoError(t, err)

	assert.NotEqual(t, a.Fingerprint, b.Fingerprint)
	assert.NotEqual(t, a.Fingerprint, c.Fingerprint)
}

func TestMessages(t *testing.T) {
	env, err := Build("why exit", sampleBundle(), 512)
	require.NoError(t, err)

	msgs := env.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "supporting_ids")
	assert.Equal(t, "user", msgs[1].Role)
	assert.Contains(t, msgs[1].Content, "acme-exit-market-2020")
}
