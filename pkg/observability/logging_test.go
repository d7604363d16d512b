package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_Envelope(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("gateway", "INFO", &buf)

	ctx := WithRequestID(context.Background(), "req-123")
	l.Info(ctx, "selector", "selector_complete",
		"prompt_tokens", 120,
		"selector_truncation", true,
	)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))

	assert.Equal(t, "gateway", line["service"])
	assert.Equal(t, "selector", line["stage"])
	assert.Equal(t, "selector_complete", line["event"])
	assert.Equal(t, "req-123", line["request_id"])
	assert.Contains(t, line, "timestamp")
	assert.NotContains(t, line, "time")

	meta, ok := line["meta"].(map[string]any)
	require.True(t, ok, "meta group missing: %v", line)
	assert.Equal(t, float64(120), meta["prompt_tokens"])
	assert.Equal(t, true, meta["selector_truncation"])
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("gateway", "ERROR", &buf)

	l.Info(context.Background(), "resolve", "anchor_resolved")
	assert.Zero(t, buf.Len(), "info line should be filtered at ERROR level")

	l.Error(context.Background(), "resolve", "resolver_unavailable")
	assert.NotZero(t, buf.Len())
}

func TestRequestID_Missing(t *testing.T) {
	assert.Equal(t, "", RequestID(context.Background()))
}

func TestMetrics_RegisterAndObserve(t *testing.T) {
	m := NewMetrics()

	m.TotalNeighborsFound.Set(16)
	m.SelectorTruncation.Inc()
	m.LLMFallback.WithLabelValues("llm_off").Inc()
	m.StageTimeouts.WithLabelValues("expand").Inc()
	m.ObserveRequest(context.Background(), "/v2/ask", "200", 0.042)

	families, err := m.Registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"gateway_total_neighbors_found",
		"gateway_selector_truncation_total",
		"gateway_llm_fallback_total",
		"stage_timeouts_total",
		"gateway_request_duration_seconds",
	} {
		assert.True(t, names[want], "metric %s not gathered", want)
	}
}
