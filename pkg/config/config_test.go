package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8081", cfg.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.TimeoutExpand)
	assert.Equal(t, 8192, cfg.MaxPromptBytes)
	assert.False(t, cfg.OpenAIDisabled)
	assert.False(t, cfg.ArtifactStrict)
	assert.Equal(t, "gateway-ed25519", cfg.SignKeyID)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("TIMEOUT_LLM_MS", "2500")
	t.Setenv("OPENAI_DISABLED", "1")
	t.Setenv("CITE_ALL_IDS", "true")
	t.Setenv("MAX_PROMPT_BYTES", "256")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("RATE_LIMIT", "5")

	cfg := Load()

	assert.Equal(t, 2500*time.Millisecond, cfg.TimeoutLLM)
	assert.True(t, cfg.OpenAIDisabled)
	assert.True(t, cfg.CiteAllIDs)
	assert.Equal(t, 256, cfg.MaxPromptBytes)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, 5, cfg.RateLimit)
}

func TestLoad_MalformedNumbersFallBack(t *testing.T) {
	t.Setenv("TIMEOUT_SEARCH_MS", "not-a-number")
	t.Setenv("TRACE_SAMPLE_RATE", "lots")

	cfg := Load()
	assert.Equal(t, 800*time.Millisecond, cfg.TimeoutSearch)
	assert.Equal(t, 1.0, cfg.TraceSample)
}
