// Package config loads gateway configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the full gateway configuration. Field groups mirror the
// pipeline: signing, upstreams, stage budgets, prompt budget, LLM, and the
// operational edge.
type Config struct {
	Port           string
	LogLevel       string
	GatewayVersion string

	// Signing
	Ed25519PrivB64 string
	SignKeyID      string

	// Upstreams
	MemoryAPIURL      string
	PolicyRegistryURL string
	OPAURL            string
	OPADecisionPath   string
	OPATimeout        time.Duration
	PolicyFailClosed  bool

	// Stage budgets
	TimeoutSearch   time.Duration
	TimeoutExpand   time.Duration
	TimeoutEnrich   time.Duration
	TimeoutValidate time.Duration
	TimeoutLLM      time.Duration

	// Prompt budget
	MaxPromptBytes      int
	TruncationThreshold int
	ContextWindow       int
	GuardTokens         int
	DesiredCompletion   int

	// Vector search passthrough
	EmbeddingDim int
	VectorMetric string

	// LLM
	OpenAIDisabled bool
	OpenAIModel    string
	OpenAIAPIKey   string
	OpenAIBaseURL  string

	// Answer contract
	CiteAllIDs           bool
	TemplateRegistryPath string

	// Cache / load shed
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	EvidenceCacheTTL       time.Duration
	LoadShedPollInterval   time.Duration
	LoadShedHeartbeatCycle int

	// Artefacts
	ArtifactBucket        string
	ArtifactEndpoint      string
	ArtifactRegion        string
	ArtifactRetentionDays int
	ArtifactStrict        bool
	DisableArtefactWrites bool

	// Edge
	CORSOrigins []string
	RateLimit   int
	RateBurst   int

	// Tracing
	OTLPEndpoint   string
	TracingEnabled bool
	TraceSample    float64
}

// Load reads the environment, applying defaults for anything unset.
func Load() *Config {
	return &Config{
		Port:           envStr("PORT", "8081"),
		LogLevel:       envStr("LOG_LEVEL", "INFO"),
		GatewayVersion: envStr("GATEWAY_VERSION", "dev"),

		Ed25519PrivB64: os.Getenv("GATEWAY_ED25519_PRIV_B64"),
		SignKeyID:      envStr("GATEWAY_SIGN_KEY_ID", "gateway-ed25519"),

		MemoryAPIURL:      envStr("MEMORY_API_URL", "http://memory-api:8000"),
		PolicyRegistryURL: os.Getenv("POLICY_REGISTRY_URL"),
		OPAURL:            os.Getenv("OPA_URL"),
		OPADecisionPath:   envStr("OPA_DECISION_PATH", "/v1/data/batvault/authz"),
		OPATimeout:        envMS("OPA_TIMEOUT_MS", 1000),
		PolicyFailClosed:  envBool("POLICY_FAIL_CLOSED"),

		TimeoutSearch:   envMS("TIMEOUT_SEARCH_MS", 800),
		TimeoutExpand:   envMS("TIMEOUT_EXPAND_MS", 250),
		TimeoutEnrich:   envMS("TIMEOUT_ENRICH_MS", 600),
		TimeoutValidate: envMS("TIMEOUT_VALIDATE_MS", 400),
		TimeoutLLM:      envMS("TIMEOUT_LLM_MS", 1500),

		MaxPromptBytes:      envInt("MAX_PROMPT_BYTES", 8192),
		TruncationThreshold: envInt("SELECTOR_TRUNCATION_THRESHOLD", 6144),
		ContextWindow:       envInt("CONTEXT_WINDOW_TOKENS", 8192),
		GuardTokens:         envInt("GUARD_TOKENS", 512),
		DesiredCompletion:   envInt("DESIRED_COMPLETION_TOKENS", 256),

		EmbeddingDim: envInt("EMBEDDING_DIM", 768),
		VectorMetric: envStr("VECTOR_METRIC", "cosine"),

		OpenAIDisabled: envBool("OPENAI_DISABLED"),
		OpenAIModel:    envStr("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIAPIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:  envStr("OPENAI_BASE_URL", "https://api.openai.com/v1"),

		CiteAllIDs:           envBool("CITE_ALL_IDS"),
		TemplateRegistryPath: os.Getenv("GATEWAY_TEMPLATE_REGISTRY_PATH"),

		RedisAddr:              envStr("REDIS_ADDR", "redis:6379"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                envInt("REDIS_DB", 0),
		EvidenceCacheTTL:       envMS("EVIDENCE_CACHE_TTL_MS", 300_000),
		LoadShedPollInterval:   envMS("LOAD_SHED_POLL_MS", 300),
		LoadShedHeartbeatCycle: envInt("LOAD_SHED_HEARTBEAT_CYCLES", 20),

		ArtifactBucket:        envStr("ARTIFACT_BUCKET", "batvault-artefacts"),
		ArtifactEndpoint:      os.Getenv("ARTIFACT_ENDPOINT"),
		ArtifactRegion:        envStr("ARTIFACT_REGION", "us-east-1"),
		ArtifactRetentionDays: envInt("ARTIFACT_RETENTION_DAYS", 14),
		ArtifactStrict:        envBool("ARTIFACT_STRICT"),
		DisableArtefactWrites: envBool("DISABLE_ARTEFACT_WRITES"),

		CORSOrigins: envList("CORS_ORIGINS"),
		RateLimit:   envInt("RATE_LIMIT", 20),
		RateBurst:   envInt("RATE_BURST", 40),

		OTLPEndpoint:   envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		TracingEnabled: envBool("TRACING_ENABLED"),
		TraceSample:    envFloat("TRACE_SAMPLE_RATE", 1.0),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// envMS reads an integer millisecond env var as a duration.
func envMS(key string, defMS int) time.Duration {
	return time.Duration(envInt(key, defMS)) * time.Millisecond
}

// envBool treats "1" and "true" (any case) as set.
func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true"
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
