package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/batvault/gateway/pkg/gatewayerr"
	"github.com/batvault/gateway/pkg/observability"
	"github.com/batvault/gateway/pkg/prompt"
)

// OpenAI is a chat-completions client. Sampling is pinned to temperature 0
// and JSON response format so the draft stays inside the answer contract.
type OpenAI struct {
	baseURL    string
	apiKey     string
	model      string
	http       *http.Client
	logger     *observability.Logger
	maxRetries int
	retryBase  time.Duration
	jitterMax  time.Duration
}

// OpenAIConfig configures the completion backend.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// NewOpenAI builds the backend client. An empty base URL yields a Disabled
// client so wiring stays uniform.
func NewOpenAI(cfg OpenAIConfig, logger *observability.Logger) Client {
	if cfg.BaseURL == "" {
		return Disabled{}
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &OpenAI{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		http:       &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		maxRetries: 2,
		retryBase:  100 * time.Millisecond,
		jitterMax:  80 * time.Millisecond,
	}
}

type chatRequest struct {
	Model          string           `json:"model"`
	Messages       []prompt.Message `json:"messages"`
	Temperature    float64          `json:"temperature"`
	MaxTokens      int              `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat  `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete sends the envelope and returns the raw JSON content of the first
// choice. Retries cover transport errors and 5xx/429 only.
func (c *OpenAI) Complete(ctx context.Context, messages []prompt.Message, maxTokens int) ([]byte, error) {
	payload, err := json.Marshal(chatRequest{
		Model:          c.model,
		Messages:       messages,
		Temperature:    0,
		MaxTokens:      maxTokens,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.CodeInternal, "llm", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryBase
			if c.jitterMax > 0 {
				delay += time.Duration(rand.Int63n(int64(c.jitterMax))) * time.Duration(attempt%3)
			}
			select {
			case <-ctx.Done():
				return nil, c.ctxErr(ctx)
			case <-time.After(delay):
			}
		}

		raw, retryable, err := c.once(ctx, payload)
		if err == nil {
			return raw, nil
		}
		if ctx.Err() != nil {
			return nil, c.ctxErr(ctx)
		}
		lastErr = err
		if !retryable {
			break
		}
		c.logger.Warn(ctx, "llm", "completion_retry", "attempt", attempt+1, "error", err.Error())
	}
	return nil, gatewayerr.Wrap(gatewayerr.CodeUpstreamError, "llm", lastErr)
}

func (c *OpenAI) once(ctx context.Context, payload []byte) (raw []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("completion status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, false, fmt.Errorf("completion status %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, false, fmt.Errorf("decode completion: %w", err)
	}
	if out.Error != nil {
		return nil, false, fmt.Errorf("completion error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return nil, false, fmt.Errorf("completion returned no choices")
	}
	return []byte(out.Choices[0].Message.Content), false, nil
}

func (c *OpenAI) ctxErr(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return gatewayerr.Wrap(gatewayerr.CodeUpstreamTimeout, "llm", ctx.Err())
	}
	return gatewayerr.Wrap(gatewayerr.CodeInternal, "llm", ctx.Err())
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
