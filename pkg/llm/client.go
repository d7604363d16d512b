// Package llm calls the completion backend that drafts answers. The backend
// is optional: when disabled the caller falls through to the deterministic
// templater.
package llm

import (
	"context"
	"errors"

	"github.com/batvault/gateway/pkg/prompt"
)

// ErrDisabled is returned when no backend is configured. Callers treat it as
// the llm_off fallback, not a failure.
var ErrDisabled = errors.New("llm_disabled")

// Client drafts a raw JSON answer for a rendered envelope.
type Client interface {
	Complete(ctx context.Context, messages []prompt.Message, maxTokens int) ([]byte, error)
}

// Disabled is a Client that always reports ErrDisabled.
type Disabled struct{}

func (Disabled) Complete(context.Context, []prompt.Message, int) ([]byte, error) {
	return nil, ErrDisabled
}
