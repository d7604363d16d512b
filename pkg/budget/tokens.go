// Package budget keeps rendered prompts inside the model context window.
//
// A deterministic byte-based token estimator feeds a selector that drops the
// least valuable evidence until the envelope fits, then a gate loop that
// shrinks the completion allowance when even the minimal bundle is too large.
package budget

// Token estimation constants. The estimator is intentionally crude and
// intentionally stable: bytes/4 plus fixed message and prompt overheads. The
// same function is used for budgeting and for meta accounting so the two can
// never disagree.
const (
	bytesPerToken     = 4
	perMessageTokens  = 4
	perPromptOverhead = 16
)

// EstimateTokens estimates the token cost of a rendered prompt of n bytes
// sent as msgs chat messages.
func EstimateTokens(n, msgs int) int {
	if n < 0 {
		n = 0
	}
	if msgs < 1 {
		msgs = 1
	}
	return n/bytesPerToken + msgs*perMessageTokens + perPromptOverhead
}
