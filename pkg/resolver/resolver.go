// Package resolver maps a free-text question or provided reference to a
// canonical decision identifier.
//
// Resolution is deterministic and tried in order: slug fast-path, memory
// text-resolve, local BM25 fallback over a small candidate pool. An all-miss
// is a legitimate outcome (empty id, nil error), handled by /v2/query.
package resolver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/batvault/gateway/pkg/contracts"
	"github.com/batvault/gateway/pkg/gatewayerr"
	"github.com/batvault/gateway/pkg/memory"
	"github.com/batvault/gateway/pkg/observability"
)

// Input is the resolution request. Exactly one of AnchorID, DecisionRef, or
// Text is normally set; when both ids are present AnchorID wins.
type Input struct {
	AnchorID    string
	DecisionRef string
	Text        string
}

// Result is the resolution outcome. AnchorID is empty on a legitimate
// no-match; Matches carries scored candidates for /v2/query.
type Result struct {
	AnchorID     string
	Matches      []contracts.QueryMatch
	SnapshotETag string
}

// Resolver resolves inputs against the memory service with a local fallback.
type Resolver struct {
	mem     *memory.Client
	timeout time.Duration
	logger  *observability.Logger

	mu   sync.RWMutex
	pool []Candidate
}

// New builds a resolver. timeout bounds the upstream text-resolve call.
func New(mem *memory.Client, timeout time.Duration, logger *observability.Logger) *Resolver {
	return &Resolver{mem: mem, timeout: timeout, logger: logger}
}

// Remember adds a candidate to the local fallback pool, keeping the pool
// small and deduplicated. Successful enrichments feed this.
func (r *Resolver) Remember(id, title string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.pool {
		if c.ID == id {
			if title != "" {
				r.pool[i].Title = title
			}
			return
		}
	}
	const maxPool = 128
	if len(r.pool) >= maxPool {
		r.pool = r.pool[1:]
	}
	r.pool = append(r.pool, Candidate{ID: id, Title: title})
}

// SeedPool replaces the fallback candidate pool.
func (r *Resolver) SeedPool(candidates []Candidate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pool = append([]Candidate(nil), candidates...)
}

func (r *Resolver) snapshotPool() []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Candidate(nil), r.pool...)
}

// Resolve runs the deterministic resolution ladder.
func (r *Resolver) Resolve(ctx context.Context, in Input, stats *memory.CallStats) (*Result, error) {
	// Rule 1: slug fast-path. AnchorID takes precedence over DecisionRef.
	for _, ref := range []string{in.AnchorID, in.DecisionRef} {
		if ref == "" {
			continue
		}
		if contracts.IsSlug(ref) {
			return &Result{AnchorID: ref}, nil
		}
		// A non-slug reference is treated as text for upstream resolution.
		if in.Text == "" {
			in.Text = ref
		}
	}
	if in.Text == "" {
		return &Result{}, nil
	}

	// Rule 2: upstream text resolution with a short budget.
	rctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, upstreamErr := r.mem.ResolveText(rctx, in.Text, 10, stats)
	if upstreamErr == nil {
		matches := make([]contracts.QueryMatch, 0, len(res.Matches))
		for _, m := range res.Matches {
			matches = append(matches, contracts.QueryMatch{ID: m.ID, Title: m.Title, Score: m.Score, Type: m.Type})
		}
		out := &Result{Matches: matches, SnapshotETag: res.SnapshotETag}
		if len(matches) > 0 {
			out.AnchorID = matches[0].ID
			r.Remember(matches[0].ID, matches[0].Title)
		}
		return out, nil
	}

	// The parent deadline expiring is a resolver timeout, not a fallback
	// opportunity.
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, gatewayerr.Wrap(gatewayerr.CodeResolverTimeout, "resolve", ctx.Err())
	}

	r.logger.Warn(ctx, "resolve", "upstream_resolve_failed", "error", upstreamErr.Error())

	// Rule 3: local BM25 fallback over the candidate pool.
	scored := ScoreBM25(in.Text, r.snapshotPool())
	if len(scored) > 0 {
		out := &Result{Matches: scored, AnchorID: scored[0].ID}
		return out, nil
	}

	// Rule 4: all-miss. With a healthy-but-empty pool this is a legitimate
	// no-anchor result; with nothing to fall back on it is unavailability.
	if len(r.snapshotPool()) == 0 {
		return nil, gatewayerr.Wrap(gatewayerr.CodeResolverUnavailable, "resolve", upstreamErr)
	}
	return &Result{}, nil
}
