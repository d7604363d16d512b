// Package evidence assembles the bounded evidence bundle for an anchor:
// enrichment, one-hop expansion, per-neighbor enrichment fan-out,
// de-duplication, canonical allowed_ids composition, and caching.
package evidence

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/batvault/gateway/pkg/cache"
	"github.com/batvault/gateway/pkg/contracts"
	"github.com/batvault/gateway/pkg/memory"
	"github.com/batvault/gateway/pkg/observability"
)

// enrichFanout bounds concurrent per-neighbor enrichment calls.
const enrichFanout = 8

// Builder fetches and composes evidence bundles.
type Builder struct {
	mem     *memory.Client
	cache   *cache.EvidenceCache
	k       int
	logger  *observability.Logger
	metrics *observability.Metrics
}

// New builds an evidence builder. k is the expansion breadth passed to the
// memory service.
func New(mem *memory.Client, c *cache.EvidenceCache, k int, logger *observability.Logger, metrics *observability.Metrics) *Builder {
	if k <= 0 {
		k = 12
	}
	return &Builder{mem: mem, cache: c, k: k, logger: logger, metrics: metrics}
}

// Result carries the bundle plus builder-side accounting the selector and
// meta need.
type Result struct {
	Bundle              *contracts.EvidenceBundle
	TotalNeighborsFound int
	FromCache           bool
	ExpandDegraded      bool // upstream expansion timed out internally
}

// Build assembles the evidence bundle for anchorID under the given policy
// fingerprint.
func (b *Builder) Build(ctx context.Context, anchorID, policyFP string) (*Result, error) {
	// 1. Cache probe. Any hit short-circuits the upstream walk.
	if bundle, ok := b.cache.Probe(ctx, anchorID, policyFP); ok {
		b.logger.Debug(ctx, "evidence", "cache_hit", "anchor_id", anchorID)
		return &Result{
			Bundle:              bundle,
			TotalNeighborsFound: len(bundle.Events) + len(bundle.Transitions.All()),
			FromCache:           true,
		}, nil
	}

	stats := &memory.CallStats{}

	// 2. Enrich the anchor; this also establishes the snapshot etag.
	anchor, etag, err := b.mem.EnrichDecision(ctx, anchorID, stats)
	if err != nil {
		return nil, err
	}

	// 7 (early). Title mirroring happens at the evidence layer only; the
	// persisted anchor document is never rewritten.
	if anchor.Title == "" && anchor.Option != "" {
		anchor.Title = anchor.Option
	}

	// 3. Expand one-hop neighbors.
	expand, err := b.mem.ExpandCandidates(ctx, anchorID, b.k, stats)
	if err != nil {
		return nil, err
	}
	if etag == memory.ETagUnknown && expand.SnapshotETag != memory.ETagUnknown {
		etag = expand.SnapshotETag
	}

	// 5. Deduplicate by id across the flattened list, first occurrence wins.
	seen := map[string]bool{anchorID: true}
	neighbors := make([]memory.Neighbor, 0, len(expand.Neighbors))
	for _, n := range expand.Neighbors {
		if n.ID == "" || seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		neighbors = append(neighbors, n)
	}

	// 4. Per-neighbor enrichment, fanned out. Events go through the event
	// endpoint, decision neighbors through the decision endpoint; transitions
	// are materialized from the expansion payload itself.
	var (
		mu          sync.Mutex
		events      []contracts.Event
		transitions []contracts.Transition
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enrichFanout)

	for _, n := range neighbors {
		switch {
		case n.IsTransition():
			transitions = append(transitions, contracts.Transition{
				ID:        n.ID,
				From:      n.From,
				To:        n.To,
				Relation:  n.Relation,
				Reason:    n.Reason,
				Timestamp: n.Timestamp,
			})
		case n.IsEvent():
			g.Go(func() error {
				ev, err := b.mem.EnrichEvent(gctx, n.ID, stats)
				if err != nil {
					// Degrade: keep what the expansion already told us.
					b.logger.Warn(gctx, "evidence", "event_enrich_failed", "id", n.ID, "error", err.Error())
					ev = &contracts.Event{ID: n.ID, Type: "event", Summary: n.Summary, Timestamp: n.Timestamp}
				}
				if len(ev.Snippet) > contracts.MaxSnippetChars {
					ev.Snippet = ev.Snippet[:contracts.MaxSnippetChars]
				}
				mu.Lock()
				events = append(events, *ev)
				mu.Unlock()
				return nil
			})
		default:
			// Decision neighbors are enriched for freshness but do not join
			// the bundle; they reach the response only via transitions.
			g.Go(func() error {
				if _, _, err := b.mem.EnrichDecision(gctx, n.ID, stats); err != nil {
					b.logger.Warn(gctx, "evidence", "decision_enrich_failed", "id", n.ID, "error", err.Error())
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	bundle := &contracts.EvidenceBundle{
		Anchor:       *anchor,
		Events:       sortEvents(events),
		Transitions:  splitTransitions(anchorID, transitions),
		SnapshotETag: etag,
		RetryCount:   stats.Retries(),
	}

	// 6. Compose allowed_ids in canonical order.
	bundle.AllowedIDs = bundle.ComputeAllowedIDs()

	// 8. Cache write; failures are swallowed inside the cache.
	b.cache.Put(ctx, policyFP, bundle)

	if b.metrics != nil {
		b.metrics.TotalNeighborsFound.Set(float64(len(neighbors)))
	}
	b.logger.Info(ctx, "evidence", "bundle_built",
		"anchor_id", anchorID,
		"snapshot_etag", etag,
		"events", len(bundle.Events),
		"transitions", len(bundle.Transitions.All()),
		"retries", bundle.RetryCount,
	)

	return &Result{
		Bundle:              bundle,
		TotalNeighborsFound: len(neighbors),
		ExpandDegraded:      expand.FallbackReason == "timeout",
	}, nil
}

// sortEvents orders events by ascending timestamp with id tiebreak, matching
// the allowed_ids composition rule.
func sortEvents(events []contracts.Event) []contracts.Event {
	out := append([]contracts.Event(nil), events...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && less(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func less(a, b contracts.Event) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.ID < b.ID
}

// splitTransitions files each transition as preceding (to == anchor) or
// succeeding (from == anchor). Edges that touch the anchor on neither side
// are dropped.
func splitTransitions(anchorID string, ts []contracts.Transition) contracts.TransitionSet {
	set := contracts.TransitionSet{
		Preceding:  []contracts.Transition{},
		Succeeding: []contracts.Transition{},
	}
	for _, t := range ts {
		switch {
		case t.To == anchorID:
			set.Preceding = append(set.Preceding, t)
		case t.From == anchorID:
			set.Succeeding = append(set.Succeeding, t)
		}
	}
	return set
}
