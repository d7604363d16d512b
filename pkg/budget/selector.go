package budget

import (
	"context"
	"sort"
	"strings"

	"github.com/batvault/gateway/pkg/contracts"
	"github.com/batvault/gateway/pkg/observability"
)

// RenderFunc renders a candidate bundle into the canonical prompt bytes. The
// selector calls it after every drop so byte accounting always reflects the
// envelope that would actually be sent.
type RenderFunc func(bundle *contracts.EvidenceBundle, maxTokens int) ([]byte, error)

// Config bounds the selector. TruncationThreshold is the byte size the
// selector shrinks down to once it has started dropping: tightening past the
// hard cap keeps a bundle that barely fit from re-triggering truncation on
// the next snapshot.
type Config struct {
	MaxPromptBytes          int
	ContextWindowTokens     int
	GuardTokens             int
	DesiredCompletionTokens int
	TruncationThreshold     int
	MaxRetries              int
	ShrinkFactor            float64
}

// Plan is the selector outcome: the bundle that fits, the rendered prompt,
// and the accounting meta needs.
type Plan struct {
	Bundle             *contracts.EvidenceBundle
	Rendered           []byte
	DroppedIDs         []string
	Truncated          bool
	PromptTokens       int
	MaxPromptTokens    int
	CompletionTokens   int
	BundleSizeBytes    int
	FinalEvidenceCount int
}

// Selector prunes evidence deterministically until the rendered envelope fits
// both the byte cap and the token window.
type Selector struct {
	cfg    Config
	logger *observability.Logger
}

// New builds a selector, normalizing zero config values to defaults.
func New(cfg Config, logger *observability.Logger) *Selector {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.ShrinkFactor <= 0 || cfg.ShrinkFactor >= 1 {
		cfg.ShrinkFactor = 0.8
	}
	if cfg.ContextWindowTokens <= 0 {
		cfg.ContextWindowTokens = 8192
	}
	if cfg.DesiredCompletionTokens <= 0 {
		cfg.DesiredCompletionTokens = 512
	}
	return &Selector{cfg: cfg, logger: logger}
}

// Fit shrinks the bundle until render fits. The anchor is never dropped;
// events go before transitions, lowest rank first. Re-ranking, dropping, and
// tie-breaking are all deterministic, so identical inputs always produce the
// identical plan.
func (s *Selector) Fit(ctx context.Context, bundle *contracts.EvidenceBundle, render RenderFunc) (*Plan, error) {
	work := cloneBundle(bundle)
	dropOrder := s.dropOrder(work)

	completion := s.cfg.DesiredCompletionTokens
	plan := &Plan{Bundle: work}
	totalAtEntry := len(work.Events) + len(work.Transitions.All())
	byteCap := s.cfg.MaxPromptBytes

	for shrink := 0; ; {
		maxPromptTokens := s.cfg.ContextWindowTokens - s.cfg.GuardTokens - completion
		rendered, err := render(work, completion)
		if err != nil {
			return nil, err
		}
		tokens := EstimateTokens(len(rendered), 2)

		fitsBytes := byteCap <= 0 || len(rendered) <= byteCap
		fitsTokens := tokens <= maxPromptTokens

		if fitsBytes && fitsTokens {
			plan.Rendered = rendered
			plan.PromptTokens = tokens
			plan.MaxPromptTokens = maxPromptTokens
			plan.CompletionTokens = completion
			plan.BundleSizeBytes = len(rendered)
			plan.FinalEvidenceCount = len(work.Events) + len(work.Transitions.All())
			s.logComplete(ctx, plan, totalAtEntry)
			return plan, nil
		}

		if len(dropOrder) > 0 {
			victim := dropOrder[0]
			dropOrder = dropOrder[1:]
			removeFromBundle(work, victim)
			work.AllowedIDs = work.ComputeAllowedIDs()
			plan.DroppedIDs = append(plan.DroppedIDs, victim)
			plan.Truncated = true
			// Once truncating, aim below the threshold so a borderline
			// bundle does not hover at the cap.
			if s.cfg.TruncationThreshold > 0 && s.cfg.TruncationThreshold < byteCap {
				byteCap = s.cfg.TruncationThreshold
			}
			continue
		}

		// Minimal bundle still over budget: trade completion space for
		// prompt space, a bounded number of times.
		if shrink < s.cfg.MaxRetries {
			shrink++
			completion = int(float64(completion) * s.cfg.ShrinkFactor)
			if completion < 1 {
				completion = 1
			}
			continue
		}

		// Anchor-only and still over. Ship it flagged rather than fail the
		// request; the caller surfaces the truncation in meta.
		plan.Rendered = rendered
		plan.PromptTokens = tokens
		plan.MaxPromptTokens = maxPromptTokens
		plan.CompletionTokens = completion
		plan.BundleSizeBytes = len(rendered)
		plan.FinalEvidenceCount = len(work.Events) + len(work.Transitions.All())
		plan.Truncated = true
		s.logComplete(ctx, plan, totalAtEntry)
		return plan, nil
	}
}

func (s *Selector) logComplete(ctx context.Context, plan *Plan, totalNeighbors int) {
	s.logger.Info(ctx, "budget", "selector_complete",
		"prompt_tokens", plan.PromptTokens,
		"max_prompt_tokens", plan.MaxPromptTokens,
		"bundle_size_bytes", plan.BundleSizeBytes,
		"selector_truncation", plan.Truncated,
		"total_neighbors_found", totalNeighbors,
		"final_evidence_count", plan.FinalEvidenceCount,
		"dropped_evidence_ids", plan.DroppedIDs,
	)
}

// dropOrder lists evidence ids lowest-value first. Events rank below
// transitions; within events, foreign-cohort before same-cohort, older before
// newer, id desc as tiebreak so the drop order is a strict total order.
func (s *Selector) dropOrder(b *contracts.EvidenceBundle) []string {
	cohort := slugCohort(b.Anchor.ID)

	events := append([]contracts.Event(nil), b.Events...)
	sort.SliceStable(events, func(i, j int) bool {
		ci, cj := slugCohort(events[i].ID) == cohort, slugCohort(events[j].ID) == cohort
		if ci != cj {
			return !ci // foreign cohort drops first
		}
		if events[i].Timestamp != events[j].Timestamp {
			return events[i].Timestamp < events[j].Timestamp // older drops first
		}
		return events[i].ID > events[j].ID
	})

	out := make([]string, 0, len(events)+len(b.Transitions.All()))
	for _, e := range events {
		out = append(out, e.ID)
	}
	// Transitions go last: they anchor the decision chain and are only
	// sacrificed when no event is left.
	for _, t := range b.Transitions.Succeeding {
		out = append(out, t.ID)
	}
	for _, t := range b.Transitions.Preceding {
		out = append(out, t.ID)
	}
	return out
}

// slugCohort is the leading token of a slug id, e.g. "panasonic" for
// "panasonic-exit-plasma-2012".
func slugCohort(id string) string {
	if i := strings.IndexAny(id, "-_"); i > 0 {
		return id[:i]
	}
	return id
}

func cloneBundle(b *contracts.EvidenceBundle) *contracts.EvidenceBundle {
	out := &contracts.EvidenceBundle{
		Anchor:       b.Anchor,
		Events:       append([]contracts.Event(nil), b.Events...),
		SnapshotETag: b.SnapshotETag,
		RetryCount:   b.RetryCount,
	}
	out.Transitions.Preceding = append([]contracts.Transition(nil), b.Transitions.Preceding...)
	out.Transitions.Succeeding = append([]contracts.Transition(nil), b.Transitions.Succeeding...)
	out.AllowedIDs = out.ComputeAllowedIDs()
	return out
}

func removeFromBundle(b *contracts.EvidenceBundle, id string) {
	for i, e := range b.Events {
		if e.ID == id {
			b.Events = append(b.Events[:i], b.Events[i+1:]...)
			return
		}
	}
	for i, t := range b.Transitions.Preceding {
		if t.ID == id {
			b.Transitions.Preceding = append(b.Transitions.Preceding[:i], b.Transitions.Preceding[i+1:]...)
			return
		}
	}
	for i, t := range b.Transitions.Succeeding {
		if t.ID == id {
			b.Transitions.Succeeding = append(b.Transitions.Succeeding[:i], b.Transitions.Succeeding[i+1:]...)
			return
		}
	}
}
