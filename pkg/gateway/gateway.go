// Package gateway orchestrates the answer pipeline: resolve, authorize,
// collect evidence, fit the budget, draft, validate, sign, persist. Each
// stage runs under its own deadline; a blown deadline surfaces as a 504 with
// a stable "<stage> stage timeout" detail.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/batvault/gateway/pkg/artifacts"
	"github.com/batvault/gateway/pkg/assembler"
	"github.com/batvault/gateway/pkg/budget"
	"github.com/batvault/gateway/pkg/canonicalize"
	"github.com/batvault/gateway/pkg/contracts"
	"github.com/batvault/gateway/pkg/evidence"
	"github.com/batvault/gateway/pkg/gatewayerr"
	"github.com/batvault/gateway/pkg/llm"
	"github.com/batvault/gateway/pkg/observability"
	"github.com/batvault/gateway/pkg/policy"
	"github.com/batvault/gateway/pkg/prompt"
	"github.com/batvault/gateway/pkg/resolver"
	"github.com/batvault/gateway/pkg/validator"
)

// Stage names, wire-stable in timeout details and metrics labels.
const (
	StageSearch   = "search"
	StageEnrich   = "enrich"
	StageValidate = "validate"
	StageLLM      = "llm"
)

// Timeouts carries the per-stage deadlines.
type Timeouts struct {
	Search   time.Duration
	Expand   time.Duration
	Enrich   time.Duration
	Validate time.Duration
	LLM      time.Duration
}

// Shedder reports whether new work should be short-circuited.
type Shedder interface {
	Active() bool
}

// neverShed is the default when no watcher is wired.
type neverShed struct{}

func (neverShed) Active() bool { return false }

// Gateway wires the pipeline stages together.
type Gateway struct {
	resolver  *resolver.Resolver
	policy    *policy.Client
	builder   *evidence.Builder
	selector  *budget.Selector
	validator *validator.Validator
	templater *validator.Templater
	llm       llm.Client
	assembler *assembler.Assembler
	persister *artifacts.Persister
	shedder   Shedder
	timeouts  Timeouts
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// Deps enumerates the pipeline collaborators.
type Deps struct {
	Resolver  *resolver.Resolver
	Policy    *policy.Client
	Builder   *evidence.Builder
	Selector  *budget.Selector
	Validator *validator.Validator
	Templater *validator.Templater
	LLM       llm.Client
	Assembler *assembler.Assembler
	Persister *artifacts.Persister
	Shedder   Shedder
	Timeouts  Timeouts
	Logger    *observability.Logger
	Metrics   *observability.Metrics
}

// New builds the gateway.
func New(d Deps) *Gateway {
	if d.Shedder == nil {
		d.Shedder = neverShed{}
	}
	if d.LLM == nil {
		d.LLM = llm.Disabled{}
	}
	return &Gateway{
		resolver:  d.Resolver,
		policy:    d.Policy,
		builder:   d.Builder,
		selector:  d.Selector,
		validator: d.Validator,
		templater: d.Templater,
		llm:       d.LLM,
		assembler: d.Assembler,
		persister: d.Persister,
		shedder:   d.Shedder,
		timeouts:  d.Timeouts,
		logger:    d.Logger,
		metrics:   d.Metrics,
	}
}

// AskRequest is a question about one decision.
type AskRequest struct {
	Intent      string          `json:"intent,omitempty"`
	AnchorID    string          `json:"anchor_id,omitempty"`
	DecisionRef string          `json:"decision_ref,omitempty"`
	Text        string          `json:"text,omitempty"`
	Identity    policy.Identity `json:"-"`
}

func (r AskRequest) question() string {
	if r.Text != "" {
		return r.Text
	}
	return "why was this decision made"
}

// AskOutcome is either a full signed response, the structured match list
// when nothing resolved, or a shed notice when the gateway is refusing new
// work.
type AskOutcome struct {
	Response *contracts.Response
	Query    *contracts.QueryResult
	Shed     *ShedResponse
}

// ShedResponse is the structured short-circuit body returned while the load
// shed flag is up. No pipeline stage runs for these requests.
type ShedResponse struct {
	Status string   `json:"status"`
	Detail string   `json:"detail"`
	Meta   ShedMeta `json:"meta"`
}

// ShedMeta mirrors the meta block clients already parse.
type ShedMeta struct {
	LoadShed bool `json:"load_shed"`
}

func shedResponse() *ShedResponse {
	return &ShedResponse{
		Status: "load_shed",
		Detail: "gateway is shedding load, retry shortly",
		Meta:   ShedMeta{LoadShed: true},
	}
}

// Ask answers a why-question end to end.
func (g *Gateway) Ask(ctx context.Context, req AskRequest) (*AskOutcome, error) {
	started := time.Now()

	// Shedding short-circuits before any stage runs.
	if g.shedder.Active() {
		g.logger.Warn(ctx, "gateway", "load_shed_reject")
		return &AskOutcome{Shed: shedResponse()}, nil
	}

	// Stage: search.
	res, err := g.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.AnchorID == "" {
		return &AskOutcome{Query: &contracts.QueryResult{Matches: ensureMatches(res.Matches)}}, nil
	}

	// Policy gate. Runs before any evidence leaves the building.
	dec, err := g.policy.Evaluate(ctx, &policy.Input{
		AnchorID: res.AnchorID,
		Identity: req.Identity,
	})
	if err != nil {
		return nil, err
	}
	policyFP := ""
	if dec != nil {
		policyFP = dec.PolicyFP
	}

	// Stage: enrich (includes expansion).
	built, err := g.collect(ctx, res.AnchorID, policyFP)
	if err != nil {
		return nil, err
	}
	bundlePre := cloneForAudit(built.Bundle)
	applyPolicy(built.Bundle, dec)

	// Budget gate.
	question := req.question()
	plan, err := g.selector.Fit(ctx, built.Bundle, prompt.Render(question))
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.CodeInternal, "budget", err)
	}

	env, err := prompt.Build(question, plan.Bundle, plan.CompletionTokens)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.CodeInternal, "prompt", err)
	}

	// Stage: llm, with deterministic fallback. The shed flag is sampled here
	// so a flip after the request was admitted still skips the LLM, and meta
	// reports the state that actually governed this request.
	shedding := g.shedder.Active()
	draft, rawLLM, fallbackReason := g.draft(ctx, env, plan, shedding)

	// Stage: validate.
	vres, err := g.validate(ctx, plan.Bundle, draft, fallbackReason)
	if err != nil {
		return nil, err
	}
	answer := vres.Answer
	if !vres.Usable {
		if fallbackReason == "" {
			fallbackReason = contracts.FallbackValidatorFailed
		}
		answer = g.templater.Render(intentOf(req), plan.Bundle)
		repaired := g.validator.Validate(plan.Bundle, answer, nil)
		answer = repaired.Answer
		vres.Codes = append(vres.Codes, repaired.Codes...)
	}

	// An internally degraded graph expansion surfaces on the wire even when
	// the rest of the pipeline succeeded: the evidence is known-incomplete.
	if fallbackReason == "" && built.ExpandDegraded {
		fallbackReason = contracts.FallbackTimeout
	}

	fallbackUsed := fallbackReason != "" || len(vres.Codes) > 0

	allowedFP, err := canonicalize.Fingerprint(plan.Bundle.AllowedIDs)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.CodeInternal, "assemble", err)
	}

	resp := &contracts.Response{
		Intent:            intentOf(req),
		Evidence:          *plan.Bundle,
		Answer:            answer,
		CompletenessFlags: vres.Completeness,
		Meta: contracts.Meta{
			PromptFP:            env.Fingerprint,
			SnapshotETag:        plan.Bundle.SnapshotETag,
			PolicyFP:            policyFP,
			AllowedIDsFP:        allowedFP,
			PromptTokens:        plan.PromptTokens,
			MaxPromptTokens:     plan.MaxPromptTokens,
			TotalNeighborsFound: built.TotalNeighborsFound,
			FinalEvidenceCount:  plan.FinalEvidenceCount,
			SelectorTruncation:  plan.Truncated,
			DroppedEvidenceIDs:  plan.DroppedIDs,
			BundleSizeBytes:     plan.BundleSizeBytes,
			Retries:             plan.Bundle.RetryCount,
			FallbackUsed:        fallbackUsed,
			FallbackReason:      fallbackReason,
			ValidatorCodes:      vres.Codes,
			LatencyMS:           time.Since(started).Milliseconds(),
			LoadShed:            shedding,
		},
	}

	if _, err := g.assembler.Assemble(resp); err != nil {
		return nil, err
	}

	g.observe(plan, built)

	if err := g.persist(ctx, env, plan, rawLLM, vres.Codes, fallbackUsed, fallbackReason, resp, bundlePre); err != nil {
		return nil, err
	}

	g.logger.Info(ctx, "gateway", "ask_complete",
		"anchor_id", res.AnchorID,
		"prompt_fingerprint", env.Fingerprint,
		"fallback_used", fallbackUsed,
		"latency_ms", resp.Meta.LatencyMS,
	)
	return &AskOutcome{Response: resp}, nil
}

// Query functions.
const (
	FuncSearchSimilar     = "search_similar"
	FuncGetGraphNeighbors = "get_graph_neighbors"
)

// QueryRequest is the exploratory entry point: free text plus the functions
// the caller wants exercised.
type QueryRequest struct {
	Text      string          `json:"text"`
	Functions []string        `json:"functions,omitempty"`
	Identity  policy.Identity `json:"-"`
}

// Query resolves free text. A confident single match is promoted to a full
// ask; otherwise the scored matches (possibly empty) come back as a 200.
func (g *Gateway) Query(ctx context.Context, req QueryRequest) (*AskOutcome, error) {
	if g.shedder.Active() {
		g.logger.Warn(ctx, "gateway", "load_shed_reject")
		return &AskOutcome{Shed: shedResponse()}, nil
	}

	res, err := g.resolve(ctx, AskRequest{Text: req.Text})
	if err != nil {
		return nil, err
	}

	if res.AnchorID != "" && wantsFunc(req.Functions, FuncSearchSimilar) {
		return g.Ask(ctx, AskRequest{Text: req.Text, AnchorID: res.AnchorID, Identity: req.Identity})
	}

	out := &contracts.QueryResult{Matches: ensureMatches(res.Matches)}
	if res.AnchorID != "" && wantsFunc(req.Functions, FuncGetGraphNeighbors) {
		built, err := g.collect(ctx, res.AnchorID, "")
		if err == nil {
			out.Neighbors = built.Bundle.Events
		}
	}
	return &AskOutcome{Query: out}, nil
}

// --- stages ---

func (g *Gateway) resolve(ctx context.Context, req AskRequest) (*resolver.Result, error) {
	sctx, cancel := context.WithTimeout(ctx, g.timeouts.Search)
	defer cancel()

	res, err := g.resolver.Resolve(sctx, resolver.Input{
		AnchorID:    req.AnchorID,
		DecisionRef: req.DecisionRef,
		Text:        req.Text,
	}, nil)
	if err != nil {
		return nil, g.stageErr(ctx, StageSearch, sctx, err)
	}
	return res, nil
}

func (g *Gateway) collect(ctx context.Context, anchorID, policyFP string) (*evidence.Result, error) {
	ectx, cancel := context.WithTimeout(ctx, g.timeouts.Expand+g.timeouts.Enrich)
	defer cancel()

	built, err := g.builder.Build(ectx, anchorID, policyFP)
	if err != nil {
		return nil, g.stageErr(ctx, StageEnrich, ectx, err)
	}
	return built, nil
}

// draft calls the LLM unless shedding or disabled, and parses the raw
// completion against the answer schema. Any failure selects the templater
// via a fallback reason instead of failing the request.
func (g *Gateway) draft(ctx context.Context, env *prompt.Envelope, plan *budget.Plan, shedding bool) (contracts.Answer, []byte, string) {
	if shedding {
		g.logger.Info(ctx, "llm", "shedding_active")
		return g.templater.Render(prompt.IntentWhyDecision, plan.Bundle), nil, contracts.FallbackLLMOff
	}

	lctx, cancel := context.WithTimeout(ctx, g.timeouts.LLM)
	defer cancel()

	raw, err := g.llm.Complete(lctx, env.Messages(), plan.CompletionTokens)
	if err != nil {
		reason := contracts.FallbackLLMError
		switch {
		case errors.Is(err, llm.ErrDisabled):
			reason = contracts.FallbackLLMOff
		case gatewayerr.IsTimeout(err) || lctx.Err() == context.DeadlineExceeded:
			reason = contracts.FallbackTimeout
			if g.metrics != nil {
				g.metrics.StageTimeouts.WithLabelValues(StageLLM).Inc()
			}
		}
		if reason != contracts.FallbackLLMOff {
			g.logger.Warn(ctx, "llm", "completion_failed", "reason", reason, "error", err.Error())
		}
		if g.metrics != nil {
			g.metrics.LLMFallback.WithLabelValues(reason).Inc()
		}
		return g.templater.Render(prompt.IntentWhyDecision, plan.Bundle), nil, reason
	}

	answer, err := contracts.ParseAnswer(raw)
	if err != nil {
		g.logger.Warn(ctx, "llm", "draft_rejected", "error", err.Error())
		if g.metrics != nil {
			g.metrics.LLMFallback.WithLabelValues(contracts.FallbackValidatorFailed).Inc()
		}
		return g.templater.Render(prompt.IntentWhyDecision, plan.Bundle), raw, contracts.FallbackValidatorFailed
	}
	return *answer, raw, ""
}

func (g *Gateway) validate(ctx context.Context, bundle *contracts.EvidenceBundle, draft contracts.Answer, _ string) (validator.Result, error) {
	vctx, cancel := context.WithTimeout(ctx, g.timeouts.Validate)
	defer cancel()

	done := make(chan validator.Result, 1)
	go func() { done <- g.validator.Validate(bundle, draft, nil) }()

	select {
	case res := <-done:
		return res, nil
	case <-vctx.Done():
		if g.metrics != nil {
			g.metrics.StageTimeouts.WithLabelValues(StageValidate).Inc()
		}
		return validator.Result{}, gatewayerr.StageTimeout(StageValidate)
	}
}

// stageErr converts a stage-context deadline into the stable stage timeout
// error; everything else passes through.
func (g *Gateway) stageErr(ctx context.Context, stage string, sctx context.Context, err error) error {
	if sctx.Err() == context.DeadlineExceeded && ctx.Err() == nil || gatewayerr.IsTimeout(err) {
		if g.metrics != nil {
			g.metrics.StageTimeouts.WithLabelValues(stage).Inc()
		}
		return gatewayerr.StageTimeout(stage)
	}
	return err
}

func (g *Gateway) observe(plan *budget.Plan, built *evidence.Result) {
	if g.metrics == nil {
		return
	}
	g.metrics.FinalEvidenceCount.Set(float64(plan.FinalEvidenceCount))
	g.metrics.BundleSizeBytes.Observe(float64(plan.BundleSizeBytes))
	if plan.Truncated {
		g.metrics.SelectorTruncation.Inc()
	}
	if n := len(plan.DroppedIDs); n > 0 {
		g.metrics.DroppedEvidenceIDs.Add(float64(n))
	}
}

func (g *Gateway) persist(ctx context.Context, env *prompt.Envelope, plan *budget.Plan,
	rawLLM []byte, codes []string, fallbackUsed bool, fallbackReason string,
	resp *contracts.Response, pre *contracts.EvidenceBundle) error {

	if g.persister == nil {
		return nil
	}
	return g.persister.Persist(ctx, &artifacts.Record{
		RequestID:      observability.RequestID(ctx),
		Envelope:       env.Canonical,
		RenderedPrompt: plan.Rendered,
		LLMRaw:         rawLLM,
		ValidatorReport: artifacts.ValidatorReport{
			Codes:          codes,
			FallbackUsed:   fallbackUsed,
			FallbackReason: fallbackReason,
		},
		Response:     resp,
		EvidencePre:  pre,
		EvidencePost: plan.Bundle,
	})
}

// --- helpers ---

func intentOf(req AskRequest) string {
	if req.Intent != "" {
		return req.Intent
	}
	return prompt.IntentWhyDecision
}

func wantsFunc(fns []string, name string) bool {
	if len(fns) == 0 {
		return name == FuncSearchSimilar
	}
	for _, f := range fns {
		if f == name {
			return true
		}
	}
	return false
}

func ensureMatches(m []contracts.QueryMatch) []contracts.QueryMatch {
	if m == nil {
		return []contracts.QueryMatch{}
	}
	return m
}

// applyPolicy restricts the bundle to what the decision allows. The anchor
// always survives; extra_visible widens the allowed set without joining
// allowed_ids on its own.
func applyPolicy(b *contracts.EvidenceBundle, dec *policy.Decision) {
	if dec == nil || len(dec.AllowedIDs) == 0 {
		return
	}
	visible := make(map[string]bool, len(dec.AllowedIDs)+len(dec.ExtraVisible)+1)
	for _, id := range dec.AllowedIDs {
		visible[id] = true
	}
	for _, id := range dec.ExtraVisible {
		visible[id] = true
	}
	visible[b.Anchor.ID] = true

	kept := b.Events[:0]
	for _, e := range b.Events {
		if visible[e.ID] {
			kept = append(kept, e)
		}
	}
	b.Events = kept

	keepTrans := func(ts []contracts.Transition) []contracts.Transition {
		out := ts[:0]
		for _, t := range ts {
			if visible[t.ID] {
				out = append(out, t)
			}
		}
		return out
	}
	b.Transitions.Preceding = keepTrans(b.Transitions.Preceding)
	b.Transitions.Succeeding = keepTrans(b.Transitions.Succeeding)
	b.AllowedIDs = b.ComputeAllowedIDs()
}

func cloneForAudit(b *contracts.EvidenceBundle) *contracts.EvidenceBundle {
	out := &contracts.EvidenceBundle{
		Anchor:       b.Anchor,
		Events:       append([]contracts.Event(nil), b.Events...),
		AllowedIDs:   append([]string(nil), b.AllowedIDs...),
		SnapshotETag: b.SnapshotETag,
		RetryCount:   b.RetryCount,
	}
	out.Transitions.Preceding = append([]contracts.Transition(nil), b.Transitions.Preceding...)
	out.Transitions.Succeeding = append([]contracts.Transition(nil), b.Transitions.Succeeding...)
	return out
}
