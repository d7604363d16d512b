// Package policy integrates the external policy decision service. The gate
// asks which ids are visible for a request; the allowed set bounds everything
// downstream.
//
// Failure semantics are asymmetric: an explicit DENY is always fatal, while
// an unreachable policy service means "no override" (default visibility)
// unless fail-closed is configured.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/batvault/gateway/pkg/canonicalize"
	"github.com/batvault/gateway/pkg/gatewayerr"
	"github.com/batvault/gateway/pkg/observability"
)

const defaultDecisionPath = "/v1/data/batvault/authz"

// Identity carries the caller's identity fields, taken from request headers.
type Identity struct {
	UserID   string   `json:"user_id,omitempty"`
	Email    string   `json:"email,omitempty"`
	OrgID    string   `json:"org_id,omitempty"`
	TenantID string   `json:"tenant_id,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// IdentityFromHeaders extracts identity fields from the inbound request.
func IdentityFromHeaders(h http.Header) Identity {
	id := Identity{
		UserID:   h.Get("X-User-Id"),
		Email:    h.Get("X-User-Email"),
		OrgID:    h.Get("X-Org-Id"),
		TenantID: h.Get("X-Tenant-Id"),
	}
	if raw := h.Get("X-Roles"); raw != "" {
		for _, r := range strings.Split(raw, ",") {
			if r = strings.TrimSpace(r); r != "" {
				id.Roles = append(id.Roles, r)
			}
		}
	}
	return id
}

// Input is the canonical policy input envelope. Roles are deduplicated and
// sorted, intents default to ["enrich"], so the envelope is deterministic for
// identical requests.
//
// CandidateIDs and SnapshotETag belong to the wire contract but stay empty
// in this gateway: the gate runs before evidence collection so policy_fp can
// key the evidence cache, and at that point no candidates or etag exist.
// Policy decisions therefore scope by anchor and identity alone; the returned
// allowed set is applied to the bundle after it is built.
type Input struct {
	AnchorID     string   `json:"anchor_id"`
	Identity     Identity `json:"identity"`
	Intents      []string `json:"intents"`
	CandidateIDs []string `json:"candidate_ids,omitempty"`
	SnapshotETag string   `json:"snapshot_etag,omitempty"`
}

// Canonicalize normalizes the envelope in place.
func (in *Input) Canonicalize() {
	if len(in.Intents) == 0 {
		in.Intents = []string{"enrich"}
	}
	in.Identity.Roles = dedupeSorted(in.Identity.Roles)
	sort.Strings(in.Intents)
}

func dedupeSorted(ss []string) []string {
	if len(ss) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ss))
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// Decision is the visibility verdict for a request.
type Decision struct {
	AllowedIDs   []string `json:"allowed_ids"`
	ExtraVisible []string `json:"extra_visible,omitempty"`
	PolicyFP     string   `json:"policy_fp"`
}

// Client evaluates the remote policy decision point.
type Client struct {
	url          string
	decisionPath string
	http         *http.Client
	failClosed   bool
	logger       *observability.Logger
}

// New builds a policy client. An empty url disables the gate entirely
// (Evaluate returns nil, meaning default visibility).
func New(url, decisionPath string, timeout time.Duration, failClosed bool, logger *observability.Logger) *Client {
	if decisionPath == "" {
		decisionPath = defaultDecisionPath
	}
	return &Client{
		url:          strings.TrimRight(url, "/"),
		decisionPath: decisionPath,
		http:         &http.Client{Timeout: timeout},
		failClosed:   failClosed,
		logger:       logger,
	}
}

type wireRequest struct {
	Input *Input `json:"input"`
}

type wireResponse struct {
	Result *wireResult `json:"result"`
}

type wireResult struct {
	Allow             *bool    `json:"allow,omitempty"`
	AllowedIDs        []string `json:"allowed_ids"`
	ExtraVisible      []string `json:"extra_visible"`
	PolicyFingerprint string   `json:"policy_fingerprint"`
}

// Evaluate asks the decision point for the visible id set.
//
// Returns (nil, nil) when no override applies: the gate is unconfigured, or
// the service is unreachable and fail-closed is off. Returns POLICY_DENY when
// the service answers allow=false.
func (c *Client) Evaluate(ctx context.Context, in *Input) (*Decision, error) {
	if c == nil || c.url == "" {
		return nil, nil
	}

	in.Canonicalize()
	payload, err := json.Marshal(wireRequest{Input: in})
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.CodePolicyError, "policy", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+c.decisionPath, bytes.NewReader(payload))
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.CodePolicyError, "policy", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return c.unreachable(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.unreachable(ctx, fmt.Errorf("policy service status %d", resp.StatusCode))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.unreachable(ctx, err)
	}

	var wire wireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return c.unreachable(ctx, err)
	}
	if wire.Result == nil {
		return c.unreachable(ctx, fmt.Errorf("policy response missing result"))
	}

	if wire.Result.Allow != nil && !*wire.Result.Allow {
		return nil, gatewayerr.New(gatewayerr.CodePolicyDeny, "policy", "policy denied request")
	}

	fp := wire.Result.PolicyFingerprint
	if fp == "" {
		fp, err = canonicalize.Fingerprint(wire.Result)
		if err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.CodePolicyError, "policy", err)
		}
	}

	return &Decision{
		AllowedIDs:   wire.Result.AllowedIDs,
		ExtraVisible: wire.Result.ExtraVisible,
		PolicyFP:     fp,
	}, nil
}

// unreachable applies the configured degradation: default visibility, or a
// hard POLICY_ERROR when fail-closed.
func (c *Client) unreachable(ctx context.Context, cause error) (*Decision, error) {
	if c.failClosed {
		return nil, gatewayerr.Wrap(gatewayerr.CodePolicyError, "policy", cause)
	}
	c.logger.Warn(ctx, "policy", "policy_unreachable_default_allow", "error", cause.Error())
	return nil, nil
}
