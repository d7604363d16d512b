// Package memory is the HTTP client for the memory graph service: text
// resolution, candidate expansion, per-node enrichment, and the schema
// mirror. Every call extracts the snapshot etag so the caller can version
// cache keys and meta.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/batvault/gateway/pkg/contracts"
	"github.com/batvault/gateway/pkg/gatewayerr"
	"github.com/batvault/gateway/pkg/observability"
)

// ETagUnknown is recorded when no snapshot etag can be found in headers or
// body.
const ETagUnknown = "unknown"

// etagHeaders are probed in order; header lookup is case-insensitive and both
// dash and underscore spellings are accepted.
var etagHeaders = []string{
	"ETag",
	"Snapshot-ETag",
	"X-Snapshot-ETag",
	"Snapshot_ETag",
	"X_Snapshot_ETag",
}

// CallStats accumulates upstream retry attempts for a single request so the
// bundle can expose its _retry_count.
type CallStats struct {
	retries atomic.Int64
}

// Retries returns the number of retried attempts (not counting the first try
// of each call).
func (s *CallStats) Retries() int {
	if s == nil {
		return 0
	}
	return int(s.retries.Load())
}

func (s *CallStats) add(n int) {
	if s != nil && n > 0 {
		s.retries.Add(int64(n))
	}
}

// Client talks to the memory service.
type Client struct {
	base       string
	http       *http.Client
	logger     *observability.Logger
	maxRetries int
	retryBase  time.Duration
	jitterMax  time.Duration
}

// New builds a client for the memory service at base (MEMORY_API_URL).
func New(base string, logger *observability.Logger) *Client {
	return &Client{
		base:       strings.TrimRight(base, "/"),
		http:       &http.Client{},
		logger:     logger,
		maxRetries: 2,
		retryBase:  50 * time.Millisecond,
		jitterMax:  40 * time.Millisecond,
	}
}

// WithRetryPolicy overrides the retry bounds; used by tests to keep backoff
// out of the clock.
func (c *Client) WithRetryPolicy(maxRetries int, base, jitterMax time.Duration) *Client {
	c.maxRetries = maxRetries
	c.retryBase = base
	c.jitterMax = jitterMax
	return c
}

// backoffDelay implements base + jitter·(attempt mod 3).
func (c *Client) backoffDelay(attempt int) time.Duration {
	jitter := time.Duration(0)
	if c.jitterMax > 0 {
		jitter = time.Duration(rand.Int63n(int64(c.jitterMax)))
	}
	return c.retryBase + jitter*time.Duration(attempt%3)
}

// ResolveMatch is one scored candidate from text resolution.
type ResolveMatch struct {
	ID    string  `json:"id"`
	Title string  `json:"title,omitempty"`
	Score float64 `json:"score"`
	Type  string  `json:"type,omitempty"`
}

// ResolveResult is the /api/resolve/text response.
type ResolveResult struct {
	Query        string         `json:"query"`
	Matches      []ResolveMatch `json:"matches"`
	VectorUsed   bool           `json:"vector_used"`
	SnapshotETag string         `json:"-"`
}

type resolveRequest struct {
	Q           string    `json:"q"`
	UseVector   bool      `json:"use_vector,omitempty"`
	QueryVector []float64 `json:"query_vector,omitempty"`
	Limit       int       `json:"limit,omitempty"`
}

// ResolveText resolves free text to candidate decisions.
func (c *Client) ResolveText(ctx context.Context, q string, limit int, stats *CallStats) (*ResolveResult, error) {
	body := resolveRequest{Q: q, Limit: limit}
	var out ResolveResult
	hdr, err := c.postJSON(ctx, "/api/resolve/text", body, &out, stats)
	if err != nil {
		return nil, err
	}
	out.SnapshotETag = etagFrom(hdr, nil)
	return &out, nil
}

// Neighbor is one expansion result, normalized from either upstream shape.
// Transition neighbors carry From/To; event neighbors carry Summary and
// Timestamp when the upstream inlines them.
type Neighbor struct {
	ID        string `json:"id"`
	Type      string `json:"type,omitempty"`
	Summary   string `json:"summary,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Relation  string `json:"relation,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// IsTransition reports whether the neighbor is a transition edge.
func (n Neighbor) IsTransition() bool {
	return n.Type == "transition" || (n.From != "" && n.To != "")
}

// IsEvent reports whether the neighbor is an event node.
func (n Neighbor) IsEvent() bool { return n.Type == "event" }

// ExpandResult is the normalized expansion response.
type ExpandResult struct {
	NodeID         string
	Neighbors      []Neighbor
	SnapshotETag   string
	FallbackReason string // "timeout" when the upstream degraded internally
}

// expandResponse accepts both wire shapes: flat neighbors[] or nested
// {events[], transitions[]}.
type expandResponse struct {
	NodeID      string     `json:"node_id"`
	Neighbors   []Neighbor `json:"neighbors"`
	Events      []Neighbor `json:"events"`
	Transitions []Neighbor `json:"transitions"`
	Meta        struct {
		SnapshotETag   string `json:"snapshot_etag"`
		FallbackReason string `json:"fallback_reason"`
	} `json:"meta"`
}

// ExpandCandidates POSTs {node_id, k} to the expansion endpoint. The path is
// always relative to the configured base URL.
func (c *Client) ExpandCandidates(ctx context.Context, nodeID string, k int, stats *CallStats) (*ExpandResult, error) {
	body := map[string]any{"node_id": nodeID, "k": k}
	var raw expandResponse
	hdr, err := c.postJSON(ctx, "/api/graph/expand_candidates", body, &raw, stats)
	if err != nil {
		return nil, err
	}

	out := &ExpandResult{
		NodeID:         raw.NodeID,
		SnapshotETag:   etagFrom(hdr, map[string]string{"snapshot_etag": raw.Meta.SnapshotETag}),
		FallbackReason: raw.Meta.FallbackReason,
	}

	switch {
	case raw.Neighbors != nil:
		out.Neighbors = raw.Neighbors
	default:
		for _, e := range raw.Events {
			if e.Type == "" {
				e.Type = "event"
			}
			out.Neighbors = append(out.Neighbors, e)
		}
		for _, t := range raw.Transitions {
			if t.Type == "" {
				t.Type = "transition"
			}
			out.Neighbors = append(out.Neighbors, t)
		}
	}
	return out, nil
}

// enrichEnvelope wraps enrichment documents that carry meta.snapshot_etag in
// the body.
type enrichEnvelope struct {
	Meta struct {
		SnapshotETag string `json:"snapshot_etag"`
	} `json:"meta"`
}

// EnrichDecision fetches the decision document for id.
func (c *Client) EnrichDecision(ctx context.Context, id string, stats *CallStats) (*contracts.Anchor, string, error) {
	raw, hdr, err := c.getJSON(ctx, "/api/enrich/decision/"+id, stats)
	if err != nil {
		return nil, "", err
	}

	var a contracts.Anchor
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, "", gatewayerr.Wrap(gatewayerr.CodeEvidenceDecode, "enrich", err)
	}
	var env enrichEnvelope
	_ = json.Unmarshal(raw, &env)

	return &a, etagFrom(hdr, map[string]string{"snapshot_etag": env.Meta.SnapshotETag}), nil
}

// EnrichEvent fetches the event document for id.
func (c *Client) EnrichEvent(ctx context.Context, id string, stats *CallStats) (*contracts.Event, error) {
	raw, _, err := c.getJSON(ctx, "/api/enrich/event/"+id, stats)
	if err != nil {
		return nil, err
	}
	var e contracts.Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.CodeEvidenceDecode, "enrich", err)
	}
	if e.Type == "" {
		e.Type = "event"
	}
	return &e, nil
}

// SchemaDoc is a raw schema catalog plus its snapshot etag, mirrored
// read-through by the gateway.
type SchemaDoc struct {
	Body         []byte
	SnapshotETag string
}

// SchemaFields fetches the field catalog.
func (c *Client) SchemaFields(ctx context.Context, stats *CallStats) (*SchemaDoc, error) {
	return c.schema(ctx, "/api/schema/fields", stats)
}

// SchemaRels fetches the relation catalog.
func (c *Client) SchemaRels(ctx context.Context, stats *CallStats) (*SchemaDoc, error) {
	return c.schema(ctx, "/api/schema/rels", stats)
}

func (c *Client) schema(ctx context.Context, path string, stats *CallStats) (*SchemaDoc, error) {
	raw, hdr, err := c.getJSON(ctx, path, stats)
	if err != nil {
		return nil, err
	}
	return &SchemaDoc{Body: raw, SnapshotETag: etagFrom(hdr, nil)}, nil
}

// --- transport ---

func (c *Client) postJSON(ctx context.Context, path string, body, out any, stats *CallStats) (http.Header, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.CodeInternal, "memory", err)
	}
	raw, hdr, err := c.do(ctx, http.MethodPost, path, payload, stats)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.CodeEvidenceDecode, "memory", err)
	}
	return hdr, nil
}

func (c *Client) getJSON(ctx context.Context, path string, stats *CallStats) ([]byte, http.Header, error) {
	return c.doWithHeader(ctx, http.MethodGet, path, nil, stats)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, stats *CallStats) ([]byte, http.Header, error) {
	return c.doWithHeader(ctx, method, path, payload, stats)
}

func (c *Client) doWithHeader(ctx context.Context, method, path string, payload []byte, stats *CallStats) ([]byte, http.Header, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			stats.add(1)
			select {
			case <-ctx.Done():
				return nil, nil, timeoutOrCancel(ctx)
			case <-time.After(c.backoffDelay(attempt)):
			}
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
		if err != nil {
			return nil, nil, gatewayerr.Wrap(gatewayerr.CodeInternal, "memory", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, timeoutOrCancel(ctx)
			}
			lastErr = err
			continue
		}

		raw, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("memory %s %s: status %d", method, path, resp.StatusCode)
			continue
		}
		if resp.StatusCode >= 400 {
			return nil, nil, gatewayerr.New(gatewayerr.CodeEvidenceUpstream, "memory",
				fmt.Sprintf("%s %s: status %d", method, path, resp.StatusCode))
		}
		return raw, resp.Header, nil
	}
	return nil, nil, gatewayerr.Wrap(gatewayerr.CodeEvidenceUpstream, "memory", lastErr)
}

func timeoutOrCancel(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return gatewayerr.Wrap(gatewayerr.CodeEvidenceTimeout, "memory", ctx.Err())
	}
	return gatewayerr.Wrap(gatewayerr.CodeInternal, "memory", ctx.Err())
}

// etagFrom extracts the snapshot etag from response headers, falling back to
// body-supplied values, then ETagUnknown.
func etagFrom(hdr http.Header, bodyMeta map[string]string) string {
	for _, name := range etagHeaders {
		if v := hdr.Get(name); v != "" {
			return strings.Trim(v, `"`)
		}
		// Header canonicalization folds case but not separators; probe the
		// swapped spelling too.
		swapped := strings.NewReplacer("-", "_", "_", "-").Replace(name)
		if v := hdr.Get(swapped); v != "" {
			return strings.Trim(v, `"`)
		}
	}
	if bodyMeta != nil {
		if v := bodyMeta["snapshot_etag"]; v != "" {
			return v
		}
	}
	return ETagUnknown
}
