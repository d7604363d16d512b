package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batvault/gateway/pkg/observability"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, observability.Discard()).WithRetryPolicy(2, 0, 0)
}

func TestResolveText(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/resolve/text", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "why exit plasma", req["q"])

		w.Header().Set("x-snapshot-etag", "etag-77")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"query":       "why exit plasma",
			"matches":     []map[string]any{{"id": "panasonic-exit-plasma-2012", "score": 0.91}},
			"vector_used": false,
		})
	})

	c := newTestClient(t, mux)
	res, err := c.ResolveText(context.Background(), "why exit plasma", 5, nil)
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "panasonic-exit-plasma-2012", res.Matches[0].ID)
	assert.Equal(t, "etag-77", res.SnapshotETag)
}

func TestExpandCandidates_FlatShape(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/graph/expand_candidates", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "d1", req["node_id"])
		assert.Equal(t, float64(8), req["k"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"node_id": "d1",
			"neighbors": []map[string]any{
				{"id": "e1", "type": "event"},
				{"id": "t1", "type": "transition", "from": "d0", "to": "d1"},
			},
			"meta": map[string]any{"snapshot_etag": "etag-1"},
		})
	})

	c := newTestClient(t, mux)
	res, err := c.ExpandCandidates(context.Background(), "d1", 8, nil)
	require.NoError(t, err)
	require.Len(t, res.Neighbors, 2)
	assert.True(t, res.Neighbors[0].IsEvent())
	assert.True(t, res.Neighbors[1].IsTransition())
	assert.Equal(t, "etag-1", res.SnapshotETag)
}

func TestExpandCandidates_NestedShape(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/graph/expand_candidates", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"node_id":     "d1",
			"events":      []map[string]any{{"id": "e1"}, {"id": "e2"}},
			"transitions": []map[string]any{{"id": "t1", "from": "d0", "to": "d1"}},
			"meta":        map[string]any{"snapshot_etag": "etag-2"},
		})
	})

	c := newTestClient(t, mux)
	res, err := c.ExpandCandidates(context.Background(), "d1", 8, nil)
	require.NoError(t, err)
	require.Len(t, res.Neighbors, 3)
	assert.Equal(t, "event", res.Neighbors[0].Type)
	assert.Equal(t, "event", res.Neighbors[1].Type)
	assert.Equal(t, "transition", res.Neighbors[2].Type)
}

func TestExpandCandidates_UpstreamTimeoutDegrades(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/graph/expand_candidates", func(w http.ResponseWriter, r *http.Request) {
		// Upstream internal timeout is a 200 with a fallback marker.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"node_id":   "d1",
			"neighbors": []map[string]any{},
			"meta":      map[string]any{"fallback_reason": "timeout"},
		})
	})

	c := newTestClient(t, mux)
	res, err := c.ExpandCandidates(context.Background(), "d1", 8, nil)
	require.NoError(t, err)
	assert.Equal(t, "timeout", res.FallbackReason)
	assert.Empty(t, res.Neighbors)
}

func TestEnrichDecision_ETagSources(t *testing.T) {
	cases := []struct {
		name   string
		header map[string]string
		body   map[string]any
		want   string
	}{
		{
			name:   "etag header",
			header: map[string]string{"ETag": `"abc"`},
			want:   "abc",
		},
		{
			name:   "snapshot dash header",
			header: map[string]string{"Snapshot-ETag": "def"},
			want:   "def",
		},
		{
			name:   "x underscore header",
			header: map[string]string{"X_Snapshot_ETag": "ghi"},
			want:   "ghi",
		},
		{
			name: "body meta fallback",
			body: map[string]any{"meta": map[string]any{"snapshot_etag": "jkl"}},
			want: "jkl",
		},
		{
			name: "unknown",
			want: ETagUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/api/enrich/decision/d1", func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tc.header {
					w.Header().Set(k, v)
				}
				doc := map[string]any{"id": "d1", "rationale": "Because of reasons."}
				for k, v := range tc.body {
					doc[k] = v
				}
				_ = json.NewEncoder(w).Encode(doc)
			})

			c := newTestClient(t, mux)
			anchor, etag, err := c.EnrichDecision(context.Background(), "d1", nil)
			require.NoError(t, err)
			assert.Equal(t, "d1", anchor.ID)
			assert.Equal(t, tc.want, etag)
		})
	}
}

func TestEnrichEvent_DefaultsType(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/enrich/event/e1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "e1", "summary": "An important milestone"})
	})

	c := newTestClient(t, mux)
	ev, err := c.EnrichEvent(context.Background(), "e1", nil)
	require.NoError(t, err)
	assert.Equal(t, "event", ev.Type)
	assert.Equal(t, "An important milestone", ev.Summary)
}

func TestRetry_CountsAttempts(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/api/enrich/event/e1", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "e1"})
	})

	c := newTestClient(t, mux)
	stats := &CallStats{}
	_, err := c.EnrichEvent(context.Background(), "e1", stats)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, stats.Retries())
}

func TestRetry_ExhaustedSurfacesUpstreamError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/enrich/event/e1", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	c := newTestClient(t, mux)
	_, err := c.EnrichEvent(context.Background(), "e1", nil)
	require.Error(t, err)
}

func TestClientErrors_NoRetry(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/api/enrich/event/missing", func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "nope", http.StatusNotFound)
	})

	c := newTestClient(t, mux)
	_, err := c.EnrichEvent(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.Equal(t, 1, calls, "4xx must not be retried")
}
