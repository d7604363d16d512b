package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/batvault/gateway/pkg/gateway"
	"github.com/batvault/gateway/pkg/gatewayerr"
	"github.com/batvault/gateway/pkg/memory"
	"github.com/batvault/gateway/pkg/observability"
	"github.com/batvault/gateway/pkg/policy"
)

// Pinger is a readiness dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP edge over the pipeline.
type Server struct {
	gw      *gateway.Gateway
	mem     *memory.Client
	cache   Pinger
	store   Pinger
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	corsOrigins []string
	limiter     *ipLimiter
}

// ServerConfig wires the edge.
type ServerConfig struct {
	Gateway     *gateway.Gateway
	Memory      *memory.Client
	Cache       Pinger
	Store       Pinger
	Logger      *observability.Logger
	Metrics     *observability.Metrics
	Tracer      trace.Tracer
	CORSOrigins []string
	RateLimit   int
	RateBurst   int
}

// NewServer builds the edge server.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		gw:          cfg.Gateway,
		mem:         cfg.Memory,
		cache:       cfg.Cache,
		store:       cfg.Store,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		corsOrigins: cfg.CORSOrigins,
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("gateway")
	}
	if cfg.RateLimit > 0 {
		s.limiter = newIPLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	return s
}

// Handler returns the full middleware-wrapped mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/ask", s.handleAsk)
	mux.HandleFunc("POST /v2/query", s.handleQuery)
	mux.HandleFunc("GET /v2/schema/fields", s.handleSchemaFields)
	mux.HandleFunc("GET /v2/schema/rels", s.handleSchemaRels)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	return chain(mux,
		withRequestID,
		withTracing(s.tracer),
		withLogging(s.logger, s.metrics),
		withCORS(s.corsOrigins),
		withRateLimit(s.limiter),
	)
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req gateway.AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, gatewayerr.CodeContractViolation, "malformed request body")
		return
	}
	if req.AnchorID == "" && req.DecisionRef == "" && req.Text == "" {
		writeProblem(w, r, http.StatusBadRequest, gatewayerr.CodeContractViolation,
			"one of anchor_id, decision_ref, or text is required")
		return
	}
	req.Identity = policy.IdentityFromHeaders(r.Header)

	out, err := s.gw.Ask(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.writeOutcome(w, out)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req gateway.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, gatewayerr.CodeContractViolation, "malformed request body")
		return
	}
	if req.Text == "" {
		writeProblem(w, r, http.StatusBadRequest, gatewayerr.CodeContractViolation, "text is required")
		return
	}
	req.Identity = policy.IdentityFromHeaders(r.Header)

	out, err := s.gw.Query(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.writeOutcome(w, out)
}

// writeOutcome maps the pipeline outcome onto the wire: a shed notice is a
// 503 with a Retry-After hint, everything else a 200.
func (s *Server) writeOutcome(w http.ResponseWriter, out *gateway.AskOutcome) {
	switch {
	case out.Shed != nil:
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, out.Shed)
	case out.Response != nil:
		writeJSON(w, http.StatusOK, out.Response)
	default:
		writeJSON(w, http.StatusOK, out.Query)
	}
}

// Schema mirror: read-through to the memory service, echoing its snapshot
// etag so clients can pin catalogs to graph versions.
func (s *Server) handleSchemaFields(w http.ResponseWriter, r *http.Request) {
	s.serveSchema(w, r, s.mem.SchemaFields)
}

func (s *Server) handleSchemaRels(w http.ResponseWriter, r *http.Request) {
	s.serveSchema(w, r, s.mem.SchemaRels)
}

func (s *Server) serveSchema(w http.ResponseWriter, r *http.Request,
	fetch func(context.Context, *memory.CallStats) (*memory.SchemaDoc, error)) {

	doc, err := fetch(r.Context(), nil)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Snapshot-ETag", doc.SnapshotETag)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc.Body)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz checks the dependencies a request actually needs. The cache
// is reported but never gates readiness; it degrades to a miss in the
// pipeline too.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	ready := true

	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			checks["artifact_store"] = err.Error()
			ready = false
		} else {
			checks["artifact_store"] = "ok"
		}
	}
	if s.cache != nil {
		if err := s.cache.Ping(ctx); err != nil {
			checks["cache"] = "degraded: " + err.Error()
		} else {
			checks["cache"] = "ok"
		}
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}
