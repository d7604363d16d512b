// Package api is the HTTP edge: routing, middleware, problem-detail errors,
// and the JSON handlers for ask, query, and the schema mirror.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/batvault/gateway/pkg/gatewayerr"
	"github.com/batvault/gateway/pkg/observability"
)

// Problem is an RFC 7807 problem document extended with the gateway's stable
// error code and the request id for correlation.
type Problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

const problemContentType = "application/problem+json"

// writeError renders err as a problem document with the status the error
// taxonomy dictates.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := gatewayerr.CodeOf(err)
	status := gatewayerr.HTTPStatus(code)

	p := Problem{
		Type:      "about:blank",
		Title:     http.StatusText(status),
		Status:    status,
		Detail:    err.Error(),
		Code:      string(code),
		RequestID: observability.RequestID(r.Context()),
	}
	w.Header().Set("Content-Type", problemContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}

// writeProblem renders a hand-built problem document.
func writeProblem(w http.ResponseWriter, r *http.Request, status int, code gatewayerr.Code, detail string) {
	p := Problem{
		Type:      "about:blank",
		Title:     http.StatusText(status),
		Status:    status,
		Detail:    detail,
		Code:      string(code),
		RequestID: observability.RequestID(r.Context()),
	}
	w.Header().Set("Content-Type", problemContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}

// writeJSON renders a success payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
