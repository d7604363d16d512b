// Package gatewayerr defines the stable error taxonomy surfaced by the
// gateway. Errors are data: a code, the pipeline stage that produced it, and
// a human-readable detail. Only genuinely fatal conditions propagate as
// errors; recoverable validator findings travel as repair codes instead.
package gatewayerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	// Policy
	CodePolicyDeny  Code = "POLICY_DENY"
	CodePolicyError Code = "POLICY_ERROR"

	// Validation / contract
	CodeValidationFailed  Code = "VALIDATION_FAILED"
	CodeContractViolation Code = "CONTRACT_VIOLATION"

	// Upstream / network
	CodeUpstreamTimeout Code = "UPSTREAM_TIMEOUT"
	CodeUpstreamError   Code = "UPSTREAM_ERROR"

	// Resolver
	CodeResolverTimeout     Code = "RESOLVER_TIMEOUT"
	CodeResolverUnavailable Code = "RESOLVER_UNAVAILABLE"

	// Evidence
	CodeEvidenceTimeout  Code = "EVIDENCE_TIMEOUT"
	CodeEvidenceUpstream Code = "EVIDENCE_UPSTREAM"
	CodeEvidenceDecode   Code = "EVIDENCE_DECODE"

	// Storage / object store
	CodeBundleSignatureMissing Code = "BUNDLE_SIGNATURE_MISSING"
	CodeStorageUnavailable     Code = "STORAGE_UNAVAILABLE"
	CodeStorageTimeout         Code = "STORAGE_TIMEOUT"

	// Cache (never fatal)
	CodeCacheUnavailable Code = "CACHE_UNAVAILABLE"

	// Edge
	CodeRateLimited Code = "RATE_LIMITED"

	// Internal
	CodeInternal Code = "INTERNAL"
)

// Error is a coded gateway failure.
type Error struct {
	Code   Code
	Stage  string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a coded error for a pipeline stage.
func New(code Code, stage, detail string) *Error {
	return &Error{Code: code, Stage: stage, Detail: detail}
}

// Wrap attaches a code and stage to an underlying error.
func Wrap(code Code, stage string, err error) *Error {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return &Error{Code: code, Stage: stage, Detail: detail, Err: err}
}

// StageTimeout builds the hard-deadline error for a stage. The detail string
// is part of the wire contract for 504 responses.
func StageTimeout(stage string) *Error {
	return &Error{
		Code:   CodeUpstreamTimeout,
		Stage:  stage,
		Detail: fmt.Sprintf("%s stage timeout", stage),
	}
}

// CodeOf extracts the stable code from err, or CodeInternal when err carries
// none.
func CodeOf(err error) Code {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return CodeInternal
}

// StageOf extracts the originating stage, if any.
func StageOf(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Stage
	}
	return ""
}

// IsTimeout reports whether err is a stage deadline violation.
func IsTimeout(err error) bool {
	switch CodeOf(err) {
	case CodeUpstreamTimeout, CodeResolverTimeout, CodeEvidenceTimeout, CodeStorageTimeout:
		return true
	}
	return false
}

// HTTPStatus maps a stable code to the HTTP status the edge returns.
func HTTPStatus(code Code) int {
	switch code {
	case CodePolicyDeny:
		// Deny is surfaced as a server-side refusal, not a client error:
		// the request was well-formed, the policy said no.
		return http.StatusServiceUnavailable
	case CodeValidationFailed, CodeContractViolation:
		return http.StatusUnprocessableEntity
	case CodeUpstreamTimeout, CodeResolverTimeout, CodeEvidenceTimeout, CodeStorageTimeout:
		return http.StatusGatewayTimeout
	case CodeUpstreamError, CodeResolverUnavailable, CodeEvidenceUpstream, CodeStorageUnavailable:
		return http.StatusBadGateway
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
