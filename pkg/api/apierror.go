// Package api is the supervisor's local control surface. Every write
// endpoint appends events; state answers come from the projection. Errors
// are RFC 7807 Problem Details.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/choiros/director/pkg/contracts"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links to the request via X-Request-ID.
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   fmt.Sprintf("https://choiros.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteErrorR writes an RFC 7807 response enriched with request context
// (trace_id from X-Request-ID, instance from request URI).
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:     fmt.Sprintf("https://choiros.dev/errors/%d", status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// WriteFailure maps the control-plane error taxonomy onto HTTP statuses:
// contract violations are the client's fault, capability denials are 403,
// a refused commit gate is a conflict the caller can re-attempt after more
// verification, and a missing sandbox backend is 503.
func WriteFailure(w http.ResponseWriter, r *http.Request, err error) {
	notFound := strings.Contains(err.Error(), "not found")
	switch contracts.KindOf(err) {
	case contracts.KindContractViolation:
		if notFound {
			WriteErrorR(w, r, http.StatusNotFound, "Not Found", err.Error())
			return
		}
		WriteErrorR(w, r, http.StatusBadRequest, "Contract Violation", err.Error())
	case contracts.KindCapabilityDenied:
		WriteErrorR(w, r, http.StatusForbidden, "Capability Denied", err.Error())
	case contracts.KindPolicyRefused:
		WriteErrorR(w, r, http.StatusConflict, "Policy Refused", err.Error())
	case contracts.KindSandboxUnavailable:
		WriteErrorR(w, r, http.StatusServiceUnavailable, "Sandbox Unavailable", err.Error())
	case contracts.KindBudgetExhausted:
		WriteErrorR(w, r, http.StatusConflict, "Budget Exhausted", err.Error())
	default:
		if notFound {
			WriteErrorR(w, r, http.StatusNotFound, "Not Found", err.Error())
			return
		}
		WriteInternal(w, err)
	}
}
