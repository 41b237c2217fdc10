// Package api is the HTTP surface for record admission, payments, chain
// queries, anchoring, and deadline reports. Error responses follow RFC 7807.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/fideslabs/fides/pkg/attest"
	"github.com/fideslabs/fides/pkg/chain"
	"github.com/fideslabs/fides/pkg/payment"
	"github.com/fideslabs/fides/pkg/records"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs), extended
// with a machine-readable invariant code that clients assert on.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Code is the protocol-level rejection code (MISSING_FIELD, STALE_PARENT, ...).
	Code string `json:"code,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links to the request log stream.
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteProblem writes an RFC 7807 response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, code, title, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://fides.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
		Code:   code,
	}
	if r != nil {
		problem.Instance = r.URL.Path
		problem.TraceID = w.Header().Get("X-Request-ID")
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, code, detail string) {
	WriteProblem(w, r, http.StatusBadRequest, code, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteProblem(w, r, http.StatusUnauthorized, "", "Unauthorized", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusNotFound, chain.CodeNotFound, "Not Found", detail)
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, r *http.Request, code, detail string) {
	WriteProblem(w, r, http.StatusConflict, code, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteProblem(w, nil, http.StatusTooManyRequests, "", "Too Many Requests",
		"Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "path", pathOf(r), "error", err)
	WriteProblem(w, r, http.StatusInternalServerError, "", "Internal Server Error",
		"An unexpected error occurred. Please try again later.")
}

func pathOf(r *http.Request) string {
	if r == nil {
		return ""
	}
	return r.URL.Path
}

// writeDomainError maps admission, chain, attestation, and payment failures
// to the HTTP surface. Unknown errors are treated as internal.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *records.ValidationError
	if errors.As(err, &ve) {
		WriteBadRequest(w, r, ve.Code, ve.Detail)
		return
	}

	var ae *attest.Error
	if errors.As(err, &ae) {
		WriteBadRequest(w, r, ae.Code(), ae.Detail)
		return
	}

	var ce *chain.Error
	if errors.As(err, &ce) {
		switch ce.Code() {
		case chain.CodeStaleParent, chain.CodeDuplicate:
			WriteConflict(w, r, ce.Code(), ce.Detail)
		case chain.CodeNotFound:
			WriteNotFound(w, r, ce.Detail)
		default:
			WriteBadRequest(w, r, ce.Code(), ce.Detail)
		}
		return
	}

	var pe *payment.Error
	if errors.As(err, &pe) {
		WriteProblem(w, r, http.StatusUnprocessableEntity, pe.Code(), "Payment Rejected", pe.Detail)
		return
	}

	WriteInternal(w, r, err)
}
