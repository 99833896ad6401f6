package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/flowerr"
)

// HTTP-level error codes carried in ErrorResponse.Error.
const (
	ErrCodeNotFound       = "not_found"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeBadRequest     = "bad_request"
	ErrCodeInternalError  = "internal_error"
	ErrCodeServiceUnavail = "service_unavailable"
)

// ErrorResponse is the JSON body of every error reply. Kind and Code carry
// the engine's error taxonomy when the failure was classified.
type ErrorResponse struct {
	Error     string                 `json:"error"`
	Kind      flowerr.Kind           `json:"kind,omitempty"`
	Code      flowerr.Code           `json:"code,omitempty"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

type requestIDContextKey struct{}

// RequestIDKey is the context key holding the request id.
var RequestIDKey = requestIDContextKey{}

// GetRequestID returns the request id from ctx, falling back to the
// X-Request-ID header.
func GetRequestID(ctx context.Context, r *http.Request) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

func statusErrorCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusTooManyRequests:
		return ErrCodeRateLimited
	case http.StatusBadRequest:
		return ErrCodeBadRequest
	case http.StatusServiceUnavailable:
		return ErrCodeServiceUnavail
	default:
		return ErrCodeInternalError
	}
}

// newErrorResponse builds the body for status. A classified cause lends its
// kind, code and scrubbed details; other server errors are reported as
// system/internal without exposing the cause.
func newErrorResponse(status int, message string, cause error) ErrorResponse {
	resp := ErrorResponse{Error: statusErrorCode(status), Message: message}
	if fe, ok := flowerr.As(cause); ok {
		resp.Kind, resp.Code = fe.Kind, fe.Code
		resp.Details = flowerr.Scrub(fe.Details)
	} else if status >= http.StatusInternalServerError {
		resp.Kind, resp.Code = flowerr.KindSystem, flowerr.CodeInternal
	}
	return resp
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, message string, cause error) {
	resp := newErrorResponse(status, message, cause)
	resp.RequestID = GetRequestID(r.Context(), r)
	if resp.RequestID != "" {
		w.Header().Set("X-Request-ID", resp.RequestID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
