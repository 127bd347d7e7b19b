// Package apierror provides the single error envelope the gateway returns for
// every failure class. All components route failures through WriteJSON or
// WriteFault so clients always see the same shape with stable error codes.
package apierror

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Gateway error codes. These form a public API contract — clients can program
// against these stable codes. Do not rename or remove existing codes.
const (
	Unauthenticated     ErrorCode = "HTTP_401"
	ValidationError     ErrorCode = "VALIDATION_ERROR"
	CircuitOpen         ErrorCode = "CIRCUIT_OPEN"
	RateLimited         ErrorCode = "RATE_LIMITED"
	ConnectionError     ErrorCode = "BACKEND_CONNECTION_ERROR"
	BackendTimeout      ErrorCode = "BACKEND_TIMEOUT"
	InternalServerError ErrorCode = "INTERNAL_SERVER_ERROR"
)

// BackendStatus returns the error code for an upstream HTTP error response,
// e.g. BACKEND_404 for an origin 404.
func BackendStatus(status int) ErrorCode {
	return ErrorCode(fmt.Sprintf("BACKEND_%d", status))
}

// ErrorResponse is the standardized gateway error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Pre-serialized JSON bodies for the most common error responses.
// Avoids json.Encoder allocation on every error in the hot path.
// These do NOT include request_id since it varies per request.
var (
	preUnauthenticated = mustMarshal(http.StatusUnauthorized, Unauthenticated, "not authenticated")
	preCircuitOpen     = mustMarshal(http.StatusServiceUnavailable, CircuitOpen, "upstream circuit breaker is open")
	preRateLimited     = mustMarshal(http.StatusTooManyRequests, RateLimited, "rate limit exceeded, retry later")
	preConnection      = mustMarshal(http.StatusServiceUnavailable, ConnectionError, "could not connect to upstream service")
	preTimeout         = mustMarshal(http.StatusGatewayTimeout, BackendTimeout, "upstream request timed out")
	preInternal        = mustMarshal(http.StatusInternalServerError, InternalServerError, "an unexpected error occurred")
)

func mustMarshal(status int, code ErrorCode, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error envelope. For common error
// code+message combinations, pre-serialized bodies are used (no allocation).
// When request_id is available (from X-Request-ID header), it is included in
// the response. The request parameter may be nil for contexts where the
// request is not available.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	WriteJSONDetails(w, r, status, code, message, nil)
}

// WriteJSONDetails is WriteJSON with an optional structured details payload.
func WriteJSONDetails(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	// Fast path: use pre-serialized body when there is nothing
	// request-specific to include. In the assembled server the RequestID
	// middleware stamps every request, so this only serves callers outside
	// the middleware stack.
	if requestID == "" && details == nil {
		if body := preSerialized(status, code, message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		Details:   details,
		RequestID: requestID,
	})
}

// preSerialized returns a pre-built response body for common error
// combinations, or nil if no match.
func preSerialized(status int, code ErrorCode, message string) []byte {
	switch {
	case code == Unauthenticated && status == http.StatusUnauthorized && message == "not authenticated":
		return preUnauthenticated
	case code == CircuitOpen && status == http.StatusServiceUnavailable && message == "upstream circuit breaker is open":
		return preCircuitOpen
	case code == RateLimited && status == http.StatusTooManyRequests && message == "rate limit exceeded, retry later":
		return preRateLimited
	case code == ConnectionError && status == http.StatusServiceUnavailable && message == "could not connect to upstream service":
		return preConnection
	case code == BackendTimeout && status == http.StatusGatewayTimeout && message == "upstream request timed out":
		return preTimeout
	case code == InternalServerError && status == http.StatusInternalServerError && message == "an unexpected error occurred":
		return preInternal
	}
	return nil
}
