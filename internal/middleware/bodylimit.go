package middleware

import (
	"net/http"

	"github.com/bffkit/gateway/internal/apierror"
)

// BodyLimit returns middleware that caps request body size. A known
// Content-Length over the limit is rejected with 413 up front; chunked and
// streaming bodies are wrapped in http.MaxBytesReader so the first oversized
// read fails in the handler.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				WriteBodyLimitError(w, r)
				return
			}
			if r.Body != nil && r.ContentLength != 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteBodyLimitError writes the 413 error envelope. Handlers that hit a
// MaxBytesReader error mid-read call this too.
func WriteBodyLimitError(w http.ResponseWriter, r *http.Request) {
	apierror.WriteJSON(w, r, http.StatusRequestEntityTooLarge,
		apierror.ValidationError, "request body exceeds maximum allowed size")
}
