package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/bffkit/gateway/internal/apierror"
)

// Recovery returns middleware that recovers from handler panics, logs the
// stack trace, and writes the standard 500 error envelope. The gateway must
// keep serving other requests when one handler blows up.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						"error", err,
						"stack", string(debug.Stack()),
						"method", r.Method,
						"path", r.URL.Path,
						"request_id", GetRequestID(r.Context()),
					)
					apierror.WriteJSON(w, r, http.StatusInternalServerError,
						apierror.InternalServerError, "an unexpected error occurred")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
