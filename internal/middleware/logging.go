package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// quietPaths are probe endpoints logged at Debug so they do not drown the
// request log.
var quietPaths = map[string]bool{
	"/health/live":  true,
	"/health/ready": true,
	"/metrics":      true,
}

// Logging returns middleware that emits one structured line per request:
// method, path, status, latency, client IP, and request ID. Query strings
// are redacted before logging since they can carry tokens.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(recorder, r)

			level := slog.LevelInfo
			if quietPaths[r.URL.Path] {
				level = slog.LevelDebug
			}

			logger.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"query", RedactQuery(r.URL.RawQuery),
				"status", recorder.statusCode,
				"latency_ms", time.Since(start).Milliseconds(),
				"client_ip", clientIP(r),
				"request_id", GetRequestID(r.Context()),
			)
		})
	}
}

// clientIP strips the port from RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// sensitiveParamRe matches query parameters whose value should never reach
// the log.
var sensitiveParamRe = regexp.MustCompile(`(?i)(password|secret|token|key|session)=[^&]*`)

// RedactQuery masks the values of sensitive query parameters.
func RedactQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	if !strings.Contains(rawQuery, "=") {
		return rawQuery
	}
	return sensitiveParamRe.ReplaceAllStringFunc(rawQuery, func(match string) string {
		eq := strings.IndexByte(match, '=')
		return match[:eq+1] + "***"
	})
}
