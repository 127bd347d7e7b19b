// Package health provides the liveness and readiness probe handlers.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bffkit/gateway/internal/circuitbreaker"
	"github.com/bffkit/gateway/internal/config"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

const (
	readinessCacheTTL = 5 * time.Second
	dialProbeTimeout  = 2 * time.Second
)

// Pinger is the optional session store dependency of the readiness probe.
// The Redis-backed store implements it; the in-memory store has nothing to
// probe, so a nil Pinger is skipped.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves /health/live and /health/ready.
type Handler struct {
	origin  config.OriginConfig
	breaker *circuitbreaker.Breaker
	store   Pinger
	logger  *slog.Logger

	// Cached readiness result so probe polling does not TCP-dial the
	// origin on every request. Protected by cacheMu.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates the health Handler. store may be nil.
func New(origin config.OriginConfig, breaker *circuitbreaker.Breaker, store Pinger, logger *slog.Logger) *Handler {
	return &Handler{origin: origin, breaker: breaker, store: store, logger: logger}
}

// RegisterRoutes adds the probe endpoints to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health/live", h.liveness)
	mux.HandleFunc("/health/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody) //nolint:errcheck
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	h.cacheMu.RLock()
	if h.cachedResult != nil && time.Since(h.cachedAt) < readinessCacheTTL {
		body, status := h.cachedResult, h.cachedStatus
		h.cacheMu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body) //nolint:errcheck
		return
	}
	h.cacheMu.RUnlock()

	checks := map[string]string{
		"origin": h.checkOrigin(r.Context()),
	}
	if h.store != nil {
		checks["session_store"] = h.checkStore(r.Context())
	}

	httpStatus := http.StatusOK
	statusStr := "ready"
	for _, st := range checks {
		if st != "ok" && st != "circuit-half-open" {
			httpStatus = http.StatusServiceUnavailable
			statusStr = "not ready"
			break
		}
	}

	body, _ := json.Marshal(map[string]any{
		"status": statusStr,
		"checks": checks,
	})
	body = append(body, '\n')

	h.cacheMu.Lock()
	h.cachedResult = body
	h.cachedStatus = httpStatus
	h.cachedAt = time.Now()
	h.cacheMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	w.Write(body) //nolint:errcheck
}

// checkOrigin consults the circuit breaker first: an open circuit means the
// origin is known-bad without spending a dial. A closed circuit still gets a
// TCP probe for the definitive answer.
func (h *Handler) checkOrigin(ctx context.Context) string {
	if h.breaker != nil {
		switch h.breaker.State() {
		case circuitbreaker.StateOpen:
			return "circuit-open"
		case circuitbreaker.StateHalfOpen:
			return "circuit-half-open"
		}
	}

	u, err := url.Parse(h.origin.BaseURL)
	if err != nil {
		return "invalid URL"
	}
	host := u.Host
	if !hasPort(host) {
		switch u.Scheme {
		case "https":
			host += ":443"
		default:
			host += ":80"
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialProbeTimeout)
	defer cancel()
	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", host)
	if err != nil {
		h.logger.Warn("origin unreachable", "origin", h.origin.BaseURL, "error", err)
		return "unreachable"
	}
	conn.Close()
	return "ok"
}

func (h *Handler) checkStore(ctx context.Context) string {
	pingCtx, cancel := context.WithTimeout(ctx, dialProbeTimeout)
	defer cancel()
	if err := h.store.Ping(pingCtx); err != nil {
		h.logger.Warn("session store unreachable", "error", err)
		return "unreachable"
	}
	return "ok"
}

func hasPort(host string) bool {
	_, _, err := net.SplitHostPort(host)
	return err == nil
}
