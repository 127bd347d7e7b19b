// Package admin provides the runtime inspection API: effective config, the
// circuit breaker state (with a manual reset), and the active session count.
// Access requires a client IP inside the allowlist, or, when a JWT secret is
// configured, a valid HS256 bearer token.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bffkit/gateway/internal/circuitbreaker"
	"github.com/bffkit/gateway/internal/config"
	"github.com/bffkit/gateway/internal/session"
)

// ConfigProvider abstracts config access so the handler sees hot-reloaded
// values.
type ConfigProvider interface {
	Current() *config.Config
}

// Handler serves the /admin endpoints.
type Handler struct {
	provider    ConfigProvider
	breaker     *circuitbreaker.Breaker
	store       session.Store
	allowedNets []*net.IPNet
	jwtSecret   []byte
	logger      *slog.Logger
}

// New creates the admin Handler. The allowlist CIDRs are pre-validated by
// config loading; invalid entries are skipped.
func New(provider ConfigProvider, breaker *circuitbreaker.Breaker, store session.Store, cfg config.AdminConfig, logger *slog.Logger) *Handler {
	nets := make([]*net.IPNet, 0, len(cfg.IPAllowlist))
	for _, cidr := range cfg.IPAllowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		nets = append(nets, ipNet)
	}

	var secret []byte
	if cfg.JWTSecret != "" {
		secret = []byte(cfg.JWTSecret)
	}

	return &Handler{
		provider:    provider,
		breaker:     breaker,
		store:       store,
		allowedNets: nets,
		jwtSecret:   secret,
		logger:      logger,
	}
}

// RegisterRoutes adds the admin endpoints to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/config", h.guard(http.MethodGet, h.configHandler))
	mux.HandleFunc("/admin/breaker", h.guard(http.MethodGet, h.breakerHandler))
	mux.HandleFunc("/admin/breaker/reset", h.guard(http.MethodPost, h.breakerResetHandler))
	mux.HandleFunc("/admin/sessions", h.guard(http.MethodGet, h.sessionsHandler))
}

// guard enforces the method and the access policy.
func (h *Handler) guard(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method Not Allowed"})
			return
		}

		if !h.authorize(r) {
			h.logger.Warn("admin access denied", "client_ip", clientIP(r.RemoteAddr), "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "Forbidden"})
			return
		}
		next(w, r)
	}
}

func (h *Handler) authorize(r *http.Request) bool {
	if h.ipAllowed(clientIP(r.RemoteAddr)) {
		return true
	}
	if h.jwtSecret != nil {
		return h.validBearer(r.Header.Get("Authorization"))
	}
	return false
}

func (h *Handler) ipAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// validBearer checks an HS256 bearer token. Expiry and not-before are
// enforced by the jwt library during Parse.
func (h *Handler) validBearer(authz string) bool {
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token, err := jwt.Parse(strings.TrimPrefix(authz, prefix), func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return h.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err == nil && token.Valid
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// configHandler dumps the effective config. Secret fields carry json:"-"
// tags, so they never serialize.
func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.provider.Current())
}

func (h *Handler) breakerHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state":    h.breaker.State().String(),
		"failures": h.breaker.Failures(),
	})
}

func (h *Handler) breakerResetHandler(w http.ResponseWriter, r *http.Request) {
	h.breaker.Reset()
	h.logger.Info("circuit breaker reset via admin API", "client_ip", clientIP(r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "circuit breaker reset",
		"state":   h.breaker.State().String(),
	})
}

func (h *Handler) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.Len(r.Context())
	if err != nil {
		h.logger.Error("session count failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "session store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active_sessions": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
