// Package auth provides session-cookie authentication for the BFF gateway:
// the login/logout/me endpoints and the gate middleware that protects the
// forwarding routes.
//
// Login is a demo credential boundary: any non-empty username/password pair
// is accepted and mapped to a fresh identity. Production deployments replace
// verifyCredentials with a real credential check; the session contract
// (identity in, token out, token back in, identity out) is unchanged.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofrs/uuid/v5"

	"github.com/bffkit/gateway/internal/apierror"
	"github.com/bffkit/gateway/internal/config"
	"github.com/bffkit/gateway/internal/metrics"
	"github.com/bffkit/gateway/internal/routing"
	"github.com/bffkit/gateway/internal/session"
)

type contextKey string

// IdentityKey is the context key under which the gate stores the
// authenticated identity.
const IdentityKey contextKey = "session_identity"

// GetIdentity extracts the authenticated identity from a request context.
func GetIdentity(ctx context.Context) (session.Identity, bool) {
	id, ok := ctx.Value(IdentityKey).(session.Identity)
	return id, ok
}

// Handler serves the /auth endpoints and provides the session gate.
type Handler struct {
	store  session.Store
	cfg    config.SessionConfig
	logger *slog.Logger
}

// New creates the auth Handler backed by the given session store.
func New(store session.Store, cfg config.SessionConfig, logger *slog.Logger) *Handler {
	return &Handler{store: store, cfg: cfg, logger: logger}
}

// RegisterRoutes adds the auth endpoints to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/auth/login", h.login)
	mux.HandleFunc("/auth/logout", h.logout)
	mux.HandleFunc("/auth/me", h.me)
}

// loginRequest is the login payload. Pointer fields distinguish an absent
// field (a validation failure) from a present-but-empty value (a credential
// failure).
type loginRequest struct {
	Username *string `json:"username"`
	Password *string `json:"password"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.ValidationError, "login requires POST")
		return
	}

	var req loginRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		apierror.WriteJSONDetails(w, r, http.StatusUnprocessableEntity, apierror.ValidationError,
			"request validation failed", map[string]string{"body": "malformed JSON login payload"})
		return
	}
	if req.Username == nil || req.Password == nil {
		apierror.WriteJSONDetails(w, r, http.StatusUnprocessableEntity, apierror.ValidationError,
			"request validation failed", map[string]string{"body": "username and password are required"})
		return
	}

	identity, ok := h.verifyCredentials(*req.Username, *req.Password)
	if !ok {
		metrics.AuthFailures.WithLabelValues("invalid_credentials").Inc()
		apierror.WriteJSON(w, r, http.StatusUnauthorized, apierror.Unauthenticated, "invalid credentials")
		return
	}

	token, err := h.store.Create(r.Context(), identity)
	if err != nil {
		h.logger.Error("session create failed", "error", err, "username", identity.Username)
		apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.InternalServerError, "an unexpected error occurred")
		return
	}

	http.SetCookie(w, h.sessionCookie(token, int(h.cfg.TTL.Seconds())))

	h.logger.Info("login", "username", identity.Username, "user_id", identity.UserID)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Login successful",
		"user":    identity,
	})
}

// verifyCredentials is the demo credential boundary: any non-empty pair maps
// to a fresh identity with the "user" role.
func (h *Handler) verifyCredentials(username, password string) (session.Identity, bool) {
	if username == "" || password == "" {
		return session.Identity{}, false
	}
	return session.Identity{
		UserID:   uuid.Must(uuid.NewV4()).String(),
		Username: username,
		Roles:    []string{"user"},
	}, true
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(h.cfg.CookieName); err == nil && cookie.Value != "" {
		if err := h.store.Revoke(r.Context(), cookie.Value); err != nil {
			// Revoke is best-effort on logout; the cookie is cleared anyway.
			h.logger.Warn("session revoke failed", "error", err)
		}
	}

	http.SetCookie(w, h.sessionCookie("", -1))
	writeJSON(w, http.StatusOK, map[string]any{"message": "Logged out successfully"})
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

// Gate returns middleware that enforces session authentication on the given
// path prefixes. Unauthenticated requests fail with 401 before any upstream
// call is attempted; everything else passes through with the identity stored
// in the request context.
func (h *Handler) Gate(protectedPrefixes []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !h.isProtected(r.URL.Path, protectedPrefixes) {
				next.ServeHTTP(w, r)
				return
			}

			identity, ok := h.authenticate(w, r)
			if !ok {
				return
			}

			ctx := context.WithValue(r.Context(), IdentityKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (h *Handler) isProtected(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if routing.MatchesPrefix(path, p) {
			return true
		}
	}
	return false
}

// authenticate resolves the session cookie to an identity. On failure it has
// already written the 401 (or 500 for a broken store) envelope and returns
// ok = false.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (session.Identity, bool) {
	cookie, err := r.Cookie(h.cfg.CookieName)
	if err != nil || cookie.Value == "" {
		metrics.AuthFailures.WithLabelValues("missing_cookie").Inc()
		apierror.WriteJSON(w, r, http.StatusUnauthorized, apierror.Unauthenticated, "not authenticated")
		return session.Identity{}, false
	}

	identity, ok, err := h.store.Lookup(r.Context(), cookie.Value)
	if err != nil {
		if errors.Is(err, session.ErrUnavailable) {
			h.logger.Error("session store unavailable", "error", err)
		} else {
			h.logger.Error("session lookup failed", "error", err)
		}
		apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.InternalServerError, "an unexpected error occurred")
		return session.Identity{}, false
	}
	if !ok {
		metrics.AuthFailures.WithLabelValues("invalid_session").Inc()
		apierror.WriteJSON(w, r, http.StatusUnauthorized, apierror.Unauthenticated, "not authenticated")
		return session.Identity{}, false
	}

	return identity, true
}

// sessionCookie builds the session cookie with the contract attributes:
// HttpOnly, SameSite=Lax, Max-Age from the TTL, Secure from config.
func (h *Handler) sessionCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     h.cfg.CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   h.cfg.CookieSecure,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
