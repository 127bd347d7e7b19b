package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bffkit/gateway/internal/circuitbreaker"
	"github.com/bffkit/gateway/internal/config"
	"github.com/bffkit/gateway/internal/metrics"
	"github.com/bffkit/gateway/internal/session"
)

func init() {
	metrics.Init()
}

type staticProvider struct{ cfg *config.Config }

func (p staticProvider) Current() *config.Config { return p.cfg }

func newTestHandler(t *testing.T, adminCfg config.AdminConfig) (*Handler, *circuitbreaker.Breaker) {
	t.Helper()
	store := session.NewMemoryStore(30 * time.Minute)
	t.Cleanup(store.Stop)

	breaker := circuitbreaker.New("test-origin", 3, 30*time.Second, slog.Default())
	cfg := &config.Config{Admin: adminCfg}
	return New(staticProvider{cfg}, breaker, store, adminCfg, slog.Default()), breaker
}

func adminMux(t *testing.T, h *Handler) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return mux
}

func doRequest(mux *http.ServeMux, method, path, remoteAddr, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remoteAddr
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestAdmin_AllowlistedIP(t *testing.T) {
	h, _ := newTestHandler(t, config.AdminConfig{Enabled: true, IPAllowlist: []string{"127.0.0.0/8"}})
	mux := adminMux(t, h)

	rec := doRequest(mux, "GET", "/admin/breaker", "127.0.0.1:4000", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["state"] != "closed" {
		t.Errorf("state = %v, want closed", body["state"])
	}
}

func TestAdmin_DeniedOutsideAllowlist(t *testing.T) {
	h, _ := newTestHandler(t, config.AdminConfig{Enabled: true, IPAllowlist: []string{"127.0.0.0/8"}})
	mux := adminMux(t, h)

	rec := doRequest(mux, "GET", "/admin/breaker", "203.0.113.7:4000", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func signToken(t *testing.T, secret string, expiry time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops",
		"exp": expiry.Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func TestAdmin_ValidBearerFromOutsideAllowlist(t *testing.T) {
	h, _ := newTestHandler(t, config.AdminConfig{
		Enabled:     true,
		IPAllowlist: []string{"127.0.0.0/8"},
		JWTSecret:   "test-secret",
	})
	mux := adminMux(t, h)

	token := signToken(t, "test-secret", time.Now().Add(time.Hour))
	rec := doRequest(mux, "GET", "/admin/breaker", "203.0.113.7:4000", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestAdmin_RejectsBadBearer(t *testing.T) {
	h, _ := newTestHandler(t, config.AdminConfig{
		Enabled:     true,
		IPAllowlist: []string{"127.0.0.0/8"},
		JWTSecret:   "test-secret",
	})
	mux := adminMux(t, h)

	tests := []struct {
		name  string
		token string
	}{
		{"wrong secret", signToken(t, "other-secret", time.Now().Add(time.Hour))},
		{"expired", signToken(t, "test-secret", time.Now().Add(-time.Hour))},
		{"garbage", "not.a.jwt"},
	}
	for _, tt := range tests {
		rec := doRequest(mux, "GET", "/admin/breaker", "203.0.113.7:4000", tt.token)
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s: status = %d, want 403", tt.name, rec.Code)
		}
	}
}

func TestAdmin_BreakerReset(t *testing.T) {
	h, breaker := newTestHandler(t, config.AdminConfig{Enabled: true, IPAllowlist: []string{"127.0.0.0/8"}})
	mux := adminMux(t, h)

	for i := 0; i < 3; i++ {
		breaker.RecordFailure()
	}
	if breaker.State() != circuitbreaker.StateOpen {
		t.Fatal("breaker should be open before reset")
	}

	rec := doRequest(mux, "POST", "/admin/breaker/reset", "127.0.0.1:4000", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if breaker.State() != circuitbreaker.StateClosed {
		t.Error("breaker should be closed after reset")
	}
}

func TestAdmin_BreakerResetRequiresPost(t *testing.T) {
	h, _ := newTestHandler(t, config.AdminConfig{Enabled: true, IPAllowlist: []string{"127.0.0.0/8"}})
	mux := adminMux(t, h)

	rec := doRequest(mux, "GET", "/admin/breaker/reset", "127.0.0.1:4000", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestAdmin_SessionCount(t *testing.T) {
	store := session.NewMemoryStore(30 * time.Minute)
	t.Cleanup(store.Stop)

	breaker := circuitbreaker.New("test-origin", 3, 30*time.Second, slog.Default())
	adminCfg := config.AdminConfig{Enabled: true, IPAllowlist: []string{"127.0.0.0/8"}}
	h := New(staticProvider{&config.Config{Admin: adminCfg}}, breaker, store, adminCfg, slog.Default())
	mux := adminMux(t, h)

	for i := 0; i < 3; i++ {
		if _, err := store.Create(context.Background(), session.Identity{UserID: "u", Username: "alice"}); err != nil {
			t.Fatal(err)
		}
	}

	rec := doRequest(mux, "GET", "/admin/sessions", "127.0.0.1:4000", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["active_sessions"] != float64(3) {
		t.Errorf("active_sessions = %v, want 3", body["active_sessions"])
	}
}

func TestAdmin_ConfigDumpRedactsSecrets(t *testing.T) {
	adminCfg := config.AdminConfig{
		Enabled:     true,
		IPAllowlist: []string{"127.0.0.0/8"},
		JWTSecret:   "super-secret",
	}
	h, _ := newTestHandler(t, adminCfg)
	mux := adminMux(t, h)

	rec := doRequest(mux, "GET", "/admin/config", "127.0.0.1:4000", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "super-secret") {
		t.Error("config dump must not contain the JWT secret")
	}
}
