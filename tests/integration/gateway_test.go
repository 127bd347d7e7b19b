// Package integration exercises the assembled gateway end to end: the full
// middleware stack, the session gate, and the forwarder against a live test
// origin, all in process.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bffkit/gateway/internal/auth"
	"github.com/bffkit/gateway/internal/circuitbreaker"
	"github.com/bffkit/gateway/internal/config"
	"github.com/bffkit/gateway/internal/health"
	"github.com/bffkit/gateway/internal/metrics"
	"github.com/bffkit/gateway/internal/middleware"
	"github.com/bffkit/gateway/internal/proxy"
	"github.com/bffkit/gateway/internal/ratelimit"
	"github.com/bffkit/gateway/internal/session"
)

func init() {
	metrics.Init()
}

// gateway assembles the same stack cmd/gateway builds, pointed at originURL.
func gateway(t *testing.T, originURL string) *httptest.Server {
	t.Helper()

	cfg := &config.Config{
		Origin: config.OriginConfig{
			BaseURL:        originURL,
			PathPrefix:     "/api",
			ConnectTimeout: 2 * time.Second,
			TotalTimeout:   5 * time.Second,
			RetryAttempts:  3,
			BackoffBase:    time.Millisecond,
		},
		Session: config.SessionConfig{
			TTL:        30 * time.Minute,
			CookieName: "session_id",
		},
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 3,
			RecoveryTimeout:  time.Minute,
		},
		RateLimit: config.RateLimitConfig{Enabled: true, RequestsPerSecond: 1000, BurstSize: 1000},
		CORS:      config.CORSConfig{AllowedOrigins: []string{"http://localhost:3000"}},
		Server:    config.ServerConfig{MaxBodyBytes: 1 << 20},
	}

	logger := slog.Default()

	store := session.NewMemoryStore(cfg.Session.TTL)
	t.Cleanup(store.Stop)

	breaker := circuitbreaker.New(cfg.Origin.BaseURL,
		cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.RecoveryTimeout, logger)

	forwarder, err := proxy.New(cfg.Origin, breaker, logger)
	if err != nil {
		t.Fatal(err)
	}

	limiter := ratelimit.New(cfg.RateLimit, nil, logger)
	t.Cleanup(limiter.Stop)

	authHandler := auth.New(store, cfg.Session, logger)

	mux := http.NewServeMux()
	authHandler.RegisterRoutes(mux)
	mux.Handle("/api/", forwarder)
	mux.Handle("/api", forwarder)

	var handler http.Handler = mux
	handler = authHandler.Gate([]string{cfg.Origin.PathPrefix})(handler)
	handler = limiter.Middleware()(handler)
	handler = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.CORS(cfg.CORS)(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

// client returns an HTTP client with a cookie jar, so the session cookie
// flows like a browser's would.
func client(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return &http.Client{Jar: jar, Timeout: 10 * time.Second}
}

func login(t *testing.T, c *http.Client, gatewayURL string) {
	t.Helper()
	resp, err := c.Post(gatewayURL+"/auth/login", "application/json",
		strings.NewReader(`{"username":"alice","password":"secret"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("login status = %d, body %s", resp.StatusCode, body)
	}
}

func envelope(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var env map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatal(err)
	}
	return env
}

func TestGateway_AuthenticatedRequestIsRelayed(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/items" {
			t.Errorf("origin path = %q, want /items", r.URL.Path)
		}
		if r.Header.Get("Cookie") != "" {
			t.Error("session cookie must not reach the origin")
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("request ID should propagate to the origin")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"id":1,"name":"Item 1"}]`)
	}))
	defer origin.Close()

	gw := gateway(t, origin.URL)
	c := client(t)
	login(t, c, gw.URL)

	resp, err := c.Get(gw.URL + "/api/items")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `[{"id":1,"name":"Item 1"}]` {
		t.Errorf("body = %s, want the origin payload verbatim", body)
	}
}

func TestGateway_UnauthenticatedRequestNeverReachesOrigin(t *testing.T) {
	var originCalls atomic.Int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originCalls.Add(1)
	}))
	defer origin.Close()

	gw := gateway(t, origin.URL)

	resp, err := client(t).Get(gw.URL + "/api/items")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	env := envelope(t, resp)
	if env["error_code"] != "HTTP_401" {
		t.Errorf("error_code = %v, want HTTP_401", env["error_code"])
	}
	if originCalls.Load() != 0 {
		t.Errorf("origin calls = %d, want 0", originCalls.Load())
	}
}

func TestGateway_UpstreamErrorIsWrappedInEnvelope(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"detail":"Item not found"}`)
	}))
	defer origin.Close()

	gw := gateway(t, origin.URL)
	c := client(t)
	login(t, c, gw.URL)

	resp, err := c.Get(gw.URL + "/api/items/99")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	env := envelope(t, resp)
	if env["error_code"] != "BACKEND_404" {
		t.Errorf("error_code = %v, want BACKEND_404", env["error_code"])
	}
	if env["message"] != "Item not found" {
		t.Errorf("message = %v, want the promoted detail", env["message"])
	}
}

func TestGateway_CircuitOpensAfterRepeatedConnectionFailures(t *testing.T) {
	// An origin that is immediately closed: every dial is refused.
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	originURL := origin.URL
	origin.Close()

	gw := gateway(t, originURL)
	c := client(t)
	login(t, c, gw.URL)

	// Three requests, each exhausting its retries, trip the breaker.
	for i := 0; i < 3; i++ {
		resp, err := c.Get(gw.URL + "/api/items")
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("request %d: status = %d, want 503", i+1, resp.StatusCode)
		}
		env := envelope(t, resp)
		if env["error_code"] != "BACKEND_CONNECTION_ERROR" {
			t.Fatalf("request %d: error_code = %v, want BACKEND_CONNECTION_ERROR", i+1, env["error_code"])
		}
	}

	resp, err := c.Get(gw.URL + "/api/items")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	env := envelope(t, resp)
	if env["error_code"] != "CIRCUIT_OPEN" {
		t.Errorf("error_code = %v, want CIRCUIT_OPEN once the breaker trips", env["error_code"])
	}
}

func TestGateway_LogoutEndsTheSession(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer origin.Close()

	gw := gateway(t, origin.URL)
	c := client(t)
	login(t, c, gw.URL)

	resp, err := c.Get(gw.URL + "/api/items")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pre-logout status = %d, want 200", resp.StatusCode)
	}

	resp, err = c.Get(gw.URL + "/auth/logout")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout status = %d, want 200", resp.StatusCode)
	}

	resp, err = c.Get(gw.URL + "/api/items")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("post-logout status = %d, want 401", resp.StatusCode)
	}
}

func TestGateway_ProbeRequestsLogQuietly(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	origin := config.OriginConfig{BaseURL: "http://127.0.0.1:1"}
	breaker := circuitbreaker.New(origin.BaseURL, 3, time.Minute, logger)

	// The same ops wiring cmd/gateway uses.
	opsMux := http.NewServeMux()
	health.New(origin, breaker, nil, logger).RegisterRoutes(opsMux)
	var ops http.Handler = opsMux
	ops = middleware.Logging(logger)(ops)
	ops = middleware.RequestID(ops)
	ops = middleware.Recovery(logger)(ops)

	srv := httptest.NewServer(ops)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health/live")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("liveness status = %d, want 200", resp.StatusCode)
	}
	if strings.Contains(buf.String(), `"msg":"request"`) {
		t.Errorf("probe request should log at debug only, got: %s", buf.String())
	}
}

func TestGateway_MeReflectsTheSession(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer origin.Close()

	gw := gateway(t, origin.URL)
	c := client(t)
	login(t, c, gw.URL)

	resp, err := c.Get(gw.URL + "/auth/me")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var identity session.Identity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		t.Fatal(err)
	}
	if identity.Username != "alice" {
		t.Errorf("username = %q, want alice", identity.Username)
	}
}
