// Package main is the entry point for the BFF gateway. It loads configuration,
// builds the session store, circuit breaker, and forwarder, assembles the
// middleware stack, and handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bffkit/gateway/internal/admin"
	"github.com/bffkit/gateway/internal/auth"
	"github.com/bffkit/gateway/internal/circuitbreaker"
	"github.com/bffkit/gateway/internal/config"
	"github.com/bffkit/gateway/internal/health"
	"github.com/bffkit/gateway/internal/logging"
	"github.com/bffkit/gateway/internal/metrics"
	"github.com/bffkit/gateway/internal/middleware"
	"github.com/bffkit/gateway/internal/proxy"
	"github.com/bffkit/gateway/internal/ratelimit"
	"github.com/bffkit/gateway/internal/session"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logOut, err := logging.Open(cfg.Logging)
	if err != nil {
		slog.Error("failed to open log output", "error", err)
		os.Exit(1)
	}
	defer logOut.Close()
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: slog.LevelInfo}))

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"origin", cfg.Origin.BaseURL,
		"session_backend", cfg.Session.Backend,
		"session_ttl", cfg.Session.TTL,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"admin_enabled", cfg.Admin.Enabled,
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	// Session store: memory for single-instance deployments, Redis when
	// sessions must survive restarts or be shared across replicas.
	store, storePinger, err := buildStore(cfg, logger)
	if err != nil {
		logger.Error("failed to create session store", "error", err)
		os.Exit(1)
	}

	breaker := circuitbreaker.New(cfg.Origin.BaseURL,
		cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.RecoveryTimeout, logger)

	forwarder, err := proxy.New(cfg.Origin, breaker, logger)
	if err != nil {
		logger.Error("failed to create forwarder", "error", err)
		os.Exit(1)
	}

	limiter := ratelimit.New(cfg.RateLimit, cfg.Server.TrustedProxies, logger)
	defer limiter.Stop()

	authHandler := auth.New(store, cfg.Session, logger)

	// Gateway mux: the auth endpoints plus the forwarding prefix.
	gatewayMux := http.NewServeMux()
	authHandler.RegisterRoutes(gatewayMux)
	gatewayMux.Handle(cfg.Origin.PathPrefix+"/", forwarder)
	gatewayMux.Handle(cfg.Origin.PathPrefix, forwarder)

	// Middleware stack:
	// Recovery → RequestID → SecurityHeaders → Logging → CORS → BodyLimit → RateLimit → Gate → mux
	var handler http.Handler = gatewayMux
	handler = authHandler.Gate([]string{cfg.Origin.PathPrefix})(handler)
	handler = limiter.Middleware()(handler)
	handler = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.CORS(cfg.CORS)(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	// Config reloader: fsnotify watch plus SIGHUP.
	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()
	reloader.OnReload(func(newCfg *config.Config) {
		limiter.UpdateConfig(newCfg.RateLimit)
	})

	opsMux := http.NewServeMux()
	healthHandler := health.New(cfg.Origin, breaker, storePinger, logger)
	healthHandler.RegisterRoutes(opsMux)

	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.IsEnabled() {
		opsMux.Handle(metricsPath, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", metricsPath)
	}

	if cfg.Admin.Enabled {
		adminHandler := admin.New(reloader, breaker, store, cfg.Admin, logger)
		adminHandler.RegisterRoutes(opsMux)
		logger.Info("admin API registered")
	}

	// Ops endpoints skip the gateway stack (gate, rate limit, CORS) but
	// still get recovery, request IDs, and logging; probe paths log at
	// debug so they do not drown the request log.
	var ops http.Handler = opsMux
	ops = middleware.Logging(logger)(ops)
	ops = middleware.RequestID(ops)
	ops = middleware.Recovery(logger)(ops)

	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/health/") ||
			strings.HasPrefix(r.URL.Path, "/admin/") ||
			(cfg.Metrics.IsEnabled() && r.URL.Path == metricsPath) {
			ops.ServeHTTP(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      combined,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("starting gateway", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("gateway stopped gracefully")
}

// buildStore creates the configured session store. The health.Pinger is nil
// for the in-memory backend, which has nothing to probe.
func buildStore(cfg *config.Config, logger *slog.Logger) (session.Store, health.Pinger, error) {
	switch cfg.Session.Backend {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rs, err := session.NewRedisStore(ctx, cfg.Session.Redis.Addr,
			cfg.Session.Redis.Password, cfg.Session.Redis.DB, cfg.Session.TTL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("redis session store connected", "addr", cfg.Session.Redis.Addr)
		return rs, rs, nil
	default:
		return session.NewMemoryStore(cfg.Session.TTL), nil, nil
	}
}
