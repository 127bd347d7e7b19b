// Package ratelimit provides per-client-IP token bucket rate limiting for the
// gateway. The limit is global: the BFF fronts a single origin, so there are
// no per-route buckets, just one limiter per client IP.
package ratelimit

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bffkit/gateway/internal/apierror"
	"github.com/bffkit/gateway/internal/config"
	"github.com/bffkit/gateway/internal/metrics"
)

const (
	cleanupInterval = 1 * time.Minute
	staleAfter      = 3 * time.Minute
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks one token bucket per client IP and evicts stale entries in
// the background.
type Limiter struct {
	mu           sync.RWMutex
	clients      map[string]*client
	enabled      bool
	rate         rate.Limit
	burst        int
	trustedCIDRs []*net.IPNet
	logger       *slog.Logger
	stopCh       chan struct{}
	stopOnce     sync.Once
}

// New creates a Limiter and starts its cleanup goroutine. trustedProxies is
// a list of CIDRs whose X-Forwarded-For headers are believed; everyone else
// is identified by their direct peer address.
func New(cfg config.RateLimitConfig, trustedProxies []string, logger *slog.Logger) *Limiter {
	l := &Limiter{
		clients:      make(map[string]*client),
		enabled:      cfg.Enabled,
		rate:         rate.Limit(cfg.RequestsPerSecond),
		burst:        cfg.BurstSize,
		trustedCIDRs: parseCIDRs(trustedProxies, logger),
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

func parseCIDRs(cidrs []string, logger *slog.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn("invalid trusted proxy CIDR, skipping", "cidr", cidr, "error", err)
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// Stop terminates the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// UpdateConfig applies hot-reloaded settings. Existing buckets are dropped so
// the new rate takes effect on the next request from each client.
func (l *Limiter) UpdateConfig(cfg config.RateLimitConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.enabled = cfg.Enabled
	l.rate = rate.Limit(cfg.RequestsPerSecond)
	l.burst = cfg.BurstSize
	l.clients = make(map[string]*client)
}

// Middleware returns the enforcement middleware. Rejected requests get the
// 429 envelope with a Retry-After hint.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l.mu.RLock()
			enabled := l.enabled
			limit := l.rate
			l.mu.RUnlock()

			if !enabled {
				next.ServeHTTP(w, r)
				return
			}

			ip := l.clientIP(r)
			if !l.limiterFor(ip).Allow() {
				l.logger.Warn("rate limit exceeded", "client_ip", ip, "path", r.URL.Path)
				metrics.RateLimitHits.Inc()
				w.Header().Set("Retry-After", strconv.FormatFloat(1.0/float64(limit), 'f', 0, 64))
				apierror.WriteJSON(w, r, http.StatusTooManyRequests,
					apierror.RateLimited, "rate limit exceeded, retry later")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP resolves the client address. X-Forwarded-For is only honored when
// the direct peer is a trusted proxy; the header is walked right to left for
// the first hop outside the trusted set.
func (l *Limiter) clientIP(r *http.Request) string {
	peer := hostOnly(r.RemoteAddr)

	if len(l.trustedCIDRs) > 0 && l.isTrusted(peer) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				ip := strings.TrimSpace(parts[i])
				if ip != "" && !l.isTrusted(ip) {
					return ip
				}
			}
		}
	}

	return peer
}

func (l *Limiter) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range l.trustedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func hostOnly(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// limiterFor returns the bucket for ip, creating it on first sight.
// rate.Limiter is goroutine-safe, so Allow runs outside our lock.
func (l *Limiter) limiterFor(ip string) *rate.Limiter {
	l.mu.RLock()
	if c, ok := l.clients[ip]; ok {
		// Refresh lastSeen lazily; once a minute is enough to outrun the
		// three minute eviction threshold.
		if time.Since(c.lastSeen) > 1*time.Minute {
			l.mu.RUnlock()
			l.mu.Lock()
			c.lastSeen = time.Now()
			l.mu.Unlock()
		} else {
			l.mu.RUnlock()
		}
		return c.limiter
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if c, ok := l.clients[ip]; ok {
		c.lastSeen = time.Now()
		return c.limiter
	}

	limiter := rate.NewLimiter(l.rate, l.burst)
	l.clients[ip] = &client{limiter: limiter, lastSeen: time.Now()}
	return limiter
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			for ip, c := range l.clients {
				if time.Since(c.lastSeen) > staleAfter {
					delete(l.clients, ip)
				}
			}
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}
