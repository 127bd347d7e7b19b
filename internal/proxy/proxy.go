// Package proxy implements the gateway's forwarding pipeline: circuit-breaker
// admission, a bounded retry loop for connection failures, the upstream call
// itself, and relay of the origin's response. Every failure surfaces as a
// classified apierror.Fault so the response shape is uniform.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bffkit/gateway/internal/apierror"
	"github.com/bffkit/gateway/internal/circuitbreaker"
	"github.com/bffkit/gateway/internal/config"
	"github.com/bffkit/gateway/internal/metrics"
)

// requestHeaderSkip lists inbound headers never forwarded to the origin. The
// session cookie and any credentials are the gateway's concern, not the
// origin's.
var requestHeaderSkip = map[string]bool{
	"Host":          true,
	"Cookie":        true,
	"Authorization": true,
}

// responseHeaderSkip lists origin headers dropped before relaying. The body
// is re-framed by the gateway, so framing and encoding headers from the
// origin would be wrong.
var responseHeaderSkip = map[string]bool{
	"Transfer-Encoding": true,
	"Content-Encoding":  true,
	"Content-Length":    true,
}

// bodyMethods are the methods whose request body is forwarded.
var bodyMethods = map[string]bool{
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

// Forwarder forwards authenticated requests to the single configured origin.
type Forwarder struct {
	origin       *url.URL
	prefix       string
	client       *http.Client
	breaker      *circuitbreaker.Breaker
	attempts     int
	backoffBase  time.Duration
	totalTimeout time.Duration
	logger       *slog.Logger

	// sleep is swappable in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Forwarder for the configured origin. The breaker instance is
// shared with the rest of the process (admin API, readiness probe).
func New(cfg config.OriginConfig, breaker *circuitbreaker.Breaker, logger *slog.Logger) (*Forwarder, error) {
	origin, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid origin base URL %q: %w", cfg.BaseURL, err)
	}

	// Connect and total timeouts are independent: the dialer enforces the
	// former, a per-request context deadline the latter.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Forwarder{
		origin:       origin,
		prefix:       cfg.PathPrefix,
		client:       &http.Client{Transport: transport},
		breaker:      breaker,
		attempts:     cfg.RetryAttempts,
		backoffBase:  cfg.BackoffBase,
		totalTimeout: cfg.TotalTimeout,
		logger:       logger,
		sleep:        sleepCtx,
	}, nil
}

// descriptor is the forwarded-request descriptor: everything needed to issue
// (and re-issue, on retry) the upstream call. Immutable once built.
type descriptor struct {
	method string
	url    string
	header http.Header
	body   []byte
}

// buildDescriptor constructs the descriptor from the inbound request: path
// suffix after the gateway prefix, query string verbatim, headers minus the
// skip set, and the body for body-carrying methods only.
func (f *Forwarder) buildDescriptor(r *http.Request) (*descriptor, error) {
	suffix := strings.TrimPrefix(r.URL.Path, f.prefix)
	if !strings.HasPrefix(suffix, "/") {
		suffix = "/" + suffix
	}

	target := *f.origin
	target.Path = strings.TrimSuffix(target.Path, "/") + suffix
	target.RawQuery = r.URL.RawQuery

	header := make(http.Header, len(r.Header))
	for name, values := range r.Header {
		if requestHeaderSkip[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			header.Add(name, v)
		}
	}

	var body []byte
	if bodyMethods[r.Method] && r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("reading request body: %w", err)
		}
		if len(b) > 0 {
			body = b
		}
	}

	return &descriptor{
		method: r.Method,
		url:    target.String(),
		header: header,
		body:   body,
	}, nil
}

// ServeHTTP implements http.Handler for the catch-all forwarding route. The
// session gate has already run; this method handles breaker admission, the
// retry loop, and response relay.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	status := f.forward(w, r)

	metrics.RequestsTotal.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
	metrics.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
}

// forward runs the pipeline and returns the status code written.
func (f *Forwarder) forward(w http.ResponseWriter, r *http.Request) int {
	// Admission check happens exactly once, before the retry loop. A
	// rejection fails the whole request without touching the origin.
	if !f.breaker.Allow() {
		f.logger.Warn("request rejected, circuit open", "method", r.Method, "path", r.URL.Path)
		fault := &apierror.Fault{Kind: apierror.KindCircuitOpen}
		apierror.WriteFault(w, r, fault)
		return fault.Status()
	}

	desc, err := f.buildDescriptor(r)
	if err != nil {
		fault := &apierror.Fault{Kind: apierror.KindInternalFault, Err: err}
		apierror.WriteFault(w, r, fault)
		return fault.Status()
	}

	resp, fault := f.attemptLoop(r, desc)
	if fault != nil {
		if fault.Kind != apierror.KindInternalFault || fault.Err != nil {
			f.logger.Warn("upstream call failed",
				"method", desc.method,
				"url", desc.url,
				"error", fault.Error(),
			)
		}
		apierror.WriteFault(w, r, fault)
		return fault.Status()
	}

	return f.relay(w, r, resp)
}

// attemptLoop drives the retry policy: up to f.attempts tries, linear backoff
// between them, retrying only connection-establishment failures. It reports
// exactly one outcome to the breaker per completed sequence — never one per
// attempt.
func (f *Forwarder) attemptLoop(r *http.Request, desc *descriptor) (*upstreamResponse, *apierror.Fault) {
	for attempt := 1; attempt <= f.attempts; attempt++ {
		resp, err := f.attempt(r.Context(), desc)
		if err == nil {
			// Reachable origin: any HTTP status below 500 counts as a
			// breaker success. 5xx degrades the breaker even though the
			// connection worked — a reachable but erroring origin still
			// trips it.
			if resp.status >= http.StatusInternalServerError {
				f.breaker.RecordFailure()
				metrics.UpstreamErrors.WithLabelValues(f.origin.Host, strconv.Itoa(resp.status)).Inc()
			} else {
				f.breaker.RecordSuccess()
			}
			return resp, nil
		}

		// Abandoned by the caller: not a recorded failure, breaker untouched.
		if r.Context().Err() == context.Canceled {
			f.logger.Info("client disconnected, abandoning upstream call",
				"method", desc.method, "url", desc.url)
			return nil, &apierror.Fault{Kind: apierror.KindInternalFault, Message: "request cancelled"}
		}

		kind := classify(err)
		if kind == apierror.KindUpstreamTimeout {
			// Timeouts are terminal: no retry, surface immediately.
			return nil, &apierror.Fault{Kind: kind, Err: err}
		}

		// Connection failure. Retry with linear backoff unless exhausted.
		if attempt < f.attempts {
			metrics.RetryTotal.WithLabelValues(f.origin.Host).Inc()
			wait := time.Duration(attempt) * f.backoffBase
			f.logger.Warn("retrying after connection failure",
				"method", desc.method,
				"url", desc.url,
				"attempt", attempt,
				"backoff", wait,
				"error", err,
			)
			if serr := f.sleep(r.Context(), wait); serr != nil {
				return nil, &apierror.Fault{Kind: apierror.KindInternalFault, Message: "request cancelled"}
			}
			continue
		}

		// Retries exhausted: one failure recorded for the whole sequence.
		f.breaker.RecordFailure()
		return nil, &apierror.Fault{Kind: apierror.KindConnectionFailed, Err: err}
	}

	// Unreachable: the loop always returns. Kept for the compiler.
	return nil, &apierror.Fault{Kind: apierror.KindInternalFault}
}

// upstreamResponse is a fully buffered origin response.
type upstreamResponse struct {
	status int
	header http.Header
	body   []byte
}

// attempt issues one upstream call under the total timeout and buffers the
// response so retries and relay never consume a half-read body.
func (f *Forwarder) attempt(ctx context.Context, desc *descriptor) (*upstreamResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, f.totalTimeout)
	defer cancel()

	var bodyReader io.Reader
	if desc.body != nil {
		bodyReader = bytes.NewReader(desc.body)
	}

	req, err := http.NewRequestWithContext(ctx, desc.method, desc.url, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header = desc.header.Clone()

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &upstreamResponse{
		status: resp.StatusCode,
		header: resp.Header,
		body:   body,
	}, nil
}

// relay writes the origin's response to the caller. Non-error responses pass
// through verbatim apart from the filtered framing headers; 4xx/5xx are
// normalized into the error envelope with the origin's status preserved.
func (f *Forwarder) relay(w http.ResponseWriter, r *http.Request, resp *upstreamResponse) int {
	if resp.status >= http.StatusBadRequest {
		apierror.WriteFault(w, r, apierror.UpstreamFault(resp.status, resp.body))
		return resp.status
	}

	for name, values := range resp.header {
		if responseHeaderSkip[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.status)
	w.Write(resp.body) //nolint:errcheck
	return resp.status
}

// classify maps a transport error to its failure kind. Dial failures are
// connection errors even when the dialer timed out — the upstream could not
// be reached at all, which is the retryable class. Anything else that timed
// out is a terminal upstream timeout.
func classify(err error) apierror.Kind {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return apierror.KindConnectionFailed
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return apierror.KindUpstreamTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apierror.KindUpstreamTimeout
	}

	return apierror.KindConnectionFailed
}

// sleepCtx waits for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
