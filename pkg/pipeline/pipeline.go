// Package pipeline wires the registry, health checker, rate limiter,
// circuit breaker, load balancer, and reverse proxy together into one
// owned Gateway aggregate — grounded on the teacher's BoatFerry, but
// as a single struct holding each component instead of BoatFerry's
// inline ad hoc fields, since the gateway's components are now
// separate packages rather than private to one file.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/charonproxy/gateway/pkg/balancer"
	"github.com/charonproxy/gateway/pkg/breaker"
	"github.com/charonproxy/gateway/pkg/gatewayerrors"
	"github.com/charonproxy/gateway/pkg/gatewaylog"
	"github.com/charonproxy/gateway/pkg/gatewaymetrics"
	"github.com/charonproxy/gateway/pkg/ratelimit"
	"github.com/charonproxy/gateway/pkg/registry"
	"github.com/charonproxy/gateway/pkg/reverseproxy"
)

// Config tunes the pipeline's per-request behavior, independent of the
// components it orchestrates.
type Config struct {
	GatewayPrefix  string
	RetryCount     int
	RetryDelay     time.Duration
	RequestTimeout time.Duration
}

// DefaultConfig matches spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{
		GatewayPrefix:  "/api",
		RetryCount:     2,
		RetryDelay:     500 * time.Millisecond,
		RequestTimeout: 30 * time.Second,
	}
}

// Gateway is the single owned aggregate every inbound request flows
// through. It replaces the teacher's module-level globals with one
// struct a caller constructs once and passes around explicitly.
type Gateway struct {
	cfg Config

	Registry  *registry.Registry
	Breakers  *breaker.Manager
	Limiter   ratelimit.Limiter
	Balancer  *balancer.Balancer
	Proxy     *reverseproxy.Proxy
	Metrics   *gatewaymetrics.Registry
	Telemetry *gatewaymetrics.Telemetry
	Logger    *slog.Logger

	// Authenticate is an optional, delegated auth hook (spec.md §4.6
	// step 2): if set, it runs before rate limiting and must return a
	// non-nil error to reject the request with 401. Grounded on the
	// teacher's pkg/olympus.AuthMiddleware (API-key-in-Authorization-
	// header check): unset by default, since auth providers are
	// external systems the gateway delegates to rather than a
	// component this pipeline owns.
	Authenticate func(r *http.Request) error
}

// New assembles a Gateway from its already-constructed components.
func New(cfg Config, reg *registry.Registry, breakers *breaker.Manager, limiter ratelimit.Limiter, bal *balancer.Balancer, proxy *reverseproxy.Proxy, metrics *gatewaymetrics.Registry, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	telemetry := gatewaymetrics.NewTelemetry(metrics)
	if breakers != nil {
		breakers.OnTransition(telemetry.RecordCircuitBreakerState)
	}
	if bal != nil {
		bal.OnAcquireRelease(telemetry.RecordActiveConnections)
	}

	return &Gateway{
		cfg:       cfg,
		Registry:  reg,
		Breakers:  breakers,
		Limiter:   limiter,
		Balancer:  bal,
		Proxy:     proxy,
		Metrics:   metrics,
		Telemetry: telemetry,
		Logger:    log,
	}
}

// ServeHTTP implements the ten-step request pipeline from spec.md
// §4.6.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	// Step 1: correlation id, client identity.
	correlationID := r.Header.Get("X-Request-ID")
	ctx := gatewaylog.WithCorrelationID(r.Context(), correlationID)
	correlationID = gatewaylog.CorrelationID(ctx)
	clientIP := clientIdentity(r)

	if g.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.RequestTimeout)
		defer cancel()
	}
	r = r.WithContext(ctx)

	hw := &responseHeaderWriter{ResponseWriter: w, start: start, correlationID: correlationID}
	status, service := g.route(hw, r, clientIP, correlationID)

	duration := time.Since(start)
	if g.Telemetry != nil {
		g.Telemetry.RecordRequest(service, status < 400, duration)
	}
	g.log(ctx, service, status, duration)
}

// responseHeaderWriter injects X-Request-ID and X-Response-Time into
// the header map at WriteHeader time, not after route() returns: a
// forwarded response is streamed straight through httputil.ReverseProxy,
// which calls WriteHeader on the real ResponseWriter as soon as the
// upstream's headers arrive, well before ServeHTTP gets control back.
// Setting these headers afterward (the teacher's net/http.ResponseWriter
// usage elsewhere assumes a buffered response) would be a no-op on a
// real connection. X-Response-Time necessarily reflects time to first
// byte here, not the full request duration, since the body may still
// be streaming when headers go out.
type responseHeaderWriter struct {
	http.ResponseWriter
	start         time.Time
	correlationID string
	wroteHeader   bool
}

func (rw *responseHeaderWriter) injectHeaders() {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true
	elapsed := time.Since(rw.start)
	rw.ResponseWriter.Header().Set("X-Request-ID", rw.correlationID)
	rw.ResponseWriter.Header().Set("X-Response-Time", fmt.Sprintf("%.2fms", float64(elapsed.Microseconds())/1000.0))
}

func (rw *responseHeaderWriter) WriteHeader(code int) {
	rw.injectHeaders()
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseHeaderWriter) Write(b []byte) (int, error) {
	rw.injectHeaders()
	return rw.ResponseWriter.Write(b)
}

// route performs steps 2-8 of the pipeline and writes the response,
// returning the status code and resolved service name for logging.
func (g *Gateway) route(w http.ResponseWriter, r *http.Request, clientIP, correlationID string) (int, string) {
	// Step 2: optional delegated authentication.
	if g.Authenticate != nil {
		if err := g.Authenticate(r); err != nil {
			return g.writeError(w, correlationID, gatewayerrors.New(http.StatusUnauthorized, "unauthorized", err)), ""
		}
	}

	// Step 3: rate limit.
	if g.Limiter != nil && !g.Limiter.Allow(clientIP, 1) {
		if g.Telemetry != nil {
			g.Telemetry.RecordRateLimitHit(clientIP)
		}
		return g.writeError(w, correlationID, gatewayerrors.ErrRateLimited), ""
	}

	// Step 4: path parsing.
	service, remaining, err := reverseproxy.ParsePath(g.cfg.GatewayPrefix, r.URL.Path)
	if err != nil {
		return g.writeError(w, correlationID, err), ""
	}

	// Step 5: circuit breaker.
	cell := g.Breakers.Get(service)
	if g.Breakers.Enabled() && !cell.Allow() {
		return g.writeError(w, correlationID, gatewayerrors.ErrCircuitOpen), service
	}

	status := g.forwardWithRetry(w, r, service, remaining, clientIP, correlationID, cell)
	return status, service
}

// forwardWithRetry implements the load balancer's retry loop: up to
// RetryCount additional attempts, excluding the just-failed instance
// from the next selection, with RetryDelay between attempts.
func (g *Gateway) forwardWithRetry(w http.ResponseWriter, r *http.Request, service, remaining, clientIP, correlationID string, cell *breaker.Cell) int {
	excluded := make(map[string]bool)
	attempts := g.cfg.RetryCount + 1

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(g.cfg.RetryDelay):
			case <-r.Context().Done():
				return g.writeError(w, correlationID, r.Context().Err())
			}
		}

		candidates := filterExcluded(g.Registry.Healthy(service), excluded)
		if len(candidates) == 0 {
			if lastErr != nil {
				return g.writeError(w, correlationID, lastErr)
			}
			return g.writeError(w, correlationID, gatewayerrors.ErrNoHealthyInstance)
		}

		inst, err := g.Balancer.Select(service, clientIP, candidates)
		if err != nil {
			return g.writeError(w, correlationID, gatewayerrors.ErrNoHealthyInstance)
		}

		// The first attempt was already admitted by route's step-5 check;
		// every Allow takes a half-open slot, so only retries re-check.
		if attempt > 0 && g.Breakers.Enabled() && !cell.Allow() {
			excluded[inst.ID] = true
			lastErr = gatewayerrors.ErrCircuitOpen
			continue
		}

		isLastAttempt := attempt == attempts-1
		g.Balancer.Acquire(inst.ID)
		rec := g.Proxy.Forward(w, r, inst.BaseURL, remaining, clientIP, correlationID, isLastAttempt)
		g.Balancer.Release(inst.ID)

		fault := reverseproxy.IsUpstreamFault(rec.Err) || rec.StatusCode >= 500
		if fault {
			cell.RecordFailure()
			excluded[inst.ID] = true
			lastErr = gatewayerrors.ErrUpstreamFault
			if attempt < attempts-1 {
				continue
			}
			return rec.StatusCode
		}

		cell.RecordSuccess()
		return rec.StatusCode
	}

	return g.writeError(w, correlationID, lastErr)
}

func filterExcluded(instances []registry.Instance, excluded map[string]bool) []registry.Instance {
	if len(excluded) == 0 {
		return instances
	}
	out := make([]registry.Instance, 0, len(instances))
	for _, inst := range instances {
		if !excluded[inst.ID] {
			out = append(out, inst)
		}
	}
	if len(out) == 0 {
		return instances // nothing left to exclude from; fall back to the full set
	}
	return out
}

// writeError renders err as the gateway's standard JSON error body and
// returns the status code written, per spec.md §7: a single `error`
// string plus the correlation id, no stack traces.
func (g *Gateway) writeError(w http.ResponseWriter, correlationID string, err error) int {
	ge := gatewayerrors.ToHTTP(err)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", correlationID)
	w.WriteHeader(ge.HTTPStatusCode())
	json.NewEncoder(w).Encode(map[string]string{
		"error":      ge.Message,
		"request_id": correlationID,
	})
	return ge.HTTPStatusCode()
}

func (g *Gateway) log(ctx context.Context, service string, status int, duration time.Duration) {
	fields := gatewaylog.RequestFields(ctx, service, status, duration)
	switch {
	case status >= 500:
		g.Logger.Error("request completed", fields...)
	case status >= 400:
		g.Logger.Warn("request completed", fields...)
	default:
		g.Logger.Info("request completed", fields...)
	}
}

// clientIdentity extracts the caller's identity per spec.md §4.6 step
//1: prefer the leftmost X-Forwarded-For entry, then X-Real-IP, then
// the TCP peer address.
func clientIdentity(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return xrip
	}
	return r.RemoteAddr
}
