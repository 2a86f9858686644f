// Command charon-gateway runs the HTTP API gateway: service registry,
// health checker, rate limiter, circuit breaker, load balancer, and
// reverse proxy, wired together by pkg/pipeline and fronted by
// pkg/adminapi's operational routes. Grounded on the teacher's
// cmd/charon-proxy/main.go wiring order (metrics -> ferry -> shores ->
// start -> mux -> server -> signal-driven graceful shutdown),
// generalized from a single charon.json config file to
// pkg/gatewaycfg's environment-driven Load.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charonproxy/gateway/pkg/adminapi"
	"github.com/charonproxy/gateway/pkg/balancer"
	"github.com/charonproxy/gateway/pkg/breaker"
	"github.com/charonproxy/gateway/pkg/gatewaycfg"
	"github.com/charonproxy/gateway/pkg/gatewaylog"
	"github.com/charonproxy/gateway/pkg/gatewaymetrics"
	"github.com/charonproxy/gateway/pkg/healthcheck"
	"github.com/charonproxy/gateway/pkg/pipeline"
	"github.com/charonproxy/gateway/pkg/ratelimit"
	"github.com/charonproxy/gateway/pkg/registry"
	"github.com/charonproxy/gateway/pkg/reverseproxy"
)

func main() {
	cfg, err := gatewaycfg.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := gatewaylog.New(cfg.LogLevel)
	slog.SetDefault(logger)

	reg := registry.New()
	for name, backend := range cfg.DefaultBackends {
		id, err := reg.Register(name, backend.URL, backend.HealthCheck, backend.Weight, backend.Metadata)
		if err != nil {
			logger.Error("failed to register default backend", "service", name, "error", err)
			os.Exit(1)
		}
		logger.Info("registered backend", "service", name, "instance", id, "url", backend.URL)
	}

	metrics := gatewaymetrics.New()

	breakerCfg := breaker.Config{
		FailureThreshold: cfg.CircuitBreakerFailureThreshold,
		SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
		OpenTimeout:      time.Duration(cfg.CircuitBreakerTimeout) * time.Second,
		HalfOpenMaxCalls: cfg.CircuitBreakerHalfOpenMaxCalls,
	}
	breakers := breaker.NewManager(breakerCfg, cfg.CircuitBreakerEnabled)

	limiter := buildLimiter(cfg, logger)

	bal := balancer.New(cfg.LoadBalancerStrategy)

	proxy := reverseproxy.New(reverseproxy.Config{
		DialTimeout:    time.Duration(cfg.ConnectTimeout) * time.Second,
		RequestTimeout: time.Duration(cfg.RequestTimeout) * time.Second,
	})

	checker := healthcheck.New(healthcheck.Config{
		Interval: time.Duration(cfg.HealthCheckInterval) * time.Second,
		Timeout:  time.Duration(cfg.HealthCheckTimeout) * time.Second,
	}, reg, logger)
	checker.SetTelemetry(gatewaymetrics.NewTelemetry(metrics))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checker.AwaitInitialSweep(ctx)
	checker.Start(ctx)
	logger.Info("health checker started", "interval", cfg.HealthCheckInterval, "timeout", cfg.HealthCheckTimeout)

	gw := pipeline.New(
		pipeline.Config{
			GatewayPrefix:  cfg.Prefix,
			RetryCount:     cfg.LoadBalancerRetryCount,
			RetryDelay:     time.Duration(cfg.LoadBalancerRetryDelay * float64(time.Second)),
			RequestTimeout: time.Duration(cfg.RequestTimeout) * time.Second,
		},
		reg, breakers, limiter, bal, proxy, metrics, logger,
	)

	mux := http.NewServeMux()
	admin := adminapi.New(reg, metrics)
	admin.Register(mux)
	mux.Handle("/", gw)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		logger.Info("gateway listening", "address", addr, "prefix", cfg.Prefix)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	checker.Stop()
	if err := limiter.Close(); err != nil {
		logger.Error("rate limiter close error", "error", err)
	}

	logger.Info("gateway stopped")
}

// buildLimiter selects the in-process or Redis-backed limiter per
// cfg.RateLimitBackend and always wraps it fail-open, so a limiter
// fault degrades to "admit" rather than rejecting traffic the gateway
// couldn't evaluate.
func buildLimiter(cfg *gatewaycfg.Config, logger *slog.Logger) ratelimit.Limiter {
	if !cfg.RateLimitEnabled {
		return ratelimit.NewNoop()
	}

	var inner ratelimit.Limiter
	if cfg.RateLimitBackend == "redis" {
		inner = ratelimit.NewRedisLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RateLimitRequestsPerMinute)
	} else {
		inner = ratelimit.New(ratelimit.Config{
			Strategy:          cfg.RateLimitStrategy,
			RequestsPerMinute: cfg.RateLimitRequestsPerMinute,
			BurstSize:         cfg.RateLimitBurstSize,
		})
	}
	return ratelimit.NewFailOpen(inner, logger)
}
