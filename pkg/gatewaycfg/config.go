// Package gatewaycfg loads process-wide configuration from
// environment variables with defaults, following the teacher's viper
// convention (cmd/tartarus/cmd/root.go) rather than the charon-proxy
// binary's own ad hoc os.Environ() scavenging.
package gatewaycfg

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/viper"

	"github.com/charonproxy/gateway/pkg/balancer"
	"github.com/charonproxy/gateway/pkg/ratelimit"
)

// Backend describes one entry of DEFAULT_BACKENDS: an initial instance
// to seed the registry with at startup.
type Backend struct {
	URL         string            `json:"url" mapstructure:"url"`
	HealthCheck string            `json:"health_check" mapstructure:"health_check"`
	Weight      int               `json:"weight" mapstructure:"weight"`
	Metadata    map[string]string `json:"metadata" mapstructure:"metadata"`
}

// Config is the fully resolved process configuration, per spec.md §6's
// environment-variable table.
type Config struct {
	Host   string
	Port   int
	Prefix string

	HealthCheckInterval int // seconds
	HealthCheckTimeout  int // seconds

	LoadBalancerStrategy   balancer.Strategy
	LoadBalancerRetryCount int
	LoadBalancerRetryDelay float64 // seconds

	RateLimitEnabled           bool
	RateLimitStrategy          ratelimit.Strategy
	RateLimitRequestsPerMinute int
	RateLimitBurstSize         int
	RateLimitBackend           string // "memory" | "redis"
	RedisAddr                  string
	RedisPassword              string
	RedisDB                    int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          int // seconds
	CircuitBreakerHalfOpenMaxCalls int

	RequestTimeout int // seconds
	ConnectTimeout int // seconds

	LogLevel string

	DefaultBackends map[string]Backend
}

// Load binds every key in spec.md's configuration table to its
// environment variable, applies defaults, and parses DEFAULT_BACKENDS
// as a JSON map of service name -> Backend.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	setDefaults(v)
	bindEnv(v)

	cfg := &Config{
		Host:   v.GetString("gateway_host"),
		Port:   v.GetInt("gateway_port"),
		Prefix: v.GetString("gateway_prefix"),

		HealthCheckInterval: v.GetInt("service_health_check_interval"),
		HealthCheckTimeout:  v.GetInt("service_health_check_timeout"),

		LoadBalancerStrategy:   balancer.Strategy(v.GetString("load_balancer_strategy")),
		LoadBalancerRetryCount: v.GetInt("load_balancer_retry_count"),
		LoadBalancerRetryDelay: v.GetFloat64("load_balancer_retry_delay"),

		RateLimitEnabled:           v.GetBool("rate_limit_enabled"),
		RateLimitStrategy:          ratelimit.Strategy(v.GetString("rate_limit_strategy")),
		RateLimitRequestsPerMinute: v.GetInt("rate_limit_requests_per_minute"),
		RateLimitBurstSize:         v.GetInt("rate_limit_burst_size"),
		RateLimitBackend:           v.GetString("rate_limit_backend"),
		RedisAddr:                  v.GetString("redis_addr"),
		RedisPassword:              v.GetString("redis_password"),
		RedisDB:                    v.GetInt("redis_db"),

		CircuitBreakerEnabled:          v.GetBool("circuit_breaker_enabled"),
		CircuitBreakerFailureThreshold: v.GetInt("circuit_breaker_failure_threshold"),
		CircuitBreakerSuccessThreshold: v.GetInt("circuit_breaker_success_threshold"),
		CircuitBreakerTimeout:          v.GetInt("circuit_breaker_timeout"),
		CircuitBreakerHalfOpenMaxCalls: v.GetInt("circuit_breaker_half_open_max_calls"),

		RequestTimeout: v.GetInt("request_timeout"),
		ConnectTimeout: v.GetInt("connect_timeout"),

		LogLevel: v.GetString("log_level"),
	}

	if raw := v.GetString("default_backends"); raw != "" {
		backends := make(map[string]Backend)
		if err := json.Unmarshal([]byte(raw), &backends); err != nil {
			return nil, fmt.Errorf("gatewaycfg: parsing DEFAULT_BACKENDS: %w", err)
		}
		cfg.DefaultBackends = backends
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway_host", "0.0.0.0")
	v.SetDefault("gateway_port", 8080)
	v.SetDefault("gateway_prefix", "/api")

	v.SetDefault("service_health_check_interval", 30)
	v.SetDefault("service_health_check_timeout", 5)

	v.SetDefault("load_balancer_strategy", "round_robin")
	v.SetDefault("load_balancer_retry_count", 2)
	v.SetDefault("load_balancer_retry_delay", 0.1)

	v.SetDefault("rate_limit_enabled", true)
	v.SetDefault("rate_limit_strategy", "token_bucket")
	v.SetDefault("rate_limit_requests_per_minute", 100)
	v.SetDefault("rate_limit_burst_size", 10)
	v.SetDefault("rate_limit_backend", "memory")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_db", 0)

	v.SetDefault("circuit_breaker_enabled", true)
	v.SetDefault("circuit_breaker_failure_threshold", 5)
	v.SetDefault("circuit_breaker_success_threshold", 2)
	v.SetDefault("circuit_breaker_timeout", 60)
	v.SetDefault("circuit_breaker_half_open_max_calls", 3)

	v.SetDefault("request_timeout", 30)
	v.SetDefault("connect_timeout", 5)

	v.SetDefault("log_level", "info")
}

// bindEnv explicitly binds every key to its upper-snake-case
// environment variable name; AutomaticEnv alone only covers keys that
// are requested by Get*, so a key with no SetDefault and no explicit
// BindEnv (like DEFAULT_BACKENDS, which legitimately has no default)
// would otherwise never be read.
func bindEnv(v *viper.Viper) {
	keys := []string{
		"gateway_host", "gateway_port", "gateway_prefix",
		"service_health_check_interval", "service_health_check_timeout",
		"load_balancer_strategy", "load_balancer_retry_count", "load_balancer_retry_delay",
		"rate_limit_enabled", "rate_limit_strategy", "rate_limit_requests_per_minute",
		"rate_limit_burst_size", "rate_limit_backend", "redis_addr", "redis_password", "redis_db",
		"circuit_breaker_enabled", "circuit_breaker_failure_threshold",
		"circuit_breaker_success_threshold", "circuit_breaker_timeout",
		"circuit_breaker_half_open_max_calls",
		"request_timeout", "connect_timeout",
		"log_level", "default_backends",
	}
	for _, k := range keys {
		v.BindEnv(k)
	}
}
