package gatewaymetrics

import (
	"time"

	"github.com/charonproxy/gateway/pkg/breaker"
)

// Telemetry names the gateway's metric families in one place, mirroring
// the teacher's pkg/charon/telemetry.go — a thin layer of named
// recording methods over the generic IncCounter/ObserveHistogram/
// SetGauge calls a Registry exposes.
type Telemetry struct {
	reg *Registry
}

// NewTelemetry wraps reg with the gateway's named metric recorders.
func NewTelemetry(reg *Registry) *Telemetry {
	return &Telemetry{reg: reg}
}

// RecordRequest records one forwarded request's outcome and latency.
func (t *Telemetry) RecordRequest(service string, success bool, duration time.Duration) {
	if t.reg == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	t.reg.IncCounter("gateway_requests_total", 1,
		Label{Key: "service", Value: service},
		Label{Key: "status", Value: status},
	)
	t.reg.ObserveHistogram("gateway_request_duration_seconds", duration.Seconds(),
		Label{Key: "service", Value: service},
	)
}

// RecordCircuitBreakerState records which of the three states a
// service's breaker currently holds, as a one-hot gauge set.
func (t *Telemetry) RecordCircuitBreakerState(service string, state breaker.State) {
	if t.reg == nil {
		return
	}
	for _, s := range []breaker.State{breaker.StateClosed, breaker.StateOpen, breaker.StateHalfOpen} {
		value := 0.0
		if s == state {
			value = 1.0
		}
		t.reg.SetGauge("gateway_circuit_breaker_state", value,
			Label{Key: "service", Value: service},
			Label{Key: "state", Value: s.String()},
		)
	}
}

// RecordActiveConnections records the in-flight connection count the
// balancer is tracking for an instance.
func (t *Telemetry) RecordActiveConnections(instanceID string, count int) {
	if t.reg == nil {
		return
	}
	t.reg.SetGauge("gateway_active_connections", float64(count),
		Label{Key: "instance", Value: instanceID},
	)
}

// RecordHealthCheck records a health-check probe's outcome and
// latency.
func (t *Telemetry) RecordHealthCheck(service, instanceID string, success bool, latency time.Duration) {
	if t.reg == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	t.reg.IncCounter("gateway_health_checks_total", 1,
		Label{Key: "service", Value: service},
		Label{Key: "instance", Value: instanceID},
		Label{Key: "result", Value: result},
	)
	t.reg.ObserveHistogram("gateway_health_check_duration_seconds", latency.Seconds(),
		Label{Key: "service", Value: service},
		Label{Key: "instance", Value: instanceID},
	)
}

// RecordRateLimitHit records an admission rejection for an identity.
func (t *Telemetry) RecordRateLimitHit(identity string) {
	if t.reg == nil {
		return
	}
	t.reg.IncCounter("gateway_rate_limit_rejections_total", 1,
		Label{Key: "identity", Value: identity},
	)
}
