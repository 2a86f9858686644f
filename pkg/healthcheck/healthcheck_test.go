package healthcheck

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/charonproxy/gateway/pkg/gatewaymetrics"
	"github.com/charonproxy/gateway/pkg/registry"
)

func TestSweepMarksHealthyOn2xx(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	reg := registry.New()
	id, _ := reg.Register("auth", upstream.URL, "/healthz", 1, nil)

	c := New(Config{Interval: time.Hour, Timeout: time.Second}, reg, nil)
	c.AwaitInitialSweep(context.Background())

	inst, _ := reg.Get("auth", id)
	if inst.Status != registry.StatusHealthy {
		t.Fatalf("expected HEALTHY after a 200 probe, got %v", inst.Status)
	}
}

func TestSweepMarksUnhealthyOn5xx(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	reg := registry.New()
	id, _ := reg.Register("auth", upstream.URL, "/healthz", 1, nil)

	c := New(Config{Interval: time.Hour, Timeout: time.Second}, reg, nil)
	c.AwaitInitialSweep(context.Background())

	inst, _ := reg.Get("auth", id)
	if inst.Status != registry.StatusUnhealthy {
		t.Fatalf("expected UNHEALTHY after a 500 probe, got %v", inst.Status)
	}
}

func TestSweepMarksUnhealthyOnConnectionFailure(t *testing.T) {
	reg := registry.New()
	id, _ := reg.Register("auth", "http://127.0.0.1:1", "/healthz", 1, nil)

	c := New(Config{Interval: time.Hour, Timeout: 200 * time.Millisecond}, reg, nil)
	c.AwaitInitialSweep(context.Background())

	inst, _ := reg.Get("auth", id)
	if inst.Status != registry.StatusUnhealthy {
		t.Fatalf("expected UNHEALTHY after a connection failure, got %v", inst.Status)
	}
}

func TestSweepRecordsTelemetry(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	reg := registry.New()
	reg.Register("auth", upstream.URL, "/healthz", 1, nil)

	metrics := gatewaymetrics.New()
	c := New(Config{Interval: time.Hour, Timeout: time.Second}, reg, nil)
	c.SetTelemetry(gatewaymetrics.NewTelemetry(metrics))
	c.AwaitInitialSweep(context.Background())

	snap, err := metrics.Dump()
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	samples := snap.Counters["gateway_health_checks_total"]
	if len(samples) != 1 || samples[0].Value != 1 {
		t.Fatalf("expected one recorded health check, got %v", samples)
	}
	if samples[0].Labels["result"] != "success" {
		t.Fatalf("expected result=success, got %v", samples[0].Labels)
	}
}

func TestSweepDiscardsResultForDisabledInstance(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	reg := registry.New()
	id, _ := reg.Register("auth", upstream.URL, "/healthz", 1, nil)
	reg.Disable("auth", id)

	c := New(Config{Interval: time.Hour, Timeout: time.Second}, reg, nil)
	c.AwaitInitialSweep(context.Background())

	inst, _ := reg.Get("auth", id)
	if inst.Status != registry.StatusDisabled {
		t.Fatalf("expected status to remain DISABLED, got %v", inst.Status)
	}
}

func TestSweepProbesAllInstancesInParallel(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	reg := registry.New()
	for i := 0; i < 5; i++ {
		reg.Register("auth", upstream.URL, "/healthz", 1, nil)
	}

	c := New(Config{Interval: time.Hour, Timeout: time.Second}, reg, nil)

	start := time.Now()
	c.AwaitInitialSweep(context.Background())
	elapsed := time.Since(start)

	if elapsed > 400*time.Millisecond {
		t.Fatalf("expected parallel probes to finish near one probe's latency, took %s", elapsed)
	}
}
