// Package adminapi exposes the gateway's operational surface: health,
// metrics, and service/instance inspection. Grounded on the teacher's
// FerryMiddleware.HealthHandler (pkg/charon/middleware.go) and the
// promhttp.Handler wiring in cmd/charon-proxy/main.go, expanded from a
// single /health route into the full set spec.md §6 documents.
package adminapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/charonproxy/gateway/pkg/gatewaymetrics"
	"github.com/charonproxy/gateway/pkg/registry"
)

// Handler serves the admin routes over a Registry and a metrics
// Registry. Neither is owned by Handler; both are shared with the
// request pipeline.
type Handler struct {
	Registry *registry.Registry
	Metrics  *gatewaymetrics.Registry
}

// New builds a Handler over reg and metrics.
func New(reg *registry.Registry, metrics *gatewaymetrics.Registry) *Handler {
	return &Handler{Registry: reg, Metrics: metrics}
}

// Register mounts every admin route onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/metrics", h.handleMetricsJSON)
	mux.Handle("/metrics/prometheus", promhttp.HandlerFor(h.Metrics.Gatherer(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/services", h.handleServices)
	mux.HandleFunc("/services/{name}", h.handleServiceDetail)
}

// checkView is one entry of the /health response's per-instance check
// map, named after the teacher's shoreHealthState fields.
type checkView struct {
	Status               registry.Status `json:"status"`
	LastCheck            time.Time       `json:"last_check"`
	LastError            string          `json:"last_error,omitempty"`
	ConsecutiveFailures  int             `json:"consecutive_failures"`
	ConsecutiveSuccesses int             `json:"consecutive_successes"`
}

type healthResponse struct {
	Status          string               `json:"status"`
	Message         string               `json:"message"`
	TotalChecks     int                  `json:"total_checks"`
	HealthyChecks   int                  `json:"healthy_checks"`
	UnhealthyChecks int                  `json:"unhealthy_checks"`
	Checks          map[string]checkView `json:"checks"`
}

// handleHealth reports the aggregate health of every registered
// instance, one check per instance keyed by "<service>/<instanceID>".
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	services := h.Registry.AllServices()

	resp := healthResponse{Checks: make(map[string]checkView)}
	for service, instances := range services {
		for _, inst := range instances {
			resp.TotalChecks++
			if inst.Status == registry.StatusHealthy {
				resp.HealthyChecks++
			} else if inst.Status != registry.StatusDisabled {
				resp.UnhealthyChecks++
			}
			resp.Checks[service+"/"+inst.ID] = checkView{
				Status:               inst.Status,
				LastCheck:            inst.LastCheck,
				LastError:            inst.LastError,
				ConsecutiveFailures:  inst.ConsecutiveFailures,
				ConsecutiveSuccesses: inst.ConsecutiveSuccesses,
			}
		}
	}

	statusCode := http.StatusOK
	switch {
	case resp.TotalChecks == 0:
		resp.Status = "unknown"
		resp.Message = "no instances registered"
	case resp.UnhealthyChecks == 0:
		resp.Status = "healthy"
		resp.Message = "all instances healthy"
	case resp.HealthyChecks == 0:
		resp.Status = "unhealthy"
		resp.Message = "no healthy instances"
		statusCode = http.StatusServiceUnavailable
	default:
		resp.Status = "degraded"
		resp.Message = "some instances unhealthy"
	}

	writeJSON(w, statusCode, resp)
}

// handleMetricsJSON serves the same data as /metrics/prometheus, as a
// JSON dump — for callers that would rather not parse the text
// exposition format.
func (h *Handler) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Metrics.Dump()
	if err != nil {
		http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type serviceSummary struct {
	Status           string `json:"status"`
	TotalInstances   int    `json:"total_instances"`
	HealthyInstances int    `json:"healthy_instances"`
}

// handleServices reports a one-line status summary per service.
func (h *Handler) handleServices(w http.ResponseWriter, r *http.Request) {
	services := h.Registry.AllServices()

	out := make(map[string]serviceSummary, len(services))
	for name, instances := range services {
		out[name] = summarize(instances)
	}
	writeJSON(w, http.StatusOK, out)
}

type instanceView struct {
	ID              string    `json:"id"`
	URL             string    `json:"url"`
	Status          string    `json:"status"`
	Enabled         bool      `json:"enabled"`
	Weight          int       `json:"weight"`
	LastHealthCheck time.Time `json:"last_health_check"`
}

type serviceDetail struct {
	Service          string         `json:"service"`
	Status           string         `json:"status"`
	TotalInstances   int            `json:"total_instances"`
	HealthyInstances int            `json:"healthy_instances"`
	Instances        []instanceView `json:"instances"`
}

// handleServiceDetail reports every instance of one named service,
// including disabled ones (registry.All, not List/Healthy).
func (h *Handler) handleServiceDetail(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	instances := h.Registry.All(name)
	if len(instances) == 0 {
		http.Error(w, "service not found", http.StatusNotFound)
		return
	}

	detail := serviceDetail{
		Service:   name,
		Instances: make([]instanceView, 0, len(instances)),
	}
	for _, inst := range instances {
		detail.TotalInstances++
		if inst.Status == registry.StatusHealthy {
			detail.HealthyInstances++
		}
		detail.Instances = append(detail.Instances, instanceView{
			ID:              inst.ID,
			URL:             inst.BaseURL,
			Status:          string(inst.Status),
			Enabled:         inst.Enabled,
			Weight:          inst.Weight,
			LastHealthCheck: inst.LastCheck,
		})
	}
	summary := summarize(instances)
	detail.Status = summary.Status

	writeJSON(w, http.StatusOK, detail)
}

func summarize(instances []registry.Instance) serviceSummary {
	summary := serviceSummary{TotalInstances: len(instances)}
	for _, inst := range instances {
		if inst.Status == registry.StatusHealthy {
			summary.HealthyInstances++
		}
	}
	switch {
	case summary.TotalInstances == 0:
		summary.Status = "unknown"
	case summary.HealthyInstances == 0:
		summary.Status = "unhealthy"
	case summary.HealthyInstances < summary.TotalInstances:
		summary.Status = "degraded"
	default:
		summary.Status = "healthy"
	}
	return summary
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}
