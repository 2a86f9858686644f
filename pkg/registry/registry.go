// Package registry holds the in-memory catalogue of upstream service
// instances and their health state. It is the single source of truth
// the load balancer, health checker, and admin API read from.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Status is the health state of an Instance.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDisabled  Status = "disabled"
	StatusUnknown   Status = "unknown"
)

// Instance is one addressable upstream endpoint belonging to a Service.
// The registry owns every mutation to an Instance; callers never write
// to an Instance value directly, they go through Registry's methods.
type Instance struct {
	ID          string
	ServiceName string
	BaseURL     string
	HealthPath  string
	Weight      int
	Enabled     bool
	Status      Status
	LastCheck   time.Time

	ConsecutiveSuccesses int
	ConsecutiveFailures  int
	LastError            string

	Metadata map[string]string

	generation uint64
}

// clone returns a value copy safe to hand to callers outside the lock.
func (i *Instance) clone() Instance {
	md := make(map[string]string, len(i.Metadata))
	for k, v := range i.Metadata {
		md[k] = v
	}
	cp := *i
	cp.Metadata = md
	return cp
}

// Registry is the in-process, ephemeral catalogue of services and their
// instances. All operations are safe under concurrent callers: reads
// take the read lock, structural mutations (register/unregister/enable/
// disable/update-status) take the write lock.
type Registry struct {
	mu       sync.RWMutex
	services map[string][]*Instance

	genCounter uint64
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		services: make(map[string][]*Instance),
	}
}

// Register appends a new instance to a service, creating the service
// entry if this is its first instance. Returns the freshly generated
// instance ID.
func (r *Registry) Register(service, baseURL, healthPath string, weight int, metadata map[string]string) (string, error) {
	if service == "" || baseURL == "" {
		return "", fmt.Errorf("registry: service name and base URL are required")
	}
	if healthPath == "" {
		healthPath = "/"
	}
	if weight < 0 {
		return "", fmt.Errorf("registry: weight must be >= 0")
	}

	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}

	gen := atomic.AddUint64(&r.genCounter, 1)
	inst := &Instance{
		ID:          fmt.Sprintf("%s-%s", service, uuid.NewString()[:8]),
		ServiceName: service,
		BaseURL:     baseURL,
		HealthPath:  healthPath,
		Weight:      weight,
		Enabled:     true,
		Status:      StatusUnknown,
		Metadata:    md,
		generation:  gen,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[service] = append(r.services[service], inst)

	return inst.ID, nil
}

// Unregister removes an instance. If it was the last instance of its
// service, the service entry is removed entirely. Returns false if the
// instance was not found.
func (r *Registry) Unregister(service, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	instances, ok := r.services[service]
	if !ok {
		return false
	}

	for idx, inst := range instances {
		if inst.ID == id {
			instances = append(instances[:idx], instances[idx+1:]...)
			if len(instances) == 0 {
				delete(r.services, service)
			} else {
				r.services[service] = instances
			}
			return true
		}
	}
	return false
}

// List returns every enabled instance of a service, regardless of
// health status.
func (r *Registry) List(service string) []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Instance, 0, len(r.services[service]))
	for _, inst := range r.services[service] {
		if inst.Enabled {
			out = append(out, inst.clone())
		}
	}
	return out
}

// All returns every instance of a service, including disabled ones.
// Unlike List and Healthy, which feed the request path and only ever
// want instances currently eligible for traffic, this is for the
// admin API's service-detail view, where a disabled instance is still
// worth reporting.
func (r *Registry) All(service string) []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Instance, 0, len(r.services[service]))
	for _, inst := range r.services[service] {
		out = append(out, inst.clone())
	}
	return out
}

// Healthy returns enabled instances currently marked HEALTHY. This is
// the set the load balancer selects from.
func (r *Registry) Healthy(service string) []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Instance, 0, len(r.services[service]))
	for _, inst := range r.services[service] {
		if inst.Enabled && inst.Status == StatusHealthy {
			out = append(out, inst.clone())
		}
	}
	return out
}

// Enable flips the enabled flag on and resets a DISABLED status to
// UNKNOWN (a subsequent health check tick will settle it to HEALTHY or
// UNHEALTHY).
func (r *Registry) Enable(service, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst := r.find(service, id)
	if inst == nil {
		return fmt.Errorf("registry: instance %s/%s not found", service, id)
	}
	inst.Enabled = true
	if inst.Status == StatusDisabled {
		inst.Status = StatusUnknown
	}
	return nil
}

// Disable flips the enabled flag off and forces status to DISABLED,
// maintaining the invariant status=DISABLED <=> enabled=false.
func (r *Registry) Disable(service, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst := r.find(service, id)
	if inst == nil {
		return fmt.Errorf("registry: instance %s/%s not found", service, id)
	}
	inst.Enabled = false
	inst.Status = StatusDisabled
	inst.ConsecutiveFailures = 0
	inst.ConsecutiveSuccesses = 0
	return nil
}

// UpdateStatus sets the instance's status and stamps last-check time,
// maintaining the counter invariants: a HEALTHY transition clears the
// failure counter and bumps the success counter; an UNHEALTHY
// transition clears the success counter and bumps the failure counter.
// A call against a since-unregistered or since-disabled instance is a
// no-op — status updates and registrations/deregistrations interleave
// freely and the registry serialises them under its own lock.
func (r *Registry) UpdateStatus(service, id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst := r.find(service, id)
	if inst == nil {
		return nil
	}
	if !inst.Enabled {
		// Disabled mid-check: discard the in-flight result.
		return nil
	}

	inst.LastCheck = time.Now()
	switch status {
	case StatusHealthy:
		inst.ConsecutiveSuccesses++
		inst.ConsecutiveFailures = 0
		inst.Status = StatusHealthy
		inst.LastError = ""
	case StatusUnhealthy:
		inst.ConsecutiveFailures++
		inst.ConsecutiveSuccesses = 0
		inst.Status = StatusUnhealthy
	default:
		inst.Status = status
	}
	return nil
}

// SetLastError records the error from the most recent failed probe,
// for admin-api visibility. It does not affect status or counters;
// UpdateStatus clears it on the next successful probe.
func (r *Registry) SetLastError(service, id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst := r.find(service, id)
	if inst == nil || err == nil {
		return
	}
	inst.LastError = err.Error()
}

// Get returns a single instance by service and ID, if present.
func (r *Registry) Get(service, id string) (Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst := r.find(service, id)
	if inst == nil {
		return Instance{}, false
	}
	return inst.clone(), true
}

// AllServices returns a snapshot of every service name and its enabled
// instances, for the admin API and the health checker's tick.
func (r *Registry) AllServices() map[string][]Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]Instance, len(r.services))
	for name, instances := range r.services {
		list := make([]Instance, 0, len(instances))
		for _, inst := range instances {
			if inst.Enabled {
				list = append(list, inst.clone())
			}
		}
		out[name] = list
	}
	return out
}

// ServiceNames returns the names of every registered service.
func (r *Registry) ServiceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	return names
}

// find must be called with r.mu held (read or write).
func (r *Registry) find(service, id string) *Instance {
	for _, inst := range r.services[service] {
		if inst.ID == id {
			return inst
		}
	}
	return nil
}
