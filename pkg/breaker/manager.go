package breaker

import "sync"

// Manager holds one Cell per service, created lazily on first use. It
// follows the check-lock-check pattern spec.md mandates for lazy maps:
// a read-lock lookup first, then a write-lock with a re-check before
// inserting, so two concurrent first-requests for the same service
// never race to create two cells.
type Manager struct {
	cfg     Config
	enabled bool

	mu           sync.RWMutex
	cells        map[string]*Cell
	onTransition func(service string, state State)
}

// NewManager creates a manager that lazily builds cells with cfg.
// enabled (CIRCUIT_BREAKER_ENABLED) is only reported through Enabled:
// cells run their normal state machine either way, and the pipeline
// skips its Allow checks when Enabled is false.
func NewManager(cfg Config, enabled bool) *Manager {
	return &Manager{
		cfg:     cfg,
		enabled: enabled,
		cells:   make(map[string]*Cell),
	}
}

// Get returns the cell for a service, creating it if this is the
// service's first request.
func (m *Manager) Get(service string) *Cell {
	m.mu.RLock()
	cell, ok := m.cells[service]
	m.mu.RUnlock()
	if ok {
		return cell
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cell, ok = m.cells[service]; ok {
		return cell
	}

	cell = NewCell(m.cfg)
	if m.onTransition != nil {
		cell.SetOnTransition(func(s State) { m.onTransition(service, s) })
	}
	m.cells[service] = cell
	return cell
}

// OnTransition installs fn to be called with (service, newState) on
// every state transition, for every cell the manager holds now or
// creates later. Used by pipeline.New to feed
// gatewaymetrics.Telemetry.RecordCircuitBreakerState.
func (m *Manager) OnTransition(fn func(service string, state State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = fn
	for service, cell := range m.cells {
		svc := service
		cell.SetOnTransition(func(s State) { fn(svc, s) })
	}
}

// Enabled reports whether circuit breaking is active for this gateway.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// ResetAll forces every known cell back to CLOSED.
func (m *Manager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cell := range m.cells {
		cell.Reset()
	}
}

// Snapshot returns the current state of every cell, for the admin API.
func (m *Manager) Snapshot() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]State, len(m.cells))
	for name, cell := range m.cells {
		out[name] = cell.State()
	}
	return out
}
