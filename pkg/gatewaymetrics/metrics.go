// Package gatewaymetrics is the gateway's metrics registry: lazily
// created Prometheus vectors backing both the /metrics/prometheus text
// exposition and a /metrics JSON dump of the same data, grounded on
// the teacher's pkg/hermes/prometheus.go.
package gatewaymetrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Label is a single metric label key/value pair.
type Label struct {
	Key   string
	Value string
}

// Registry holds every metric the gateway emits, keyed by name. Unlike
// the teacher's PrometheusMetrics, each Registry owns a private
// prometheus.Registry instead of registering into the global default
// registry, so multiple gateway instances (and tests) never collide on
// metric names.
type Registry struct {
	reg *prometheus.Registry

	mu         sync.RWMutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// New creates an empty metrics registry.
func New() *Registry {
	return &Registry{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

// Gatherer exposes the underlying prometheus.Registry for promhttp.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func labelParts(labels []Label) ([]string, []string) {
	keys := make([]string, len(labels))
	values := make([]string, len(labels))
	for i, l := range labels {
		keys[i] = l.Key
		values[i] = l.Value
	}
	return keys, values
}

// IncCounter increments a named counter by value, creating the
// underlying CounterVec on first use (check-lock-check, as the
// teacher does for every metric kind).
func (r *Registry) IncCounter(name string, value float64, labels ...Label) {
	r.mu.RLock()
	vec, ok := r.counters[name]
	r.mu.RUnlock()

	if !ok {
		r.mu.Lock()
		if vec, ok = r.counters[name]; !ok {
			keys, _ := labelParts(labels)
			vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, keys)
			r.reg.MustRegister(vec)
			r.counters[name] = vec
		}
		r.mu.Unlock()
	}

	_, values := labelParts(labels)
	vec.WithLabelValues(values...).Add(value)
}

// ObserveHistogram records an observation into a named histogram.
func (r *Registry) ObserveHistogram(name string, value float64, labels ...Label) {
	r.mu.RLock()
	vec, ok := r.histograms[name]
	r.mu.RUnlock()

	if !ok {
		r.mu.Lock()
		if vec, ok = r.histograms[name]; !ok {
			keys, _ := labelParts(labels)
			vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: name}, keys)
			r.reg.MustRegister(vec)
			r.histograms[name] = vec
		}
		r.mu.Unlock()
	}

	_, values := labelParts(labels)
	vec.WithLabelValues(values...).Observe(value)
}

// SetGauge sets a named gauge's value.
func (r *Registry) SetGauge(name string, value float64, labels ...Label) {
	r.mu.RLock()
	vec, ok := r.gauges[name]
	r.mu.RUnlock()

	if !ok {
		r.mu.Lock()
		if vec, ok = r.gauges[name]; !ok {
			keys, _ := labelParts(labels)
			vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: name}, keys)
			r.reg.MustRegister(vec)
			r.gauges[name] = vec
		}
		r.mu.Unlock()
	}

	_, values := labelParts(labels)
	vec.WithLabelValues(values...).Set(value)
}

// Snapshot is the /metrics JSON dump shape: every metric family's
// current sample values, gathered from the same prometheus.Registry
// that backs /metrics/prometheus so the two endpoints never diverge.
type Snapshot struct {
	Counters   map[string][]Sample `json:"counters"`
	Gauges     map[string][]Sample `json:"gauges"`
	Histograms map[string][]Sample `json:"histograms"`
}

// Sample is one labeled observation of a metric family.
type Sample struct {
	Labels map[string]string `json:"labels"`
	Value  float64           `json:"value,omitempty"`
	Count  uint64            `json:"count,omitempty"`
	Sum    float64           `json:"sum,omitempty"`
}

// Dump gathers every registered metric family into a JSON-friendly
// snapshot.
func (r *Registry) Dump() (Snapshot, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		Counters:   make(map[string][]Sample),
		Gauges:     make(map[string][]Sample),
		Histograms: make(map[string][]Sample),
	}

	for _, fam := range families {
		name := fam.GetName()
		for _, m := range fam.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}

			switch fam.GetType().String() {
			case "COUNTER":
				snap.Counters[name] = append(snap.Counters[name], Sample{Labels: labels, Value: m.GetCounter().GetValue()})
			case "GAUGE":
				snap.Gauges[name] = append(snap.Gauges[name], Sample{Labels: labels, Value: m.GetGauge().GetValue()})
			case "HISTOGRAM":
				h := m.GetHistogram()
				snap.Histograms[name] = append(snap.Histograms[name], Sample{
					Labels: labels,
					Count:  h.GetSampleCount(),
					Sum:    h.GetSampleSum(),
				})
			}
		}
	}

	sortSamples(snap.Counters)
	sortSamples(snap.Gauges)
	sortSamples(snap.Histograms)

	return snap, nil
}

func sortSamples(m map[string][]Sample) {
	for _, samples := range m {
		sort.Slice(samples, func(i, j int) bool {
			return labelKey(samples[i].Labels) < labelKey(samples[j].Labels)
		})
	}
}

func labelKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for _, k := range keys {
		out += k + "=" + labels[k] + ";"
	}
	return out
}
