package metrics

import (
	"sort"
	"strings"
	"sync"
)

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

// Names used by the consensus engine.
const (
	ElectionsStarted       = "raft_elections_started_total"
	ElectionsWon           = "raft_elections_won_total"
	ElectionsLost          = "raft_elections_lost_total"
	FailureDetected        = "raft_failure_detected_total"
	StepDowns              = "raft_step_downs_total"
	IsLeader               = "raft_is_leader"
	CurrentTerm            = "raft_current_term"
	CommittedIndex         = "raft_committed_index"
	UpdateRequests         = "raft_update_requests_total"
	UpdateLatencySeconds   = "raft_update_latency_seconds"
	ReplicatedOps          = "raft_replicated_ops_total"
	FollowerMemoryPressure = "raft_follower_memory_pressure_rejections_total"
)

type noop struct{}

func (noop) IncCounter(string, map[string]string, float64)       {}
func (noop) SetGauge(string, map[string]string, float64)         {}
func (noop) ObserveHistogram(string, map[string]string, float64) {}

// Noop discards everything.
func Noop() Collector { return noop{} }

// Histogram is a count/sum/min/max summary.
type Histogram struct {
	Count uint64  `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Snapshot is a point-in-time copy of a Registry.
type Snapshot struct {
	Counters   map[string]float64   `json:"counters"`
	Gauges     map[string]float64   `json:"gauges"`
	Histograms map[string]Histogram `json:"histograms"`
}

// Registry is an in-memory Collector exposed over the status endpoint.
type Registry struct {
	mu         sync.Mutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string]*Histogram
}

func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string]*Histogram),
	}
}

func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	key := seriesKey(name, labels)
	r.mu.Lock()
	r.counters[key] += delta
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	key := seriesKey(name, labels)
	r.mu.Lock()
	r.gauges[key] = value
	r.mu.Unlock()
}

func (r *Registry) ObserveHistogram(name string, labels map[string]string, value float64) {
	key := seriesKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.histograms[key]
	if !ok {
		h = &Histogram{Min: value, Max: value}
		r.histograms[key] = h
	}
	h.Count++
	h.Sum += value
	if value < h.Min {
		h.Min = value
	}
	if value > h.Max {
		h.Max = value
	}
}

// Counter returns the current value of a counter series.
func (r *Registry) Counter(name string, labels map[string]string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[seriesKey(name, labels)]
}

// Gauge returns the current value of a gauge series.
func (r *Registry) Gauge(name string, labels map[string]string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gauges[seriesKey(name, labels)]
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Snapshot{
		Counters:   make(map[string]float64, len(r.counters)),
		Gauges:     make(map[string]float64, len(r.gauges)),
		Histograms: make(map[string]Histogram, len(r.histograms)),
	}
	for k, v := range r.counters {
		s.Counters[k] = v
	}
	for k, v := range r.gauges {
		s.Gauges[k] = v
	}
	for k, v := range r.histograms {
		s.Histograms[k] = *v
	}
	return s
}

// seriesKey renders name{k1="v1",k2="v2"} with labels sorted by key.
func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(labels[k])
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}
