package metrics

import (
	"strings"
	"sync"
	"time"
)

// Registry accumulates in-process counters for the trust-enforcement core:
// upstream call outcomes, breaker transitions, gate verdicts, and chain
// completeness.
type Registry struct {
	mu          sync.RWMutex
	upstream    map[string]*UpstreamStat
	callStatus  map[string]int64
	breaker     map[string]int64
	gateReason  map[string]int64
	chainBuilds ChainStat
	gauges      map[string]float64
}

// UpstreamStat tracks per-endpoint latency and error volume.
type UpstreamStat struct {
	Count         int64   `json:"count"`
	ErrorCount    int64   `json:"error_count"`
	TotalMillis   int64   `json:"total_millis"`
	MaxMillis     int64   `json:"max_millis"`
	AverageMillis float64 `json:"average_millis"`
}

// ChainStat counts evidence-chain builds split by completeness.
type ChainStat struct {
	Complete   int64 `json:"complete"`
	Incomplete int64 `json:"incomplete"`
}

type Snapshot struct {
	GeneratedAt  string                  `json:"generated_at"`
	Upstream     map[string]UpstreamStat `json:"upstream"`
	CallStatuses map[string]int64        `json:"call_statuses"`
	Breaker      map[string]int64        `json:"breaker_transitions"`
	GateReasons  map[string]int64        `json:"gate_reasons"`
	ChainBuilds  ChainStat               `json:"chain_builds"`
	Gauges       map[string]float64      `json:"gauges"`
}

func NewRegistry() *Registry {
	return &Registry{
		upstream:   map[string]*UpstreamStat{},
		callStatus: map[string]int64{},
		breaker:    map[string]int64{},
		gateReason: map[string]int64{},
		gauges:     map[string]float64{},
	}
}

// ObserveUpstream records one upstream attempt outcome.
func (r *Registry) ObserveUpstream(endpoint string, failed bool, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.upstream[endpoint]
	if !ok {
		stat = &UpstreamStat{}
		r.upstream[endpoint] = stat
	}
	stat.Count++
	if failed {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncCallStatus counts a ledger record by status.
func (r *Registry) IncCallStatus(status string) {
	if status == "" {
		return
	}
	r.mu.Lock()
	r.callStatus[status]++
	r.mu.Unlock()
}

// IncBreakerTransition counts breaker movement per dependency|state pair.
func (r *Registry) IncBreakerTransition(dependency, state string) {
	dependency = strings.TrimSpace(dependency)
	state = strings.TrimSpace(state)
	if dependency == "" || state == "" {
		return
	}
	r.mu.Lock()
	r.breaker[dependency+"|"+state]++
	r.mu.Unlock()
}

// IncGateReason counts gate outcomes: "accepted" or a rejection reason code.
func (r *Registry) IncGateReason(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.gateReason[reason]++
	r.mu.Unlock()
}

// IncChainBuild counts one evidence-chain build.
func (r *Registry) IncChainBuild(complete bool) {
	r.mu.Lock()
	if complete {
		r.chainBuilds.Complete++
	} else {
		r.chainBuilds.Incomplete++
	}
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:  time.Now().UTC().Format(time.RFC3339),
		Upstream:     make(map[string]UpstreamStat, len(r.upstream)),
		CallStatuses: make(map[string]int64, len(r.callStatus)),
		Breaker:      make(map[string]int64, len(r.breaker)),
		GateReasons:  make(map[string]int64, len(r.gateReason)),
		ChainBuilds:  r.chainBuilds,
		Gauges:       make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.upstream {
		out.Upstream[k] = *v
	}
	for k, v := range r.callStatus {
		out.CallStatuses[k] = v
	}
	for k, v := range r.breaker {
		out.Breaker[k] = v
	}
	for k, v := range r.gateReason {
		out.GateReasons[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	return out
}
