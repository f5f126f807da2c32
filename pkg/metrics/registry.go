// Package metrics implements the bounded-reservoir metrics registry the
// operations endpoint reports from: per-name counters plus a fixed-size
// sample reservoir for latency-shaped values, with percentiles computed on
// demand rather than maintained incrementally.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/montanaflynn/stats"
)

const defaultReservoirSize = 1000

// Counter is a monotonically increasing value, safe for concurrent use.
type Counter struct {
	v int64
}

func (c *Counter) Inc()         { atomic.AddInt64(&c.v, 1) }
func (c *Counter) Add(n int64)  { atomic.AddInt64(&c.v, n) }
func (c *Counter) Value() int64 { return atomic.LoadInt64(&c.v) }

// reservoir is a ring buffer of the most recent N samples for one metric
// name; old samples are overwritten rather than evicted by age, matching
// the "bounded reservoir" note in the design guidance.
type reservoir struct {
	mu      sync.Mutex
	samples []float64
	next    int
	filled  bool
}

func newReservoir(size int) *reservoir {
	return &reservoir{samples: make([]float64, size)}
}

func (r *reservoir) record(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.next] = v
	r.next = (r.next + 1) % len(r.samples)
	if r.next == 0 {
		r.filled = true
	}
}

func (r *reservoir) snapshot() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.filled {
		out := make([]float64, r.next)
		copy(out, r.samples[:r.next])
		return out
	}
	out := make([]float64, len(r.samples))
	copy(out, r.samples)
	return out
}

// Percentiles holds the on-demand computed p50/p95/p99 of a reservoir.
type Percentiles struct {
	P50, P95, P99 float64
	Count         int
}

// Registry owns every named counter and reservoir in the process. One
// Registry is constructed at startup and shared by every component.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	reservoirs map[string]*reservoir
	size       int
}

func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		reservoirs: make(map[string]*reservoir),
		size:       defaultReservoirSize,
	}
}

func (r *Registry) Counter(name string) *Counter {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c = &Counter{}
	r.counters[name] = c
	return c
}

// Observe records one sample into the named reservoir, e.g. a pipeline
// stage's latency in milliseconds or a risk score.
func (r *Registry) Observe(name string, value float64) {
	r.mu.RLock()
	res, ok := r.reservoirs[name]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		if res, ok = r.reservoirs[name]; !ok {
			res = newReservoir(r.size)
			r.reservoirs[name] = res
		}
		r.mu.Unlock()
	}
	res.record(value)
}

// Percentiles computes p50/p95/p99 over the current reservoir contents.
// Returns the zero value if nothing has been observed yet.
func (r *Registry) Percentiles(name string) Percentiles {
	r.mu.RLock()
	res, ok := r.reservoirs[name]
	r.mu.RUnlock()
	if !ok {
		return Percentiles{}
	}

	samples := res.snapshot()
	if len(samples) == 0 {
		return Percentiles{}
	}

	p50, _ := stats.Percentile(samples, 50)
	p95, _ := stats.Percentile(samples, 95)
	p99, _ := stats.Percentile(samples, 99)
	return Percentiles{P50: p50, P95: p95, P99: p99, Count: len(samples)}
}

// Snapshot is a point-in-time export of every counter, suitable for the
// operations metrics endpoint.
func (r *Registry) Snapshot() map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int64, len(r.counters))
	for name, c := range r.counters {
		out[name] = c.Value()
	}
	return out
}
