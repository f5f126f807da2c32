package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounterIncrements(t *testing.T) {
	r := NewRegistry()
	c := r.Counter("messages.processed")
	c.Inc()
	c.Add(4)
	assert.Equal(t, int64(5), c.Value())
	assert.Equal(t, int64(5), r.Snapshot()["messages.processed"])
}

func TestPercentilesEmpty(t *testing.T) {
	r := NewRegistry()
	p := r.Percentiles("unused")
	assert.Equal(t, 0, p.Count)
}

func TestPercentilesComputed(t *testing.T) {
	r := NewRegistry()
	for i := 1; i <= 100; i++ {
		r.Observe("latency_ms", float64(i))
	}
	p := r.Percentiles("latency_ms")
	assert.Equal(t, 100, p.Count)
	assert.InDelta(t, 50, p.P50, 2)
	assert.InDelta(t, 95, p.P95, 2)
	assert.InDelta(t, 99, p.P99, 2)
}

func TestReservoirWrapsAroundBound(t *testing.T) {
	r := NewRegistry()
	r.size = 10
	for i := 0; i < 25; i++ {
		r.Observe("bounded", float64(i))
	}
	p := r.Percentiles("bounded")
	assert.Equal(t, 10, p.Count)
}
