package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phishtriage/pkg/resilience"
)

// Without a Distributed backend configured, Resilient must behave exactly
// like Local, the single-replica deployment mode the rate limiter's
// fallback relies on.
func TestResilientDegradedWithNoDistributed(t *testing.T) {
	local := NewLocal(10)
	defer local.Close()
	r := NewResilient(local, nil, resilience.New(resilience.DefaultConfig("test")))
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "k", "v", time.Minute))
	v, ok, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestResilientWritesThroughToLocal(t *testing.T) {
	local := NewLocal(10)
	defer local.Close()
	r := NewResilient(local, nil, resilience.New(resilience.DefaultConfig("test")))
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "k", "v", time.Minute))

	v, ok, err := local.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestResilientSortedSetDegraded(t *testing.T) {
	local := NewLocal(10)
	defer local.Close()
	r := NewResilient(local, nil, resilience.New(resilience.DefaultConfig("test")))
	ctx := context.Background()

	require.NoError(t, r.ZAdd(ctx, "w", 1, "a"))
	require.NoError(t, r.ZAdd(ctx, "w", 2, "b"))

	n, err := r.ZCount(ctx, "w", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestResilientPipelineDegraded(t *testing.T) {
	local := NewLocal(10)
	defer local.Close()
	r := NewResilient(local, nil, resilience.New(resilience.DefaultConfig("test")))
	ctx := context.Background()

	results, err := r.Pipeline().
		SetIfAbsent("msg:1", "1", time.Minute).
		SetIfAbsent("msg:1", "1", time.Minute).
		Exec(ctx)

	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].BoolVal)
	assert.False(t, results[1].BoolVal)
}
