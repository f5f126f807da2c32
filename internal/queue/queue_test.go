package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met before timeout")
}

func TestEnqueueProcessesSuccessfully(t *testing.T) {
	var processed int32
	q := New(func(ctx context.Context, messageID string) error {
		atomic.AddInt32(&processed, 1)
		return nil
	}, Config{Concurrency: 2})

	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	assert.True(t, q.Enqueue("m1"))
	waitUntil(t, time.Second, func() bool { return atomic.LoadInt32(&processed) == 1 })

	stats := q.Stats()
	assert.EqualValues(t, 1, stats.TotalProcessed)
	assert.Zero(t, stats.Pending)
}

func TestEnqueueDedupsAlreadyPending(t *testing.T) {
	block := make(chan struct{})
	var calls int32
	q := New(func(ctx context.Context, messageID string) error {
		atomic.AddInt32(&calls, 1)
		<-block
		return nil
	}, Config{Concurrency: 1})

	require.NoError(t, q.Start(context.Background()))
	defer func() {
		close(block)
		q.Stop()
	}()

	assert.True(t, q.Enqueue("dup"))
	waitUntil(t, time.Second, func() bool { return atomic.LoadInt32(&calls) == 1 })
	assert.False(t, q.Enqueue("dup"))
}

func TestRetryThenDeadLetterAfterMaxRetries(t *testing.T) {
	var mu sync.Mutex
	var attempts int
	q := New(func(ctx context.Context, messageID string) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("boom")
	}, Config{Concurrency: 1, MaxRetries: 2, BaseBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond})

	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	q.Enqueue("fails")
	waitUntil(t, 2*time.Second, func() bool { return q.Stats().DeadLetterCount == 1 })

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)

	dl := q.DeadLetters()
	require.Len(t, dl, 1)
	assert.Equal(t, "fails", dl[0].MessageID)
	assert.Equal(t, "boom", dl[0].LastError)
}

func TestEnqueueAfterStopIsNoOp(t *testing.T) {
	q := New(func(ctx context.Context, messageID string) error { return nil }, Config{Concurrency: 1})
	require.NoError(t, q.Start(context.Background()))
	require.NoError(t, q.Stop())

	assert.False(t, q.Enqueue("late"))
}
