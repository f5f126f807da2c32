// Package queue is the push-notification intake queue: a bounded
// in-memory FIFO of message-ids with dedup-on-enqueue, retry with
// exponential backoff, and a dead-letter list. Built on
// github.com/go-pkgz/pool's WorkerGroup. Retry backoff is
// base*2^(attempts-1) capped at max, re-submitted via time.AfterFunc.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/pool"

	"phishtriage/pkg/logger"
)

// ProcessFunc handles one message-id; a non-nil error triggers a retry or,
// past MaxRetries, a dead-letter entry.
type ProcessFunc func(ctx context.Context, messageID string) error

// Config parameterizes the queue's concurrency and retry policy.
type Config struct {
	Concurrency    int
	BatchSize      int
	WorkerChanSize int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	MaxRetries     int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.WorkerChanSize <= 0 {
		c.WorkerChanSize = 64
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	return c
}

// Stats is a point-in-time snapshot of the queue's counters.
type Stats struct {
	Pending         int
	DeadLetterCount int
	TotalEnqueued   int64
	TotalProcessed  int64
	TotalFailed     int64
}

// DeadLetterEntry records one message-id that exhausted its retries.
type DeadLetterEntry struct {
	MessageID  string
	Attempts   int
	EnqueuedAt time.Time
	LastError  string
}

type item struct {
	messageID  string
	attempts   int
	enqueuedAt time.Time
	lastError  string
}

type messageWorker struct {
	q *Queue
}

func (w *messageWorker) Do(ctx context.Context, it *item) error {
	return w.q.process(ctx, it)
}

// Queue is the owning type for the notification queue's worker pool,
// pending-set, and dead-letter list.
type Queue struct {
	cfg     Config
	handle  ProcessFunc
	pool    *pool.WorkerGroup[*item]
	ctx     context.Context
	cancel  context.CancelFunc
	started bool

	mu         sync.Mutex
	pending    map[string]bool
	deadLetter []DeadLetterEntry

	totalEnqueued  int64
	totalProcessed int64
	totalFailed    int64
}

func New(handle ProcessFunc, cfg Config) *Queue {
	return &Queue{
		cfg:     cfg.withDefaults(),
		handle:  handle,
		pending: make(map[string]bool),
	}
}

// Start launches the underlying worker pool.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return nil
	}

	q.ctx, q.cancel = context.WithCancel(ctx)
	worker := &messageWorker{q: q}
	q.pool = pool.New[*item](q.cfg.Concurrency, worker).
		WithBatchSize(q.cfg.BatchSize).
		WithWorkerChanSize(q.cfg.WorkerChanSize).
		WithContinueOnError()

	if err := q.pool.Go(q.ctx); err != nil {
		return err
	}
	q.started = true
	return nil
}

// Stop is cooperative: no new items are accepted after this call, but
// items already submitted run to completion.
func (q *Queue) Stop() error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = false
	p := q.pool
	cancel := q.cancel
	q.mu.Unlock()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer closeCancel()
	err := p.Close(closeCtx)
	cancel()
	return err
}

// Enqueue adds messageID to the queue unless it is already pending.
// Returns false if it was a no-op: a duplicate, or the queue is not started.
func (q *Queue) Enqueue(messageID string) bool {
	q.mu.Lock()
	if !q.started || q.pending[messageID] {
		q.mu.Unlock()
		return false
	}
	q.pending[messageID] = true
	q.mu.Unlock()

	atomic.AddInt64(&q.totalEnqueued, 1)
	q.pool.Submit(&item{messageID: messageID, enqueuedAt: time.Now()})
	return true
}

func (q *Queue) process(ctx context.Context, it *item) error {
	it.attempts++
	err := q.handle(ctx, it.messageID)
	if err == nil {
		atomic.AddInt64(&q.totalProcessed, 1)
		q.clearPending(it.messageID)
		return nil
	}

	it.lastError = err.Error()
	if it.attempts >= q.cfg.MaxRetries {
		atomic.AddInt64(&q.totalFailed, 1)
		q.deadLetterize(it)
		q.clearPending(it.messageID)
		return err
	}

	backoff := q.cfg.BaseBackoff * time.Duration(1<<uint(it.attempts-1))
	if backoff > q.cfg.MaxBackoff {
		backoff = q.cfg.MaxBackoff
	}

	log := logger.Get()
	log.Warn().Str("message_id", it.messageID).Int("attempt", it.attempts).Dur("backoff", backoff).Msg("queue: retrying after failure")

	time.AfterFunc(backoff, func() {
		q.mu.Lock()
		started := q.started
		p := q.pool
		q.mu.Unlock()
		if started {
			p.Submit(it)
		}
	})
	return err
}

func (q *Queue) clearPending(messageID string) {
	q.mu.Lock()
	delete(q.pending, messageID)
	q.mu.Unlock()
}

func (q *Queue) deadLetterize(it *item) {
	q.mu.Lock()
	q.deadLetter = append(q.deadLetter, DeadLetterEntry{
		MessageID:  it.messageID,
		Attempts:   it.attempts,
		EnqueuedAt: it.enqueuedAt,
		LastError:  it.lastError,
	})
	q.mu.Unlock()
}

// Stats returns a snapshot of the queue's counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:         len(q.pending),
		DeadLetterCount: len(q.deadLetter),
		TotalEnqueued:   atomic.LoadInt64(&q.totalEnqueued),
		TotalProcessed:  atomic.LoadInt64(&q.totalProcessed),
		TotalFailed:     atomic.LoadInt64(&q.totalFailed),
	}
}

// DeadLetters returns a copy of the dead-letter entries.
func (q *Queue) DeadLetters() []DeadLetterEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetterEntry, len(q.deadLetter))
	copy(out, q.deadLetter)
	return out
}
