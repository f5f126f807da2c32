// Package resilience provides the three-state circuit breaker shared by
// the cache substrate's Resilient wrapper and the rate limiter's burst breaker.
// The LLM explainer uses github.com/sony/gobreaker instead of this one;
// see internal/explain.
package resilience

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// State represents the state of the circuit breaker.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrOpen            = errors.New("circuit breaker is open")
	ErrTooManyInFlight = errors.New("too many requests in half-open state")
)

// Config parameterizes a breaker. Two independent trip conditions are
// supported, either of which opens a closed breaker:
//
//   - FailureThreshold consecutive failures (0 disables this condition),
//     the right shape for breakers that must trip on a single event, like
//     the rate limiter's burst breaker.
//   - A failure ratio of at least ErrorThresholdPct percent once at least
//     VolumeThreshold requests have been observed in the current rolling
//     Interval (ErrorThresholdPct 0 disables this condition). A sparse
//     failure among many successes does not trip this one.
//
// Timeout is how long an open breaker waits before probing half-open.
type Config struct {
	Name               string
	FailureThreshold   int
	ErrorThresholdPct  int
	VolumeThreshold    int
	Interval           time.Duration
	SuccessThreshold   int
	Timeout            time.Duration
	MaxHalfOpenRequest int
}

func DefaultConfig(name string) Config {
	return Config{
		Name:               name,
		FailureThreshold:   5,
		ErrorThresholdPct:  50,
		VolumeThreshold:    10,
		Interval:           time.Minute,
		SuccessThreshold:   2,
		Timeout:            30 * time.Second,
		MaxHalfOpenRequest: 1,
	}
}

// Breaker implements the circuit breaker pattern: closed -> open on
// sustained failure, open -> half-open after a timeout, half-open -> closed
// on success or back to open on any failure.
type Breaker struct {
	cfg Config

	state            int32
	failureCount     int32
	successCount     int32
	halfOpenRequests int32

	mu              sync.RWMutex
	lastFailureTime time.Time
	windowStart     time.Time
	windowRequests  int
	windowFailures  int
	onStateChange   func(name string, from, to State)
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold == 0 && cfg.ErrorThresholdPct == 0 {
		cfg = DefaultConfig(cfg.Name)
	}
	if cfg.ErrorThresholdPct > 0 {
		if cfg.VolumeThreshold <= 0 {
			cfg.VolumeThreshold = 1
		}
		if cfg.Interval <= 0 {
			cfg.Interval = time.Minute
		}
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.MaxHalfOpenRequest <= 0 {
		cfg.MaxHalfOpenRequest = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Breaker{cfg: cfg, windowStart: time.Now()}
}

func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	b.onStateChange = fn
	b.mu.Unlock()
}

func (b *Breaker) State() State {
	return State(atomic.LoadInt32(&b.state))
}

// Execute runs fn under breaker protection, recording success/failure.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}
	err := fn()
	b.afterRequest(err)
	return err
}

func (b *Breaker) beforeRequest() error {
	switch b.State() {
	case StateClosed:
		return nil
	case StateOpen:
		b.mu.RLock()
		last := b.lastFailureTime
		b.mu.RUnlock()
		if time.Since(last) > b.cfg.Timeout {
			b.setState(StateHalfOpen)
			atomic.StoreInt32(&b.halfOpenRequests, 0)
			atomic.StoreInt32(&b.successCount, 0)
			return nil
		}
		return ErrOpen
	case StateHalfOpen:
		if int(atomic.AddInt32(&b.halfOpenRequests, 1)) > b.cfg.MaxHalfOpenRequest {
			atomic.AddInt32(&b.halfOpenRequests, -1)
			return ErrTooManyInFlight
		}
		return nil
	}
	return nil
}

// recordWindow folds one request outcome into the rolling ratio window and
// reports whether the failure-ratio condition is currently met.
func (b *Breaker) recordWindow(failed bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if b.cfg.Interval > 0 && now.Sub(b.windowStart) > b.cfg.Interval {
		b.windowStart = now
		b.windowRequests, b.windowFailures = 0, 0
	}
	b.windowRequests++
	if failed {
		b.windowFailures++
		b.lastFailureTime = now
	}
	return b.cfg.ErrorThresholdPct > 0 &&
		b.windowRequests >= b.cfg.VolumeThreshold &&
		b.windowFailures*100 >= b.cfg.ErrorThresholdPct*b.windowRequests
}

func (b *Breaker) afterRequest(err error) {
	state := b.State()
	ratioTripped := b.recordWindow(err != nil)

	if err != nil {
		atomic.AddInt32(&b.failureCount, 1)
		atomic.StoreInt32(&b.successCount, 0)

		switch state {
		case StateClosed:
			consecutiveTripped := b.cfg.FailureThreshold > 0 &&
				int(atomic.LoadInt32(&b.failureCount)) >= b.cfg.FailureThreshold
			if consecutiveTripped || ratioTripped {
				b.setState(StateOpen)
			}
		case StateHalfOpen:
			b.setState(StateOpen)
			atomic.AddInt32(&b.halfOpenRequests, -1)
		}
		return
	}

	atomic.AddInt32(&b.successCount, 1)
	if state == StateClosed {
		atomic.StoreInt32(&b.failureCount, 0)
	}
	if state == StateHalfOpen {
		atomic.AddInt32(&b.halfOpenRequests, -1)
		if int(atomic.LoadInt32(&b.successCount)) >= b.cfg.SuccessThreshold {
			b.setState(StateClosed)
		}
	}
}

func (b *Breaker) setState(newState State) {
	old := State(atomic.SwapInt32(&b.state, int32(newState)))
	if old == newState {
		return
	}
	atomic.StoreInt32(&b.failureCount, 0)
	atomic.StoreInt32(&b.successCount, 0)

	b.mu.Lock()
	b.windowStart = time.Now()
	b.windowRequests, b.windowFailures = 0, 0
	cb := b.onStateChange
	b.mu.Unlock()
	if cb != nil {
		cb(b.cfg.Name, old, newState)
	}
}

// Reset forces the breaker back to closed, for tests and admin actions.
func (b *Breaker) Reset() {
	b.setState(StateClosed)
	atomic.StoreInt32(&b.failureCount, 0)
	atomic.StoreInt32(&b.successCount, 0)
	atomic.StoreInt32(&b.halfOpenRequests, 0)
}
