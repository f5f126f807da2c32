// Package ratelimit enforces sliding-window hourly/daily caps plus a burst
// circuit breaker on outbound replies for a mailbox. Windows are sorted
// sets in the cache substrate, trimmed and counted in one pipeline so two
// concurrent checks cannot both see under-limit.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"phishtriage/pkg/cache"
	"phishtriage/pkg/resilience"
)

// Reason identifies why canSend denied a send.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonBreakerTripped Reason = "breaker-tripped"
	ReasonHourlyCap      Reason = "hourly-cap"
	ReasonDailyCap       Reason = "daily-cap"
	ReasonBurstThreshold Reason = "burst-threshold"
)

// Config mirrors the configuration table: caps, windows, and the burst
// breaker's reset interval.
type Config struct {
	MaxPerHour     int
	MaxPerDay      int
	BurstThreshold int
	BurstWindow    time.Duration
	BreakerReset   time.Duration
}

// Stats is the point-in-time window view returned by stats(mailbox).
type Stats struct {
	LastHour       int64
	LastDay        int64
	Last10Min      int64
	BreakerTripped bool
}

// Limiter gates outbound replies for a mailbox.
type Limiter struct {
	cache   cache.Cache
	cfg     Config
	breaker *resilience.Breaker
}

func New(c cache.Cache, cfg Config) *Limiter {
	return &Limiter{
		cache: c,
		cfg:   cfg,
		breaker: resilience.New(resilience.Config{
			Name:               "rate-limiter-burst",
			FailureThreshold:   1,
			SuccessThreshold:   1,
			Timeout:            cfg.BreakerReset,
			MaxHalfOpenRequest: 1,
		}),
	}
}

func hourKey(mailbox string) string  { return fmt.Sprintf("ratelimit:v1:%s:hour", mailbox) }
func dayKey(mailbox string) string   { return fmt.Sprintf("ratelimit:v1:%s:day", mailbox) }
func burstKey(mailbox string) string { return fmt.Sprintf("ratelimit:v1:%s:burst", mailbox) }

// breakerTripped reports whether the burst breaker currently denies sends.
// A bare State() read would latch Open forever: the only thing that ever
// advances open->half-open is beforeRequest inside Execute (circuitbreaker.go),
// and nothing else on the deny path calls Execute. So once the breaker is
// Open, probe it with a no-op Execute: beforeRequest flips it to half-open
// once BreakerReset has elapsed, the no-op succeeds, and afterRequest closes
// it again (SuccessThreshold is 1 for this breaker), so a tripped breaker
// denies until the reset interval elapses instead of locking out forever.
func (l *Limiter) breakerTripped() bool {
	if l.breaker.State() != resilience.StateOpen {
		return false
	}
	return l.breaker.Execute(func() error { return nil }) != nil
}

// CanSend reports whether a reply may be sent for mailbox right now.
func (l *Limiter) CanSend(ctx context.Context, mailbox string) (bool, Reason, error) {
	if l.breakerTripped() {
		return false, ReasonBreakerTripped, nil
	}

	now := float64(time.Now().UnixNano())
	hourFloor := float64(time.Now().Add(-time.Hour).UnixNano())
	dayFloor := float64(time.Now().Add(-24 * time.Hour).UnixNano())
	burstFloor := float64(time.Now().Add(-l.cfg.BurstWindow).UnixNano())

	results, err := l.cache.Pipeline().
		ZRemRangeByScore(hourKey(mailbox), 0, hourFloor).
		ZCount(hourKey(mailbox), hourFloor, now).
		ZRemRangeByScore(dayKey(mailbox), 0, dayFloor).
		ZCount(dayKey(mailbox), dayFloor, now).
		ZRemRangeByScore(burstKey(mailbox), 0, burstFloor).
		ZCount(burstKey(mailbox), burstFloor, now).
		Exec(ctx)
	if err != nil {
		return false, "", err
	}
	if len(results) != 6 {
		return false, "", fmt.Errorf("ratelimit: unexpected pipeline result count %d", len(results))
	}

	hourCount := results[1].Int64Val
	dayCount := results[3].Int64Val
	burstCount := results[5].Int64Val

	if burstCount >= int64(l.cfg.BurstThreshold) {
		_ = l.breaker.Execute(func() error { return fmt.Errorf("burst threshold crossed") })
		return false, ReasonBurstThreshold, nil
	}
	if hourCount >= int64(l.cfg.MaxPerHour) {
		return false, ReasonHourlyCap, nil
	}
	if dayCount >= int64(l.cfg.MaxPerDay) {
		return false, ReasonDailyCap, nil
	}
	return true, ReasonNone, nil
}

// RecordSent appends the current timestamp to every sliding window. The
// member carries a nonce so two replicas recording in the same nanosecond
// still count as two entries.
func (l *Limiter) RecordSent(ctx context.Context, mailbox string) error {
	nano := time.Now().UnixNano()
	now := float64(nano)
	member := fmt.Sprintf("%d-%s", nano, uuid.NewString())

	_, err := l.cache.Pipeline().
		ZAdd(hourKey(mailbox), now, member).
		ZAdd(dayKey(mailbox), now, member).
		ZAdd(burstKey(mailbox), now, member).
		Exec(ctx)
	if err == nil {
		_ = l.breaker.Execute(func() error { return nil })
	}
	return err
}

// Stats reports the current window counts for observability.
func (l *Limiter) Stats(ctx context.Context, mailbox string) (Stats, error) {
	now := float64(time.Now().UnixNano())
	hourFloor := float64(time.Now().Add(-time.Hour).UnixNano())
	dayFloor := float64(time.Now().Add(-24 * time.Hour).UnixNano())
	tenMinFloor := float64(time.Now().Add(-10 * time.Minute).UnixNano())

	hourCount, err := l.cache.ZCount(ctx, hourKey(mailbox), hourFloor, now)
	if err != nil {
		return Stats{}, err
	}
	dayCount, err := l.cache.ZCount(ctx, dayKey(mailbox), dayFloor, now)
	if err != nil {
		return Stats{}, err
	}
	tenMinCount, err := l.cache.ZCount(ctx, burstKey(mailbox), tenMinFloor, now)
	if err != nil {
		return Stats{}, err
	}

	return Stats{
		LastHour:       hourCount,
		LastDay:        dayCount,
		Last10Min:      tenMinCount,
		BreakerTripped: l.breaker.State() == resilience.StateOpen,
	}, nil
}
