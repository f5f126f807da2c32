// Package subscription manages the single push-notification subscription
// for the watched mailbox: adopt-or-create on startup, a one-shot renewal
// timer re-armed to the subscription's own expiration each time it
// changes, recreate on renewal failure, and fixed-backoff retry when
// recreation fails too.
package subscription

import (
	"context"
	"sync"
	"time"

	"phishtriage/internal/mailprovider"
	"phishtriage/pkg/logger"
)

// State is the Subscription Manager's state machine position.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateActive        State = "active"
	StateRenewing      State = "renewing"
	StateRecreating    State = "recreating"
	StateFailedRetry   State = "failed-retry"
)

// Snapshot is the read-only view of the manager's current state.
type Snapshot struct {
	SubscriptionID string
	ExpirationTime time.Time
	IsActive       bool
	State          State
}

// Config parameterizes the managed subscription and its renewal margin.
type Config struct {
	Mailbox         string
	Resource        string
	NotificationURL string
	ClientState     string
	RenewalMargin   time.Duration
	RetryBackoff    time.Duration
	MaxLifetime     time.Duration
}

// MissedCallback is invoked when the provider reports a missed
// notification window, so the poll fallback monitor can catch up.
type MissedCallback func(ctx context.Context)

// Manager owns exactly one timer for exactly one subscription. All state
// transitions happen on the single goroutine running loop(); external
// callers only ever send on the manager's channels or read Snapshot(),
// which takes the lock.
type Manager struct {
	provider mailprovider.Provider
	cfg      Config
	onMissed MissedCallback

	mu    sync.RWMutex
	state State
	sub   mailprovider.Subscription

	initCh      chan struct{}
	renewCh     chan struct{}
	lifecycleCh chan lifecycleEvent
	stopCh      chan struct{}
	doneCh      chan struct{}
}

type lifecycleEvent struct {
	kind string
}

const (
	eventSubscriptionRemoved     = "subscriptionRemoved"
	eventReauthorizationRequired = "reauthorizationRequired"
	eventMissed                  = "missed"
)

func New(provider mailprovider.Provider, cfg Config, onMissed MissedCallback) *Manager {
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = mailprovider.MaxSubscriptionLifetime
	}
	return &Manager{
		provider:    provider,
		cfg:         cfg,
		onMissed:    onMissed,
		state:       StateUninitialized,
		initCh:      make(chan struct{}, 1),
		renewCh:     make(chan struct{}, 1),
		lifecycleCh: make(chan lifecycleEvent, 4),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start launches the owning goroutine and requests initialization.
func (m *Manager) Start(ctx context.Context) {
	go m.loop(ctx)
	m.initCh <- struct{}{}
}

// Stop cancels the active timer and stops the owning goroutine.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

// Lifecycle feeds a provider-reported lifecycle event into the manager.
func (m *Manager) Lifecycle(kind string) {
	select {
	case m.lifecycleCh <- lifecycleEvent{kind: kind}:
	default:
	}
}

// Snapshot returns the manager's current read-only state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		SubscriptionID: m.sub.ID,
		ExpirationTime: m.sub.ExpiresAt,
		IsActive:       m.state == StateActive,
		State:          m.state,
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) setSub(sub mailprovider.Subscription) {
	m.mu.Lock()
	m.sub = sub
	m.mu.Unlock()
}

// loop is the single goroutine that owns the renewal timer; exactly one
// timer.C is ever selected on at a time.
func (m *Manager) loop(ctx context.Context) {
	defer close(m.doneCh)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	armTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		snap := m.Snapshot()
		if snap.ExpirationTime.IsZero() {
			return
		}
		fireAt := snap.ExpirationTime.Add(-m.cfg.RenewalMargin)
		delay := time.Until(fireAt)
		if delay < 0 {
			delay = 0
		}
		timer = time.NewTimer(delay)
	}

	timerC := func() <-chan time.Time {
		if timer == nil {
			return nil
		}
		return timer.C
	}

	for {
		select {
		case <-m.stopCh:
			m.setState(StateUninitialized)
			return

		case <-m.initCh:
			m.initialize(ctx)
			armTimer()

		case <-m.renewCh:
			m.renew(ctx)
			armTimer()

		case ev := <-m.lifecycleCh:
			m.handleLifecycle(ctx, ev)
			armTimer()

		case <-timerC():
			m.renew(ctx)
			armTimer()
		}
	}
}

func (m *Manager) initialize(ctx context.Context) {
	log := logger.Get()
	subs, err := m.provider.ListSubscriptions(ctx, m.cfg.Mailbox)
	if err != nil {
		log.Error().Err(err).Msg("subscription: list failed during initialize")
		m.setState(StateFailedRetry)
		return
	}

	for _, s := range subs {
		if s.Resource == m.cfg.Resource && s.NotificationURL == m.cfg.NotificationURL {
			m.setSub(s)
			m.setState(StateActive)
			return
		}
	}

	m.create(ctx)
}

func (m *Manager) create(ctx context.Context) {
	log := logger.Get()
	sub, err := m.provider.CreateSubscription(ctx, m.cfg.Mailbox, mailprovider.SubscriptionRequest{
		Resource:          m.cfg.Resource,
		NotificationURL:   m.cfg.NotificationURL,
		ClientState:       m.cfg.ClientState,
		ExpirationMinutes: int(m.cfg.MaxLifetime / time.Minute),
	})
	if err != nil {
		log.Error().Err(err).Msg("subscription: create failed")
		m.setState(StateFailedRetry)
		m.scheduleRetry(ctx)
		return
	}
	m.setSub(sub)
	m.setState(StateActive)
}

func (m *Manager) renew(ctx context.Context) {
	log := logger.Get()
	m.setState(StateRenewing)

	snap := m.Snapshot()
	remaining := time.Until(snap.ExpirationTime)
	if m.cfg.RenewalMargin >= remaining {
		log.Warn().Msg("subscription: renewal margin exceeds remaining lifetime, renewing immediately")
	}

	if snap.SubscriptionID == "" {
		m.recreate(ctx)
		return
	}

	sub, err := m.provider.RenewSubscription(ctx, m.cfg.Mailbox, snap.SubscriptionID, int(m.cfg.MaxLifetime/time.Minute))
	if err != nil {
		log.Error().Err(err).Msg("subscription: renew failed, recreating")
		m.recreate(ctx)
		return
	}
	m.setSub(sub)
	m.setState(StateActive)
}

func (m *Manager) recreate(ctx context.Context) {
	log := logger.Get()
	m.setState(StateRecreating)

	sub, err := m.provider.CreateSubscription(ctx, m.cfg.Mailbox, mailprovider.SubscriptionRequest{
		Resource:          m.cfg.Resource,
		NotificationURL:   m.cfg.NotificationURL,
		ClientState:       m.cfg.ClientState,
		ExpirationMinutes: int(m.cfg.MaxLifetime / time.Minute),
	})
	if err != nil {
		log.Error().Err(err).Msg("subscription: recreate failed")
		m.setState(StateFailedRetry)
		m.scheduleRetry(ctx)
		return
	}
	m.setSub(sub)
	m.setState(StateActive)
}

func (m *Manager) scheduleRetry(ctx context.Context) {
	backoff := m.cfg.RetryBackoff
	if backoff <= 0 {
		backoff = time.Minute
	}
	go func() {
		select {
		case <-time.After(backoff):
			select {
			case m.renewCh <- struct{}{}:
			default:
			}
		case <-ctx.Done():
		case <-m.stopCh:
		}
	}()
}

func (m *Manager) handleLifecycle(ctx context.Context, ev lifecycleEvent) {
	switch ev.kind {
	case eventSubscriptionRemoved:
		m.recreate(ctx)
	case eventReauthorizationRequired:
		m.renew(ctx)
	case eventMissed:
		if m.onMissed != nil {
			m.onMissed(ctx)
		}
	}
}

// NotifySubscriptionRemoved reports that the provider reports the
// subscription no longer exists.
func (m *Manager) NotifySubscriptionRemoved() { m.Lifecycle(eventSubscriptionRemoved) }

// NotifyReauthorizationRequired reports that the provider demands a renew.
func (m *Manager) NotifyReauthorizationRequired() { m.Lifecycle(eventReauthorizationRequired) }

// NotifyMissed reports a gap in notification delivery.
func (m *Manager) NotifyMissed() { m.Lifecycle(eventMissed) }
