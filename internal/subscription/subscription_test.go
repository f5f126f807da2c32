package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phishtriage/internal/mailprovider"
)

func waitForState(t *testing.T, m *Manager, want State, timeout time.Duration) Snapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var snap Snapshot
	for time.Now().Before(deadline) {
		snap = m.Snapshot()
		if snap.State == want {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, want, snap.State, "timed out waiting for state")
	return snap
}

// waitForNewSubscription polls until the manager settles into StateActive
// under a subscription ID different from prevID, guarding against sampling
// the snapshot before the triggering event has been processed by the
// manager's loop goroutine.
func waitForNewSubscription(t *testing.T, m *Manager, prevID string, timeout time.Duration) Snapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var snap Snapshot
	for time.Now().Before(deadline) {
		snap = m.Snapshot()
		if snap.State == StateActive && snap.SubscriptionID != prevID {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, StateActive, snap.State, "timed out waiting for new subscription")
	return snap
}

func TestInitializeCreatesSubscriptionWhenNoneExists(t *testing.T) {
	provider := mailprovider.NewFake()
	m := New(provider, Config{Mailbox: "inbox", Resource: "messages", RenewalMargin: time.Hour, MaxLifetime: 4230 * time.Minute}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)
	defer m.Stop()

	snap := waitForState(t, m, StateActive, time.Second)
	assert.NotEmpty(t, snap.SubscriptionID)
}

func TestInitializeAdoptsExistingSubscription(t *testing.T) {
	provider := mailprovider.NewFake()
	existing, err := provider.CreateSubscription(context.Background(), "inbox", mailprovider.SubscriptionRequest{Resource: "messages", ExpirationMinutes: 60})
	require.NoError(t, err)

	m := New(provider, Config{Mailbox: "inbox", Resource: "messages", RenewalMargin: time.Hour, MaxLifetime: 4230 * time.Minute}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)
	defer m.Stop()

	snap := waitForState(t, m, StateActive, time.Second)
	assert.Equal(t, existing.ID, snap.SubscriptionID)
}

func TestInitializeRecreatesWhenNotificationURLDiffers(t *testing.T) {
	provider := mailprovider.NewFake()
	stale, err := provider.CreateSubscription(context.Background(), "inbox", mailprovider.SubscriptionRequest{
		Resource:          "messages",
		NotificationURL:   "https://old.example.com/webhooks/mail",
		ExpirationMinutes: 60,
	})
	require.NoError(t, err)

	m := New(provider, Config{
		Mailbox:         "inbox",
		Resource:        "messages",
		NotificationURL: "https://new.example.com/webhooks/mail",
		RenewalMargin:   time.Hour,
		MaxLifetime:     4230 * time.Minute,
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)
	defer m.Stop()

	snap := waitForState(t, m, StateActive, time.Second)
	assert.NotEqual(t, stale.ID, snap.SubscriptionID, "a subscription for a different notification URL must not be adopted")
}

func TestMissedLifecycleInvokesCallback(t *testing.T) {
	provider := mailprovider.NewFake()
	called := make(chan struct{}, 1)
	m := New(provider, Config{Mailbox: "inbox", Resource: "messages", RenewalMargin: time.Hour, MaxLifetime: 4230 * time.Minute}, func(ctx context.Context) {
		called <- struct{}{}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)
	defer m.Stop()
	waitForState(t, m, StateActive, time.Second)

	m.NotifyMissed()

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("missed callback was not invoked")
	}
}

func TestSubscriptionRemovedTriggersRecreate(t *testing.T) {
	provider := mailprovider.NewFake()
	m := New(provider, Config{Mailbox: "inbox", Resource: "messages", RenewalMargin: time.Hour, MaxLifetime: 4230 * time.Minute}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)
	defer m.Stop()
	first := waitForState(t, m, StateActive, time.Second)

	m.NotifySubscriptionRemoved()
	second := waitForNewSubscription(t, m, first.SubscriptionID, time.Second)
	assert.NotEqual(t, first.SubscriptionID, second.SubscriptionID)
}

func TestStopCancelsTimer(t *testing.T) {
	provider := mailprovider.NewFake()
	m := New(provider, Config{Mailbox: "inbox", Resource: "messages", RenewalMargin: time.Hour, MaxLifetime: 4230 * time.Minute}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)
	waitForState(t, m, StateActive, time.Second)
	m.Stop()

	snap := m.Snapshot()
	assert.Equal(t, StateUninitialized, snap.State)
}
