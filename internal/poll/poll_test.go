package poll

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phishtriage/internal/domain"
	"phishtriage/internal/mailprovider"
)

func TestPollInvokesHandleForEachMessage(t *testing.T) {
	provider := mailprovider.NewFake()
	provider.Seed(domain.Email{MessageID: "m1", ReceivedAt: time.Now()})
	provider.Seed(domain.Email{MessageID: "m2", ReceivedAt: time.Now()})

	var mu sync.Mutex
	var seen []string
	m := New(provider, Config{Interval: time.Hour, Lookback: time.Hour, Mailbox: "inbox"}, func(ctx context.Context, messageID string) bool {
		mu.Lock()
		seen = append(seen, messageID)
		mu.Unlock()
		return false
	})

	m.Start(context.Background())
	defer m.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)

	stats := m.Stats()
	assert.EqualValues(t, 1, stats.PollCount)
	assert.EqualValues(t, 2, stats.NewMessages)
	assert.EqualValues(t, 0, stats.DedupFiltered)
}

func TestPollTracksDedupFilteredSeparatelyFromNew(t *testing.T) {
	provider := mailprovider.NewFake()
	provider.Seed(domain.Email{MessageID: "new-1", ReceivedAt: time.Now()})
	provider.Seed(domain.Email{MessageID: "dup-1", ReceivedAt: time.Now()})

	m := New(provider, Config{Interval: time.Hour, Lookback: time.Hour, Mailbox: "inbox"}, func(ctx context.Context, messageID string) bool {
		return messageID == "dup-1"
	})

	m.Start(context.Background())
	defer m.Stop()

	require.Eventually(t, func() bool { return m.Stats().PollCount >= 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		s := m.Stats()
		return s.NewMessages == 1 && s.DedupFiltered == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPollErrorIsCountedAndLoopContinues(t *testing.T) {
	provider := mailprovider.NewFake()
	provider.FailNextList()

	m := New(provider, Config{Interval: 20 * time.Millisecond, Lookback: time.Hour, Mailbox: "inbox"}, func(ctx context.Context, messageID string) bool { return false })
	m.Start(context.Background())
	defer m.Stop()

	require.Eventually(t, func() bool { return m.Stats().Errors == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return m.Stats().PollCount >= 2 }, time.Second, 5*time.Millisecond)
}

func TestPollHandlesAllMessagesInLookbackWindow(t *testing.T) {
	provider := mailprovider.NewFake()
	for i := 0; i < 5; i++ {
		provider.Seed(domain.Email{MessageID: string(rune('a' + i)), ReceivedAt: time.Now()})
	}

	var mu sync.Mutex
	count := 0
	m := New(provider, Config{Interval: time.Hour, Lookback: time.Hour, Mailbox: "inbox", MaxPages: 10}, func(ctx context.Context, messageID string) bool {
		mu.Lock()
		count++
		mu.Unlock()
		return false
	})

	m.Start(context.Background())
	defer m.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 5
	}, time.Second, 5*time.Millisecond)
}
