package mailprovider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"phishtriage/internal/domain"
)

// Fake is a deterministic in-memory Provider used by the test suite and by
// local/demo runs without real mail API credentials. Apart from unknown
// message or subscription ids, it errors only where FailNextList, FailFetch
// or FailNextSend has armed a failure, following the general mock-adapter pattern used
// throughout the pack's test doubles.
type Fake struct {
	mu            sync.Mutex
	messages      map[string]domain.Email // by message-id
	order         []string
	sent          []OutboundMessage
	subscriptions map[string]Subscription

	failListOnce bool
	failFetchIDs map[string]bool
	failSendOnce bool
}

func NewFake() *Fake {
	return &Fake{
		messages:      make(map[string]domain.Email),
		subscriptions: make(map[string]Subscription),
		failFetchIDs:  make(map[string]bool),
	}
}

// Seed registers a message as if it had arrived in the mailbox.
func (f *Fake) Seed(e domain.Email) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.messages[e.MessageID]; !exists {
		f.order = append(f.order, e.MessageID)
	}
	f.messages[e.MessageID] = e
}

// FailNextList arms a single List failure, for testing the poll monitor's
// error-counting behavior.
func (f *Fake) FailNextList() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failListOnce = true
}

// FailFetch arms Fetch to fail for a specific message-id, for testing
// requeue/dead-letter behavior.
func (f *Fake) FailFetch(messageID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failFetchIDs[messageID] = true
}

func (f *Fake) FailNextSend() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSendOnce = true
}

// Sent returns every message handed to Send so far, in order.
func (f *Fake) Sent() []OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]OutboundMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *Fake) List(_ context.Context, _ string, filter ListFilter) (ListPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failListOnce {
		f.failListOnce = false
		return ListPage{}, fmt.Errorf("mailprovider: simulated list failure")
	}

	var matched []domain.Email
	for _, id := range f.order {
		e := f.messages[id]
		if !e.ReceivedAt.Before(filter.Since) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ReceivedAt.Before(matched[j].ReceivedAt) })

	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > len(matched) {
		pageSize = len(matched)
	}
	start := 0
	if filter.Cursor != "" {
		fmt.Sscanf(filter.Cursor, "%d", &start)
	}
	if start > len(matched) {
		start = len(matched)
	}
	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}

	page := ListPage{Messages: matched[start:end]}
	if end < len(matched) {
		page.NextCursor = fmt.Sprintf("%d", end)
	}
	return page, nil
}

func (f *Fake) Fetch(_ context.Context, _ string, messageID string) (domain.Email, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failFetchIDs[messageID] {
		delete(f.failFetchIDs, messageID)
		return domain.Email{}, fmt.Errorf("mailprovider: simulated fetch failure for %s", messageID)
	}
	e, ok := f.messages[messageID]
	if !ok {
		return domain.Email{}, fmt.Errorf("mailprovider: message %s not found", messageID)
	}
	return e, nil
}

func (f *Fake) Send(_ context.Context, _ string, msg OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSendOnce {
		f.failSendOnce = false
		return fmt.Errorf("mailprovider: simulated send failure")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *Fake) ListSubscriptions(_ context.Context, _ string) ([]Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Subscription, 0, len(f.subscriptions))
	for _, s := range f.subscriptions {
		out = append(out, s)
	}
	return out, nil
}

func (f *Fake) CreateSubscription(_ context.Context, _ string, req SubscriptionRequest) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := Subscription{
		ID:              uuid.NewString(),
		Resource:        req.Resource,
		NotificationURL: req.NotificationURL,
		ExpiresAt:       time.Now().Add(time.Duration(req.ExpirationMinutes) * time.Minute),
	}
	f.subscriptions[s.ID] = s
	return s, nil
}

func (f *Fake) RenewSubscription(_ context.Context, _ string, subscriptionID string, expirationMinutes int) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subscriptions[subscriptionID]
	if !ok {
		return Subscription{}, fmt.Errorf("mailprovider: subscription %s not found", subscriptionID)
	}
	s.ExpiresAt = time.Now().Add(time.Duration(expirationMinutes) * time.Minute)
	f.subscriptions[subscriptionID] = s
	return s, nil
}

func (f *Fake) DeleteSubscription(_ context.Context, _ string, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscriptions, subscriptionID)
	return nil
}
