// Package mailprovider defines the narrow port the rest of the system
// consumes the external mail API through: listing and fetching messages,
// sending replies, and managing change-notification subscriptions. The
// in-memory Fake is the only implementation in this repository.
package mailprovider

import (
	"context"
	"time"

	"phishtriage/internal/domain"
)

// Importance mirrors the mail API's message importance header.
type Importance string

const (
	ImportanceNormal Importance = "normal"
	ImportanceHigh   Importance = "high"
)

// OutboundMessage is what the Reply Builder hands to Send.
type OutboundMessage struct {
	Subject    string
	Recipients []string
	HTMLBody   string
	Importance Importance
}

// ListFilter parameterizes List: messages received at or after Since,
// ordered ascending, paginated via Cursor/PageSize.
type ListFilter struct {
	Since    time.Time
	PageSize int
	Cursor   string
}

// ListPage is one page of a List call; NextCursor is empty when there are
// no more pages.
type ListPage struct {
	Messages   []domain.Email
	NextCursor string
}

// Subscription is the provider-side state of one change-notification
// subscription.
type Subscription struct {
	ID              string
	Resource        string
	NotificationURL string
	ExpiresAt       time.Time
}

// SubscriptionRequest is what CreateSubscription needs to create a
// subscription; RenewSubscription takes only an id and a lifetime.
type SubscriptionRequest struct {
	Resource         string
	NotificationURL  string
	ClientState      string
	ExpirationMinutes int
}

// Provider is the full port the rest of the system depends on. The only
// implementation in this repository is the deterministic in-memory Fake
// (fake.go); no Microsoft Graph or Gmail adapter is included.
type Provider interface {
	List(ctx context.Context, mailbox string, filter ListFilter) (ListPage, error)
	Fetch(ctx context.Context, mailbox, messageID string) (domain.Email, error)
	Send(ctx context.Context, mailbox string, msg OutboundMessage) error

	ListSubscriptions(ctx context.Context, mailbox string) ([]Subscription, error)
	CreateSubscription(ctx context.Context, mailbox string, req SubscriptionRequest) (Subscription, error)
	RenewSubscription(ctx context.Context, mailbox, subscriptionID string, expirationMinutes int) (Subscription, error)
	DeleteSubscription(ctx context.Context, mailbox, subscriptionID string) error
}

// MaxSubscriptionLifetime is the provider's maximum allowed subscription
// lifetime.
const MaxSubscriptionLifetime = 4230 * time.Minute
