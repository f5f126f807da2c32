// Package guardrails runs the synchronous, fail-fast checks every fetched
// message must pass before analysis: malformed envelopes, replay, sender
// impersonation of the mailbox itself, allowlist enforcement, and
// auto-responder detection. The duplicate-message-id check is backed by a
// local LRU of recently-seen ids plus a set-if-absent key in the shared
// cache so multiple replicas agree on a single winner.
package guardrails

import (
	"context"
	"fmt"
	"strings"
	"time"

	"phishtriage/internal/domain"
	"phishtriage/pkg/cache"
)

const (
	ReasonMissingSender         = "missing-sender"
	ReasonMissingMessageID      = "missing-message-id"
	ReasonDuplicateMessageID    = "duplicate-message-id"
	ReasonSelfSenderDetected    = "self-sender-detected"
	ReasonSenderNotAllowlisted  = "sender-not-allowlisted"
	ReasonAutoResponderDetected = "auto-responder-detected"
)

// Config drives the two configurable checks: the allowlist and whether the
// local LRU's negative result can be trusted without a distributed round trip.
type Config struct {
	Mailbox          string
	AllowlistEmails  []string
	AllowlistDomains []string
	MessageIDTTL     time.Duration
	LRUAuthoritative bool
	Production       bool
	LRUSize          int
}

// Decision is the outcome of evaluating one message.
type Decision struct {
	Allowed bool
	Reason  string
}

type Guardrails struct {
	cache cache.Cache
	cfg   Config
	lru   *seenIDs
}

func New(c cache.Cache, cfg Config) *Guardrails {
	if cfg.LRUSize <= 0 {
		cfg.LRUSize = 5000
	}
	return &Guardrails{cache: c, cfg: cfg, lru: newSeenIDs(cfg.LRUSize, cfg.MessageIDTTL)}
}

// Evaluate runs every check in order, returning on the first failure.
func (g *Guardrails) Evaluate(ctx context.Context, e domain.Email) (Decision, error) {
	sender := strings.TrimSpace(e.From)
	if sender == "" {
		return Decision{Reason: ReasonMissingSender}, nil
	}

	msgID := strings.TrimSpace(e.MessageID)
	if msgID == "" {
		return Decision{Reason: ReasonMissingMessageID}, nil
	}

	dup, err := g.checkDuplicate(ctx, msgID)
	if err != nil {
		return Decision{}, err
	}
	if dup {
		return Decision{Reason: ReasonDuplicateMessageID}, nil
	}

	if g.isSelfOrSibling(sender) {
		return Decision{Reason: ReasonSelfSenderDetected}, nil
	}

	if !g.isAllowlisted(sender) {
		if len(g.cfg.AllowlistEmails) == 0 && len(g.cfg.AllowlistDomains) == 0 && g.cfg.Production {
			return Decision{Reason: ReasonSenderNotAllowlisted}, nil
		}
		if len(g.cfg.AllowlistEmails) > 0 || len(g.cfg.AllowlistDomains) > 0 {
			return Decision{Reason: ReasonSenderNotAllowlisted}, nil
		}
	}

	if isAutoResponder(sender, e) {
		return Decision{Reason: ReasonAutoResponderDetected}, nil
	}

	return Decision{Allowed: true}, nil
}

func (g *Guardrails) checkDuplicate(ctx context.Context, msgID string) (bool, error) {
	// A local hit is always trusted: message IDs are never evicted for
	// staleness reasons that would make a hit a false positive.
	if g.lru.seen(msgID) {
		return true, nil
	}

	if g.cfg.LRUAuthoritative {
		// Single-replica deployment: the local LRU is the only copy of
		// truth, so a miss is trusted without a distributed round trip.
		g.lru.record(msgID)
		return false, nil
	}

	key := fmt.Sprintf("msgid:v1:%s", msgID)
	inserted, err := g.cache.SetIfAbsent(ctx, key, "1", g.cfg.MessageIDTTL)
	if err != nil {
		return false, err
	}
	g.lru.record(msgID)
	return !inserted, nil
}

func (g *Guardrails) isSelfOrSibling(sender string) bool {
	lowerSender := strings.ToLower(sender)
	lowerMailbox := strings.ToLower(g.cfg.Mailbox)
	if lowerSender == lowerMailbox {
		return true
	}

	senderLocal, senderDomain, ok1 := splitAddress(lowerSender)
	mailboxLocal, mailboxDomain, ok2 := splitAddress(lowerMailbox)
	if !ok1 || !ok2 {
		return false
	}
	return senderDomain == mailboxDomain && strings.HasPrefix(senderLocal, mailboxLocal)
}

func (g *Guardrails) isAllowlisted(sender string) bool {
	lowerSender := strings.ToLower(sender)
	for _, allowed := range g.cfg.AllowlistEmails {
		if strings.ToLower(allowed) == lowerSender {
			return true
		}
	}
	_, domain, ok := splitAddress(lowerSender)
	if !ok {
		return false
	}
	for _, allowedDomain := range g.cfg.AllowlistDomains {
		if strings.ToLower(allowedDomain) == domain {
			return true
		}
	}
	return false
}

func splitAddress(address string) (local, domain string, ok bool) {
	idx := strings.LastIndex(address, "@")
	if idx < 0 || idx == len(address)-1 {
		return "", "", false
	}
	return address[:idx], address[idx+1:], true
}

var autoSubmittedTokens = map[string]bool{
	"auto-replied":   true,
	"auto-generated": true,
	"auto-notified":  true,
}

var precedenceTokens = map[string]bool{
	"bulk":       true,
	"junk":       true,
	"auto_reply": true,
}

var suppressTokens = map[string]bool{
	"all":       true,
	"dr":        true,
	"autoreply": true,
}

func isAutoResponder(sender string, e domain.Email) bool {
	lowerSender := strings.ToLower(sender)
	if strings.Contains(lowerSender, "mailer-daemon") || strings.Contains(lowerSender, "postmaster") {
		return true
	}
	if autoSubmittedTokens[strings.ToLower(strings.TrimSpace(e.Header("Auto-Submitted")))] {
		return true
	}
	if precedenceTokens[strings.ToLower(strings.TrimSpace(e.Header("Precedence")))] {
		return true
	}
	if suppressTokens[strings.ToLower(strings.TrimSpace(e.Header("X-Auto-Response-Suppress")))] {
		return true
	}
	return false
}
