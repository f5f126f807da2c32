// Package dedup suppresses replies for messages that are content-duplicates
// of a recent reply or whose sender is within its cooldown window. Both
// checks are TTL keys in the cache: Check reads both in one pipelined round
// trip (Exists and Get), and RecordProcessed writes both with plain Sets in
// another.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"phishtriage/pkg/cache"
)

// Config holds the two TTLs configuration exposes.
type Config struct {
	Enabled        bool
	ContentHashTTL time.Duration
	SenderCooldown time.Duration
}

// Decision is the outcome of a suppression check. Reason is a
// human-readable sentence suitable for logs and the suppression record.
type Decision struct {
	Allowed bool
	Reason  string
	// NextAllowed is populated on a sender-cooldown suppression; the time
	// at which the sender's cooldown will have elapsed.
	NextAllowed time.Time
}

type Deduplicator struct {
	cache cache.Cache
	cfg   Config
}

func New(c cache.Cache, cfg Config) *Deduplicator {
	return &Deduplicator{cache: c, cfg: cfg}
}

func contentHashKey(subject, body string) string {
	normalized := strings.ToLower(subject) + "||" + firstN(strings.ToLower(body), 1000)
	sum := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("dedup:hash:v1:%s", hex.EncodeToString(sum[:]))
}

func senderKey(address string) string {
	return fmt.Sprintf("dedup:sender:v1:%s", strings.ToLower(strings.TrimSpace(address)))
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Check evaluates both suppressions in one pipelined round trip without
// recording anything. Disabled deduplication always allows and performs no
// cache access.
func (d *Deduplicator) Check(ctx context.Context, sender, subject, body string) (Decision, error) {
	if !d.cfg.Enabled {
		return Decision{Allowed: true}, nil
	}

	results, err := d.cache.Pipeline().
		Exists(contentHashKey(subject, body)).
		Get(senderKey(sender)).
		Exec(ctx)
	if err != nil {
		return Decision{}, err
	}
	if len(results) != 2 {
		return Decision{}, fmt.Errorf("dedup: unexpected pipeline result count %d", len(results))
	}

	hashResult, cooldownResult := results[0], results[1]
	if hashResult.Err != nil {
		return Decision{}, hashResult.Err
	}
	if hashResult.BoolVal {
		return Decision{Allowed: false, Reason: "Duplicate email content within TTL"}, nil
	}

	if cooldownResult.Err != nil {
		return Decision{}, cooldownResult.Err
	}
	if cooldownResult.BoolVal {
		setAt, parseErr := time.Parse(time.RFC3339Nano, cooldownResult.StrVal)
		next := time.Now().Add(d.cfg.SenderCooldown)
		if parseErr == nil {
			next = setAt.Add(d.cfg.SenderCooldown)
		}
		reason := fmt.Sprintf("Sender in cooldown, next allowed at %s", next.Format(time.RFC3339))
		return Decision{Allowed: false, Reason: reason, NextAllowed: next}, nil
	}

	return Decision{Allowed: true}, nil
}

// RecordProcessed sets both suppression keys atomically via a pipeline, to
// be called once a reply has actually been sent.
func (d *Deduplicator) RecordProcessed(ctx context.Context, sender, subject, body string) error {
	if !d.cfg.Enabled {
		return nil
	}

	now := time.Now().Format(time.RFC3339Nano)
	_, err := d.cache.Pipeline().
		Set(contentHashKey(subject, body), "1", d.cfg.ContentHashTTL).
		Set(senderKey(sender), now, d.cfg.SenderCooldown).
		Exec(ctx)
	return err
}
