package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phishtriage/pkg/cache"
)

func newTestDedup(cfg Config) *Deduplicator {
	local := cache.NewLocal(1000)
	r := cache.NewResilient(local, nil, nil)
	return New(r, cfg)
}

func TestCheckAllowsFirstMessage(t *testing.T) {
	d := newTestDedup(Config{Enabled: true, ContentHashTTL: time.Hour, SenderCooldown: time.Minute})
	ctx := context.Background()

	dec, err := d.Check(ctx, "a@example.com", "hello", "body text")
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
}

func TestRecordProcessedSuppressesContentDuplicate(t *testing.T) {
	d := newTestDedup(Config{Enabled: true, ContentHashTTL: time.Hour, SenderCooldown: time.Minute})
	ctx := context.Background()

	require.NoError(t, d.RecordProcessed(ctx, "a@example.com", "hello", "body text"))

	dec, err := d.Check(ctx, "b@example.com", "Hello", "Body Text")
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "Duplicate email")
}

func TestRecordProcessedSuppressesSenderCooldown(t *testing.T) {
	d := newTestDedup(Config{Enabled: true, ContentHashTTL: time.Hour, SenderCooldown: time.Minute})
	ctx := context.Background()

	require.NoError(t, d.RecordProcessed(ctx, "a@example.com", "subject one", "body one"))

	dec, err := d.Check(ctx, "A@Example.com", "different subject", "different body")
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "next allowed")
	assert.True(t, dec.NextAllowed.After(time.Now()))
}

func TestDisabledDedupAlwaysAllows(t *testing.T) {
	d := newTestDedup(Config{Enabled: false})
	ctx := context.Background()

	require.NoError(t, d.RecordProcessed(ctx, "a@example.com", "s", "b"))
	dec, err := d.Check(ctx, "a@example.com", "s", "b")
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
}
