package guardrails

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phishtriage/internal/domain"
	"phishtriage/pkg/cache"
)

func newTestGuardrails(cfg Config) *Guardrails {
	local := cache.NewLocal(1000)
	r := cache.NewResilient(local, nil, nil)
	return New(r, cfg)
}

func baseEmail() domain.Email {
	return domain.Email{
		MessageID: "msg-1@sender.example",
		From:      "attacker@evil.example",
		Headers:   domain.NewHeaders(map[string][]string{}),
	}
}

func TestEvaluateMissingSender(t *testing.T) {
	g := newTestGuardrails(Config{Mailbox: "me@corp.example"})
	e := baseEmail()
	e.From = "   "

	d, err := g.Evaluate(context.Background(), e)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonMissingSender, d.Reason)
}

func TestEvaluateMissingMessageID(t *testing.T) {
	g := newTestGuardrails(Config{Mailbox: "me@corp.example", AllowlistDomains: []string{"evil.example"}})
	e := baseEmail()
	e.MessageID = ""

	d, err := g.Evaluate(context.Background(), e)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonMissingMessageID, d.Reason)
}

func TestEvaluateDuplicateMessageID(t *testing.T) {
	g := newTestGuardrails(Config{Mailbox: "me@corp.example", AllowlistDomains: []string{"evil.example"}, MessageIDTTL: time.Hour})
	ctx := context.Background()
	e := baseEmail()

	first, err := g.Evaluate(ctx, e)
	require.NoError(t, err)
	assert.True(t, first.Allowed)

	second, err := g.Evaluate(ctx, e)
	require.NoError(t, err)
	assert.False(t, second.Allowed)
	assert.Equal(t, ReasonDuplicateMessageID, second.Reason)
}

func TestEvaluateSelfSenderDetected(t *testing.T) {
	g := newTestGuardrails(Config{Mailbox: "me@corp.example"})
	e := baseEmail()
	e.From = "me@corp.example"

	d, err := g.Evaluate(context.Background(), e)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonSelfSenderDetected, d.Reason)
}

func TestEvaluateSenderNotAllowlisted(t *testing.T) {
	g := newTestGuardrails(Config{Mailbox: "me@corp.example", AllowlistDomains: []string{"trusted.example"}})
	e := baseEmail()

	d, err := g.Evaluate(context.Background(), e)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonSenderNotAllowlisted, d.Reason)
}

func TestEvaluateFailsClosedInProductionWithEmptyAllowlists(t *testing.T) {
	g := newTestGuardrails(Config{Mailbox: "me@corp.example", MessageIDTTL: time.Hour, Production: true})
	e := baseEmail()

	d, err := g.Evaluate(context.Background(), e)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonSenderNotAllowlisted, d.Reason)
}

func TestEvaluateAutoResponderDetected(t *testing.T) {
	g := newTestGuardrails(Config{Mailbox: "me@corp.example", AllowlistDomains: []string{"evil.example"}})
	e := baseEmail()
	e.Headers = domain.NewHeaders(map[string][]string{"Precedence": {"bulk"}})

	d, err := g.Evaluate(context.Background(), e)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonAutoResponderDetected, d.Reason)
}

func TestEvaluateAllowsValidMessage(t *testing.T) {
	g := newTestGuardrails(Config{Mailbox: "me@corp.example", AllowlistDomains: []string{"evil.example"}, MessageIDTTL: time.Hour})
	e := baseEmail()

	d, err := g.Evaluate(context.Background(), e)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLRUAuthoritativeSkipsDistributedRoundTrip(t *testing.T) {
	g := newTestGuardrails(Config{Mailbox: "me@corp.example", AllowlistDomains: []string{"evil.example"}, MessageIDTTL: time.Hour, LRUAuthoritative: true})
	ctx := context.Background()
	e := baseEmail()

	d, err := g.Evaluate(ctx, e)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = g.Evaluate(ctx, e)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDuplicateMessageID, d.Reason)
}
