package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phishtriage/internal/dedup"
	"phishtriage/internal/domain"
	"phishtriage/internal/enrich"
	"phishtriage/internal/guardrails"
	"phishtriage/internal/mailprovider"
	"phishtriage/internal/ratelimit"
	"phishtriage/pkg/cache"
	"phishtriage/pkg/metrics"
)

const testMailbox = "soc@example.com"

func newTestOrchestrator(provider *mailprovider.Fake) (*Orchestrator, *dedup.Deduplicator) {
	c := cache.NewResilient(cache.NewLocal(10000), nil, nil)

	g := guardrails.New(c, guardrails.Config{
		Mailbox:      testMailbox,
		MessageIDTTL: 24 * time.Hour,
		Production:   false,
	})
	d := dedup.New(c, dedup.Config{Enabled: true, ContentHashTTL: time.Hour, SenderCooldown: time.Hour})
	l := ratelimit.New(c, ratelimit.Config{
		MaxPerHour: 100, MaxPerDay: 1000, BurstThreshold: 50,
		BurstWindow: time.Minute, BreakerReset: time.Minute,
	})
	en := enrich.New(c, enrich.Config{Enabled: false}, nil, nil, nil)

	o := New(Config{Mailbox: testMailbox, ParallelLimit: 5}, Deps{
		Provider: provider,
		Guard:    g,
		Enricher: en,
		Dedup:    d,
		Limiter:  l,
		Metrics:  metrics.NewRegistry(),
	})
	return o, d
}

func benignEmail() domain.Email {
	return domain.Email{
		MessageID:  "msg-benign-1",
		From:       "noreply@google.com",
		To:         testMailbox,
		Subject:    "Your quarterly report",
		ReceivedAt: time.Now(),
		Headers: domain.NewHeaders(map[string][]string{
			"Authentication-Results": {"spf=pass; dkim=pass; dmarc=pass header.from=google.com"},
		}),
		Body: "Your quarterly report is attached.",
	}
}

func phishingEmail(id string) domain.Email {
	return domain.Email{
		MessageID:  id,
		From:       "security@paypa1.com",
		To:         testMailbox,
		Subject:    "Account Verification Needed",
		ReceivedAt: time.Now(),
		Headers: domain.NewHeaders(map[string][]string{
			"Authentication-Results": {"spf=fail; dkim=fail; dmarc=fail header.from=paypa1.com"},
		}),
		Body: "URGENT: Verify your account password at https://192.168.1.1/paypal - act now!",
	}
}

func TestBenignEmailProducesSafeNormalReply(t *testing.T) {
	provider := mailprovider.NewFake()
	o, _ := newTestOrchestrator(provider)
	e := benignEmail()
	provider.Seed(e)

	err := o.ProcessPush(context.Background(), e.MessageID)
	require.NoError(t, err)

	sent := provider.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, mailprovider.ImportanceNormal, sent[0].Importance)
	assert.Contains(t, sent[0].HTMLBody, "not flagged")
}

func TestClassicPhishingProducesCriticalHighImportanceReply(t *testing.T) {
	provider := mailprovider.NewFake()
	o, _ := newTestOrchestrator(provider)
	e := phishingEmail("msg-phish-1")
	provider.Seed(e)

	err := o.ProcessPush(context.Background(), e.MessageID)
	require.NoError(t, err)

	sent := provider.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, mailprovider.ImportanceHigh, sent[0].Importance)
	assert.Contains(t, sent[0].HTMLBody, "likely phishing")
}

func TestDuplicateContentFromDifferentSenderSuppressedAfterFirstReply(t *testing.T) {
	provider := mailprovider.NewFake()
	o, d := newTestOrchestrator(provider)

	first := phishingEmail("msg-dup-1")
	second := phishingEmail("msg-dup-2")
	second.From = "other-sender@not-paypal.example"
	provider.Seed(first)
	provider.Seed(second)

	require.NoError(t, o.ProcessPush(context.Background(), first.MessageID))
	require.NoError(t, o.ProcessPush(context.Background(), second.MessageID))

	assert.Len(t, provider.Sent(), 1)

	dec, err := d.Check(context.Background(), second.From, second.Subject, second.Body)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "Duplicate email")
}

func TestSelfSenderDoesNotTriggerAnalysisOrReply(t *testing.T) {
	provider := mailprovider.NewFake()
	o, _ := newTestOrchestrator(provider)
	e := benignEmail()
	e.MessageID = "msg-self-1"
	e.From = testMailbox
	provider.Seed(e)

	require.NoError(t, o.ProcessPush(context.Background(), e.MessageID))
	assert.Empty(t, provider.Sent())
}

func TestAutoResponderDoesNotTriggerReply(t *testing.T) {
	provider := mailprovider.NewFake()
	o, _ := newTestOrchestrator(provider)
	e := benignEmail()
	e.MessageID = "msg-auto-1"
	e.Headers = domain.NewHeaders(map[string][]string{"Auto-Submitted": {"auto-replied"}})
	provider.Seed(e)

	require.NoError(t, o.ProcessPush(context.Background(), e.MessageID))
	assert.Empty(t, provider.Sent())
}

func TestSameMessageIDViaPushAndPollOnlyRepliesOnce(t *testing.T) {
	provider := mailprovider.NewFake()
	o, _ := newTestOrchestrator(provider)
	e := phishingEmail("msg-race-1")
	provider.Seed(e)

	require.NoError(t, o.ProcessPush(context.Background(), e.MessageID))
	deduped := o.ProcessPoll(context.Background(), e.MessageID)

	assert.True(t, deduped, "poll should report the push-processed message-id as a duplicate")
	assert.Len(t, provider.Sent(), 1)
}

func TestFetchFailureOnPushPathReturnsErrorForQueueRetry(t *testing.T) {
	provider := mailprovider.NewFake()
	o, _ := newTestOrchestrator(provider)
	provider.FailFetch("missing-1")

	err := o.ProcessPush(context.Background(), "missing-1")
	assert.Error(t, err)
}

func TestFetchFailureOnPollPathIsSwallowed(t *testing.T) {
	provider := mailprovider.NewFake()
	o, _ := newTestOrchestrator(provider)
	provider.FailFetch("missing-2")

	assert.NotPanics(t, func() {
		o.ProcessPoll(context.Background(), "missing-2")
	})
}

func TestIdempotentAnalysisAcrossRepeatedRuns(t *testing.T) {
	provider := mailprovider.NewFake()
	o, _ := newTestOrchestrator(provider)
	e := phishingEmail("msg-idem-1")

	first, ok1 := o.analyze(context.Background(), Ctx{CorrelationID: "a"}, e)
	second, ok2 := o.analyze(context.Background(), Ctx{CorrelationID: "b"}, e)
	require.True(t, ok1)
	require.True(t, ok2)

	assert.Equal(t, first.RiskScore, second.RiskScore)
	assert.Equal(t, first.IsPhishing, second.IsPhishing)
	assert.Equal(t, first.Severity, second.Severity)
	assert.Equal(t, len(first.Indicators), len(second.Indicators))
}
