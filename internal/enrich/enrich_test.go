package enrich

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phishtriage/internal/domain"
	"phishtriage/pkg/cache"
)

type fakeURLProvider struct {
	rep URLReputation
	err error
}

func (f fakeURLProvider) Lookup(_ context.Context, _ string) (URLReputation, error) {
	return f.rep, f.err
}

type fakeIPProvider struct {
	rep IPReputation
	err error
}

func (f fakeIPProvider) Lookup(_ context.Context, _ string) (IPReputation, error) {
	return f.rep, f.err
}

type fakeAgeProvider struct {
	age DomainAge
	err error
}

func (f fakeAgeProvider) Lookup(_ context.Context, _ string) (DomainAge, error) {
	return f.age, f.err
}

func testEmail() domain.Email {
	return domain.Email{
		MessageID: "m1",
		From:      "attacker@evil-domain.example",
		Body:      "Click here: https://evil-domain.example/reset",
		Headers:   domain.NewHeaders(map[string][]string{"X-Originating-IP": {"203.0.113.9"}}),
	}
}

func newTestCache() cache.Cache {
	return cache.NewResilient(cache.NewLocal(1000), nil, nil)
}

func TestEnrichMaliciousURLProducesCriticalIndicator(t *testing.T) {
	en := New(newTestCache(), Config{Enabled: true, Timeout: time.Second, CacheTTL: time.Minute},
		fakeURLProvider{rep: URLReputation{Malicious: true, Confidence: 0.9}}, nil, nil)

	result := en.Enrich(context.Background(), testEmail())

	require.Len(t, result.Indicators, 1)
	assert.Equal(t, domain.SeverityCritical, result.Indicators[0].Severity)
	assert.InDelta(t, 2.9, result.Risk, 0.001)
}

func TestEnrichBenignURLProducesNoIndicator(t *testing.T) {
	en := New(newTestCache(), Config{Enabled: true, Timeout: time.Second, CacheTTL: time.Minute},
		fakeURLProvider{rep: URLReputation{Malicious: false}}, nil, nil)

	result := en.Enrich(context.Background(), testEmail())

	assert.Empty(t, result.Indicators)
	assert.Zero(t, result.Risk)
}

func TestEnrichIPAbuseScoreBelowThresholdIsIgnored(t *testing.T) {
	en := New(newTestCache(), Config{Enabled: true, Timeout: time.Second, CacheTTL: time.Minute},
		nil, fakeIPProvider{rep: IPReputation{Score: 10}}, nil)

	result := en.Enrich(context.Background(), testEmail())

	assert.Empty(t, result.Indicators)
}

func TestEnrichIPAbuseScoreAboveThresholdProducesIndicator(t *testing.T) {
	en := New(newTestCache(), Config{Enabled: true, Timeout: time.Second, CacheTTL: time.Minute},
		nil, fakeIPProvider{rep: IPReputation{Score: 80}}, nil)

	result := en.Enrich(context.Background(), testEmail())

	require.Len(t, result.Indicators, 1)
	assert.Equal(t, domain.SeverityHigh, result.Indicators[0].Severity)
}

func TestEnrichYoungDomainProducesHighSeverityIndicator(t *testing.T) {
	en := New(newTestCache(), Config{Enabled: true, Timeout: time.Second, CacheTTL: time.Minute},
		nil, nil, fakeAgeProvider{age: DomainAge{AgeDays: 2}})

	result := en.Enrich(context.Background(), testEmail())

	require.Len(t, result.Indicators, 1)
	assert.Equal(t, domain.SeverityHigh, result.Indicators[0].Severity)
	assert.InDelta(t, 2.0, result.Risk, 0.001)
}

func TestEnrichProviderErrorContributesNothing(t *testing.T) {
	en := New(newTestCache(), Config{Enabled: true, Timeout: time.Second, CacheTTL: time.Minute},
		fakeURLProvider{err: errors.New("timeout")}, nil, nil)

	result := en.Enrich(context.Background(), testEmail())

	assert.Empty(t, result.Indicators)
	assert.Zero(t, result.Risk)
}

func TestEnrichDisabledSkipsAllLookups(t *testing.T) {
	en := New(newTestCache(), Config{Enabled: false}, fakeURLProvider{rep: URLReputation{Malicious: true, Confidence: 0.9}}, nil, nil)

	result := en.Enrich(context.Background(), testEmail())

	assert.Empty(t, result.Indicators)
}

func TestEnrichNoOpWhenNoProvidersConfigured(t *testing.T) {
	en := New(newTestCache(), Config{Enabled: true, Timeout: time.Second}, nil, nil, nil)

	result := en.Enrich(context.Background(), testEmail())

	assert.Empty(t, result.Indicators)
	assert.Zero(t, result.Risk)
}
