package analyzers

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"phishtriage/internal/domain"
)

func TestAggregateNoAttachmentWeighting(t *testing.T) {
	score, severity, phishing := Aggregate(domain.SubScores{Header: 10, Content: 0, Attachment: 0})
	assert.Equal(t, 6.0, score)
	assert.Equal(t, domain.SeverityHigh, severity)
	assert.True(t, phishing)
}

func TestAggregateWithAttachmentWeighting(t *testing.T) {
	score, _, _ := Aggregate(domain.SubScores{Header: 10, Content: 10, Attachment: 10})
	assert.Equal(t, 10.0, score)
}

func TestAggregateBenignIsNotPhishing(t *testing.T) {
	score, severity, phishing := Aggregate(domain.SubScores{})
	assert.Equal(t, 0.0, score)
	assert.Equal(t, domain.SeverityLow, severity)
	assert.False(t, phishing)
}

func TestSeverityMonotonicity(t *testing.T) {
	low, _, _ := Aggregate(domain.SubScores{Header: 2})
	high, _, _ := Aggregate(domain.SubScores{Header: 2, Content: 5})
	assert.GreaterOrEqual(t, high, low)
}

func TestConfidenceMeanOfIndicators(t *testing.T) {
	indicators := []domain.ThreatIndicator{{Confidence: 0.5}, {Confidence: 0.9}}
	assert.InDelta(t, 0.7, Confidence(indicators), 0.001)
	assert.Equal(t, 0.0, Confidence(nil))
}
