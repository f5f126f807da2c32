package analyzers

import (
	"phishtriage/internal/domain"
)

const phishingThreshold = 5.0

// Aggregate combines the three analyzer sub-scores into the final risk
// score, severity band, and phishing verdict: when the attachment
// sub-score is non-zero, attachments weigh in at 30%; otherwise the score
// is header/content only.
func Aggregate(sub domain.SubScores) (riskScore float64, severity domain.Severity, isPhishing bool) {
	var raw float64
	if sub.Attachment > 0 {
		raw = 0.4*sub.Header + 0.3*sub.Content + 0.3*sub.Attachment
	} else {
		raw = 0.6*sub.Header + 0.4*sub.Content
	}
	riskScore = domain.Clip(raw, 10)
	isPhishing = riskScore >= phishingThreshold

	switch {
	case riskScore >= 8:
		severity = domain.SeverityCritical
	case riskScore >= 6:
		severity = domain.SeverityHigh
	case riskScore >= 3:
		severity = domain.SeverityMedium
	default:
		severity = domain.SeverityLow
	}
	return riskScore, severity, isPhishing
}

// Confidence is the mean confidence across every indicator produced for an
// email, 0 when there are none.
func Confidence(indicators []domain.ThreatIndicator) float64 {
	if len(indicators) == 0 {
		return 0
	}
	sum := 0.0
	for _, ind := range indicators {
		sum += ind.Confidence
	}
	return sum / float64(len(indicators))
}

// RecommendedActions derives the reply's action list from the verdict's
// severity band; benign mail gets none.
func RecommendedActions(severity domain.Severity, isPhishing bool) []domain.RecommendedAction {
	if !isPhishing {
		return nil
	}
	switch severity {
	case domain.SeverityCritical:
		return []domain.RecommendedAction{
			{Priority: domain.PriorityUrgent, ActionToken: "quarantine-message", Description: "Quarantine this message immediately", Automated: true, RequiresApproval: false},
			{Priority: domain.PriorityUrgent, ActionToken: "block-sender-domain", Description: "Block the sender domain", Automated: true, RequiresApproval: true},
			{Priority: domain.PriorityHigh, ActionToken: "notify-security-team", Description: "Notify the security team", Automated: true, RequiresApproval: false},
		}
	case domain.SeverityHigh:
		return []domain.RecommendedAction{
			{Priority: domain.PriorityHigh, ActionToken: "quarantine-message", Description: "Quarantine this message pending review", Automated: true, RequiresApproval: false},
			{Priority: domain.PriorityMedium, ActionToken: "notify-security-team", Description: "Notify the security team", Automated: false, RequiresApproval: true},
		}
	default:
		return []domain.RecommendedAction{
			{Priority: domain.PriorityMedium, ActionToken: "flag-for-review", Description: "Flag this message for manual review", Automated: false, RequiresApproval: true},
		}
	}
}
