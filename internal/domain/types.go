// Package domain holds the data model shared by every stage of the triage
// pipeline: the email being analyzed, the indicators and score an analyzer
// produces, and the verdict the orchestrator assembles from them.
package domain

import "time"

// Attachment describes one file attached to an Email.
type Attachment struct {
	Filename    string
	ContentType string
	Size        int64
}

// Email is immutable once ingested; nothing downstream of the mail provider
// adapter may mutate it.
type Email struct {
	MessageID   string
	InternalID  string
	From        string
	To          string
	Subject     string
	ReceivedAt  time.Time
	Headers     map[string][]string
	Body        string
	Attachments []Attachment
}

// Header returns the first value of a header, case-insensitively, or "".
func (e *Email) Header(name string) string {
	vs := e.Headers[canonicalHeader(name)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

func canonicalHeader(name string) string {
	b := []byte(name)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c - 'A' + 'a'
		}
	}
	return string(b)
}

// NewHeaders builds the case-insensitive header map from a plain map,
// canonicalizing keys to lowercase exactly once at ingestion time.
func NewHeaders(src map[string][]string) map[string][]string {
	out := make(map[string][]string, len(src))
	for k, v := range src {
		out[canonicalHeader(k)] = v
	}
	return out
}

// Severity is shared by ThreatIndicator and the aggregate AnalysisResult.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityWeight is used by the sub-score formula in every analyzer.
var severityWeight = map[Severity]float64{
	SeverityCritical: 2.5,
	SeverityHigh:     1.5,
	SeverityMedium:   0.75,
	SeverityLow:      0.25,
}

// Weight returns the sub-score contribution of one indicator of this severity.
func (s Severity) Weight() float64 {
	return severityWeight[s]
}

// rank orders severities for monotonicity comparisons (max-severity, etc).
var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Max returns the more severe of two severities.
func Max(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// IndicatorKind classifies where an indicator originated.
type IndicatorKind string

const (
	KindHeader     IndicatorKind = "header"
	KindContent    IndicatorKind = "content"
	KindURL        IndicatorKind = "url"
	KindAttachment IndicatorKind = "attachment"
	KindSender     IndicatorKind = "sender"
	KindBehavioral IndicatorKind = "behavioral"
)

// ThreatIndicator is one concrete piece of evidence found by an analyzer or
// the threat-intel enricher.
type ThreatIndicator struct {
	Kind        IndicatorKind
	Severity    Severity
	Description string
	Evidence    string
	Confidence  float64
}

// ActionPriority orders RecommendedAction entries in the reply.
type ActionPriority string

const (
	PriorityLow    ActionPriority = "low"
	PriorityMedium ActionPriority = "medium"
	PriorityHigh   ActionPriority = "high"
	PriorityUrgent ActionPriority = "urgent"
)

// RecommendedAction is a human- or automation-facing next step attached to
// an AnalysisResult.
type RecommendedAction struct {
	Priority         ActionPriority
	ActionToken      string
	Description      string
	Automated        bool
	RequiresApproval bool
}

// SubScores holds the three per-analyzer contributions to the aggregate
// risk score, each already clipped to [0, 10].
type SubScores struct {
	Header     float64
	Content    float64
	Attachment float64
}

// AnalysisResult is created once per email and never mutated afterward.
type AnalysisResult struct {
	MessageID          string
	IsPhishing         bool
	RiskScore          float64
	Confidence         float64
	Severity           Severity
	Indicators         []ThreatIndicator
	RecommendedActions []RecommendedAction
	Explanation        string
	AnalysisID         string
	AnalysisTimestamp  time.Time
	SubScores          SubScores
}

// Clip bounds a score to the [0, max] range used throughout scoring.
func Clip(v, max float64) float64 {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}
