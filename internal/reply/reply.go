// Package reply builds the HTML verdict email and outbound envelope from an
// AnalysisResult. Pure functions only: no I/O, no provider calls. Escape is
// the single path through which analyzer-derived strings reach the HTML
// body.
package reply

import (
	"fmt"
	"strings"

	"phishtriage/internal/domain"
	"phishtriage/internal/mailprovider"
)

const (
	maxIndicators = 5
	maxActions    = 3
)

var escaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#39;",
)

// Escape applies the five-entity HTML escape map used for every
// analysis-derived string placed into the reply body.
func Escape(s string) string {
	return escaper.Replace(s)
}

// Build renders result into an HTML verdict body and the outbound envelope
// ready for mailprovider.Provider.Send.
func Build(original domain.Email, result domain.AnalysisResult) mailprovider.OutboundMessage {
	subject := original.Subject
	if subject == "" {
		subject = "(No Subject)"
	}

	importance := mailprovider.ImportanceNormal
	if result.IsPhishing {
		importance = mailprovider.ImportanceHigh
	}

	return mailprovider.OutboundMessage{
		Subject:    "Re: " + subject,
		Recipients: []string{original.From},
		HTMLBody:   renderBody(result),
		Importance: importance,
	}
}

func renderBody(result domain.AnalysisResult) string {
	var b strings.Builder

	b.WriteString("<html><body>")
	fmt.Fprintf(&b, "<h2>%s</h2>", verdictHeading(result))
	fmt.Fprintf(&b, "<p><strong>Risk score:</strong> %.1f / 10 (%s)</p>", result.RiskScore, Escape(string(result.Severity)))

	if result.Explanation != "" {
		fmt.Fprintf(&b, "<p>%s</p>", Escape(result.Explanation))
	}

	indicators := result.Indicators
	if len(indicators) > maxIndicators {
		indicators = indicators[:maxIndicators]
	}
	if len(indicators) > 0 {
		b.WriteString("<h3>Indicators</h3><ul>")
		for _, ind := range indicators {
			fmt.Fprintf(&b, "<li><strong>[%s]</strong> %s</li>", Escape(string(ind.Severity)), Escape(ind.Description))
		}
		b.WriteString("</ul>")
	}

	actions := result.RecommendedActions
	if len(actions) > maxActions {
		actions = actions[:maxActions]
	}
	if len(actions) > 0 {
		b.WriteString("<h3>Recommended actions</h3><ul>")
		for _, a := range actions {
			fmt.Fprintf(&b, "<li><strong>[%s]</strong> %s</li>", Escape(string(a.Priority)), Escape(a.Description))
		}
		b.WriteString("</ul>")
	}

	fmt.Fprintf(&b, "<p><small>analysis-id: %s</small></p>", Escape(result.AnalysisID))
	b.WriteString("</body></html>")
	return b.String()
}

func verdictHeading(result domain.AnalysisResult) string {
	if result.IsPhishing {
		return "This message was flagged as likely phishing"
	}
	return "This message was reviewed and not flagged"
}
