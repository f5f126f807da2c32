// Package analyzers holds the three independent, pure rule engines that
// produce ThreatIndicators and a per-analyzer sub-score from an Email: this
// file, the header analyzer; content.go, the content analyzer; attachment.go,
// the attachment analyzer; aggregate.go combines all three into the final
// risk score. None of these hold state across calls and none perform I/O.
package analyzers

import (
	"regexp"
	"strings"

	"phishtriage/internal/domain"
)

// spfPattern, dkimPattern and dmarcPattern match the known SPF/DKIM/DMARC
// result tokens case-insensitively; the two domain patterns extract the
// header.d and smtp.mailfrom domains. All are compiled once at package init per the "compile once"
// discipline used throughout this codebase's keyword/regex tables.
var (
	spfPattern        = regexp.MustCompile(`(?i)\bspf\s*=\s*(pass|fail|softfail|neutral|temperror|permerror|none)\b`)
	dkimPattern       = regexp.MustCompile(`(?i)\bdkim\s*=\s*(pass|fail|neutral|temperror|permerror|none)\b`)
	dmarcPattern      = regexp.MustCompile(`(?i)\bdmarc\s*=\s*(pass|fail|quarantine|reject|none)\b`)
	dkimDomainPattern = regexp.MustCompile(`(?i)header\.d\s*=\s*([a-zA-Z0-9.\-]+)`)
	spfDomainPattern  = regexp.MustCompile(`(?i)smtp\.mailfrom\s*=\s*(?:[^@\s;]+@)?([a-zA-Z0-9.\-]+)`)
)

const (
	catSPFFail           = "spf-fail"
	catSPFOtherNonAuth   = "spf-other-nonauth"
	catDKIMFail          = "dkim-fail"
	catDKIMOtherNonAuth  = "dkim-other-nonauth"
	catDMARCReject       = "dmarc-reject"
	catDMARCFail         = "dmarc-fail"
	catDMARCOtherNonAuth = "dmarc-other-nonauth"
)

// headerCategoryWeight is the additional per-category contribution to the
// header sub-score, applied on top of the plain severity weight of each
// emitted indicator.
var headerCategoryWeight = map[string]float64{
	catSPFFail:           3,
	catSPFOtherNonAuth:   1.5,
	catDKIMFail:          3,
	catDKIMOtherNonAuth:  1.5,
	catDMARCReject:       4,
	catDMARCFail:         3,
	catDMARCOtherNonAuth: 1.5,
}

// AnalyzeHeader parses the Authentication-Results style headers of e and
// returns the indicators found plus the header sub-score, already clipped
// to [0, 10].
func AnalyzeHeader(e domain.Email) ([]domain.ThreatIndicator, float64) {
	var indicators []domain.ThreatIndicator
	categories := map[string]bool{}

	authResults := strings.TrimSpace(e.Header("Authentication-Results"))

	// A message with no Authentication-Results header at all is not
	// penalized per mechanism; only a present header with missing or
	// non-pass results is.
	if authResults != "" {
		if ind, cat, ok := evaluateSPF(authResults); ok {
			indicators = append(indicators, ind)
			categories[cat] = true
		}
		if ind, cat, ok := evaluateDKIM(authResults); ok {
			indicators = append(indicators, ind)
			categories[cat] = true
		}
		if ind, cat, ok := evaluateDMARC(authResults); ok {
			indicators = append(indicators, ind)
			categories[cat] = true
		}
	}

	if ind, ok := evaluateFromDomainMismatch(e, authResults); ok {
		indicators = append(indicators, ind)
	}
	if ind, ok := evaluateReplyToMismatch(e); ok {
		indicators = append(indicators, ind)
	}

	score := 0.0
	for _, ind := range indicators {
		score += ind.Severity.Weight()
	}
	for cat := range categories {
		score += headerCategoryWeight[cat]
	}
	return indicators, domain.Clip(score, 10)
}

func extractMechanism(pattern *regexp.Regexp, authResults string) string {
	m := pattern.FindStringSubmatch(authResults)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}

func evaluateSPF(authResults string) (domain.ThreatIndicator, string, bool) {
	status := extractMechanism(spfPattern, authResults)
	switch status {
	case "", "none":
		return domain.ThreatIndicator{
			Kind:        domain.KindHeader,
			Severity:    domain.SeverityMedium,
			Description: "SPF authentication result is missing",
			Evidence:    "no spf= token found in Authentication-Results",
			Confidence:  0.6,
		}, catSPFOtherNonAuth, true
	case "pass":
		return domain.ThreatIndicator{}, "", false
	case "fail":
		return domain.ThreatIndicator{
			Kind:        domain.KindHeader,
			Severity:    domain.SeverityHigh,
			Description: "SPF check failed",
			Evidence:    "spf=fail",
			Confidence:  0.9,
		}, catSPFFail, true
	default:
		return domain.ThreatIndicator{
			Kind:        domain.KindHeader,
			Severity:    domain.SeverityMedium,
			Description: "SPF result is non-authoritative (" + status + ")",
			Evidence:    "spf=" + status,
			Confidence:  0.6,
		}, catSPFOtherNonAuth, true
	}
}

func evaluateDKIM(authResults string) (domain.ThreatIndicator, string, bool) {
	status := extractMechanism(dkimPattern, authResults)
	switch status {
	case "", "none":
		return domain.ThreatIndicator{
			Kind:        domain.KindHeader,
			Severity:    domain.SeverityMedium,
			Description: "DKIM signature result is missing",
			Evidence:    "no dkim= token found in Authentication-Results",
			Confidence:  0.6,
		}, catDKIMOtherNonAuth, true
	case "pass":
		return domain.ThreatIndicator{}, "", false
	case "fail":
		return domain.ThreatIndicator{
			Kind:        domain.KindHeader,
			Severity:    domain.SeverityHigh,
			Description: "DKIM signature verification failed",
			Evidence:    "dkim=fail",
			Confidence:  0.9,
		}, catDKIMFail, true
	default:
		return domain.ThreatIndicator{
			Kind:        domain.KindHeader,
			Severity:    domain.SeverityMedium,
			Description: "DKIM result is non-authoritative (" + status + ")",
			Evidence:    "dkim=" + status,
			Confidence:  0.6,
		}, catDKIMOtherNonAuth, true
	}
}

func evaluateDMARC(authResults string) (domain.ThreatIndicator, string, bool) {
	status := extractMechanism(dmarcPattern, authResults)
	switch status {
	case "", "none":
		return domain.ThreatIndicator{
			Kind:        domain.KindHeader,
			Severity:    domain.SeverityMedium,
			Description: "DMARC policy result is missing",
			Evidence:    "no dmarc= token found in Authentication-Results",
			Confidence:  0.6,
		}, catDMARCOtherNonAuth, true
	case "pass":
		return domain.ThreatIndicator{}, "", false
	case "reject":
		return domain.ThreatIndicator{
			Kind:        domain.KindHeader,
			Severity:    domain.SeverityCritical,
			Description: "DMARC policy rejected the message",
			Evidence:    "dmarc=reject",
			Confidence:  0.95,
		}, catDMARCReject, true
	case "fail":
		return domain.ThreatIndicator{
			Kind:        domain.KindHeader,
			Severity:    domain.SeverityHigh,
			Description: "DMARC alignment failed",
			Evidence:    "dmarc=fail",
			Confidence:  0.9,
		}, catDMARCFail, true
	default:
		return domain.ThreatIndicator{
			Kind:        domain.KindHeader,
			Severity:    domain.SeverityMedium,
			Description: "DMARC result is non-authoritative (" + status + ")",
			Evidence:    "dmarc=" + status,
			Confidence:  0.6,
		}, catDMARCOtherNonAuth, true
	}
}

// authenticatedDomain extracts the domain Authentication-Results actually
// vouches for: the DKIM header.d= signing domain, preferred because a valid
// DKIM signature is bound to the message body, falling back to the SPF
// smtp.mailfrom= envelope-sender domain when no DKIM result is present.
// header.from= is deliberately not used here: it is just DMARC echoing the
// From header's own domain back for alignment display, so comparing it
// against the From header is a tautology that never fires.
func authenticatedDomain(authResults string) (string, bool) {
	if m := dkimDomainPattern.FindStringSubmatch(authResults); m != nil {
		return strings.ToLower(m[1]), true
	}
	if m := spfDomainPattern.FindStringSubmatch(authResults); m != nil {
		return strings.ToLower(m[1]), true
	}
	return "", false
}

// evaluateFromDomainMismatch flags a From header domain that differs from
// the authenticatedDomain, except when one is a subdomain of the other
// (legitimate for large senders operating many subdomains).
func evaluateFromDomainMismatch(e domain.Email, authResults string) (domain.ThreatIndicator, bool) {
	authDomain, ok := authenticatedDomain(authResults)
	if !ok {
		return domain.ThreatIndicator{}, false
	}
	_, fromDomain, ok := splitAddress(strings.ToLower(e.From))
	if !ok || authDomain == "" || fromDomain == authDomain {
		return domain.ThreatIndicator{}, false
	}
	if strings.HasSuffix(fromDomain, "."+authDomain) || strings.HasSuffix(authDomain, "."+fromDomain) {
		return domain.ThreatIndicator{}, false
	}
	return domain.ThreatIndicator{
		Kind:        domain.KindHeader,
		Severity:    domain.SeverityCritical,
		Description: "From header domain does not match the authenticated domain",
		Evidence:    "From domain=" + fromDomain + ", authenticated domain=" + authDomain,
		Confidence:  0.85,
	}, true
}

func evaluateReplyToMismatch(e domain.Email) (domain.ThreatIndicator, bool) {
	replyTo := strings.TrimSpace(e.Header("Reply-To"))
	if replyTo == "" {
		return domain.ThreatIndicator{}, false
	}
	_, replyDomain, ok1 := splitAddress(strings.ToLower(extractAddress(replyTo)))
	_, fromDomain, ok2 := splitAddress(strings.ToLower(e.From))
	if !ok1 || !ok2 || replyDomain == fromDomain {
		return domain.ThreatIndicator{}, false
	}
	return domain.ThreatIndicator{
		Kind:        domain.KindHeader,
		Severity:    domain.SeverityMedium,
		Description: "Reply-To domain differs from From domain",
		Evidence:    "Reply-To domain=" + replyDomain + ", From domain=" + fromDomain,
		Confidence:  0.7,
	}, true
}

// extractAddress strips a display name wrapper like "Name <addr@host>" down
// to the bare address.
func extractAddress(s string) string {
	start := strings.Index(s, "<")
	end := strings.Index(s, ">")
	if start >= 0 && end > start {
		return s[start+1 : end]
	}
	return s
}

func splitAddress(address string) (local, domainPart string, ok bool) {
	idx := strings.LastIndex(address, "@")
	if idx < 0 || idx == len(address)-1 {
		return "", "", false
	}
	return address[:idx], address[idx+1:], true
}
