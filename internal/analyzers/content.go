package analyzers

import (
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"phishtriage/internal/domain"
)

// urlPattern is a permissive http/https URL extractor; it favors recall
// over strict RFC conformance since a missed URL is a missed indicator.
var urlPattern = regexp.MustCompile(`(?i)https?://[^\s<>"')\]]+`)

var shortenerHosts = map[string]bool{
	"bit.ly": true, "tinyurl.com": true, "goo.gl": true, "t.co": true,
	"ow.ly": true, "is.gd": true, "buff.ly": true, "rebrand.ly": true,
	"cutt.ly": true, "rb.gy": true,
}

var suspiciousTLDs = []string{".tk", ".ml", ".ga", ".cf", ".gq", ".xyz", ".top", ".club", ".work", ".support"}

var urgencyKeywords = []string{
	"urgent", "immediately", "act now", "verify your account", "account suspended",
	"will be suspended", "expires today", "expire within", "limited time", "final notice",
	"act immediately", "your account has been locked",
}

var credentialKeywords = []string{
	"verify your password", "confirm your password", "account password", "login credentials",
	"social security number", "ssn", "credit card number", "confirm your identity",
	"update your payment information", "enter your password", "re-enter your credentials",
}

var financialLureKeywords = []string{
	"wire transfer", "invoice payment", "tax refund", "lottery", "inheritance",
	"claim your prize", "you have won", "bank account details", "unclaimed funds",
}

// brandCanonicalDomains maps a brand name as it appears in body text to the
// domain a legitimate sender from that brand uses.
var brandCanonicalDomains = map[string]string{
	"paypal":        "paypal.com",
	"google":        "google.com",
	"microsoft":     "microsoft.com",
	"apple":         "apple.com",
	"amazon":        "amazon.com",
	"netflix":       "netflix.com",
	"facebook":      "facebook.com",
	"chase":         "chase.com",
	"wellsfargo":    "wellsfargo.com",
	"bankofamerica": "bankofamerica.com",
	"docusign":      "docusign.com",
}

var leetReplacer = strings.NewReplacer("0", "o", "1", "l", "3", "e", "5", "s", "4", "a")

// AnalyzeContent runs the content rule engine over the message body and
// returns the merged indicators plus the content sub-score, clipped to
// [0, 10].
func AnalyzeContent(e domain.Email) ([]domain.ThreatIndicator, float64) {
	var indicators []domain.ThreatIndicator

	urls := extractURLs(e.Body)
	urlIndicators := scanURLIndicators(urls)
	indicators = append(indicators, urlIndicators...)

	tacticIndicators := scanKeywordTactics(e.Body)
	indicators = append(indicators, tacticIndicators...)

	if anchorInd, ok := scanAnchorMismatch(e.Body); ok {
		indicators = append(indicators, anchorInd)
	}

	senderDomain := ""
	if _, d, ok := splitAddress(strings.ToLower(e.From)); ok {
		senderDomain = d
	}

	if brandInd, ok := scanBrandImpersonation(e.Body, senderDomain); ok {
		indicators = append(indicators, brandInd)
	}
	if typoInd, ok := scanTyposquatting(senderDomain); ok {
		indicators = append(indicators, typoInd)
	}

	score := 0.0
	for _, ind := range indicators {
		score += ind.Severity.Weight()
	}

	tacticCount := len(tacticIndicators)
	if brandIndPresent(indicators) {
		tacticCount++
	}
	if tacticCount > 2 {
		score += 1
	}
	if len(urlIndicators) > 2 {
		score += 1
	}

	return indicators, domain.Clip(score, 10)
}

func brandIndPresent(indicators []domain.ThreatIndicator) bool {
	for _, ind := range indicators {
		if ind.Kind == domain.KindSender {
			return true
		}
	}
	return false
}

// ExtractURLs finds every http(s) URL in body, deduplicated in order of
// first appearance. Exported for the threat-intel enricher, which reuses
// this extraction rather than a second implementation.
func ExtractURLs(body string) []string {
	return extractURLs(body)
}

// extractURLs finds every http(s) URL in body, deduplicated in order of
// first appearance.
func extractURLs(body string) []string {
	matches := urlPattern.FindAllString(body, -1)
	seen := map[string]bool{}
	var out []string
	for _, m := range matches {
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// scanURLIndicators emits one indicator per suspicious property of each
// extracted URL: shorteners, raw IPv4 hosts, '@' userinfo tricks, and
// suspicious TLDs.
func scanURLIndicators(urls []string) []domain.ThreatIndicator {
	var out []domain.ThreatIndicator
	for _, raw := range urls {
		if strings.Contains(raw, "@") {
			out = append(out, domain.ThreatIndicator{
				Kind:        domain.KindURL,
				Severity:    domain.SeverityCritical,
				Description: "URL contains '@', commonly used to disguise the true destination",
				Evidence:    raw,
				Confidence:  0.9,
			})
		}

		parsed, err := url.Parse(raw)
		if err != nil {
			continue
		}
		host := parsed.Hostname()
		lowerHost := strings.ToLower(host)

		if shortenerHosts[lowerHost] {
			out = append(out, domain.ThreatIndicator{
				Kind:        domain.KindURL,
				Severity:    domain.SeverityMedium,
				Description: "URL uses a link-shortening service, hiding the final destination",
				Evidence:    raw,
				Confidence:  0.6,
			})
		}

		if net.ParseIP(host) != nil && strings.Count(host, ".") == 3 {
			out = append(out, domain.ThreatIndicator{
				Kind:        domain.KindURL,
				Severity:    domain.SeverityHigh,
				Description: "URL host is a raw IPv4 address rather than a domain name",
				Evidence:    raw,
				Confidence:  0.85,
			})
		}

		for _, tld := range suspiciousTLDs {
			if strings.HasSuffix(lowerHost, tld) {
				out = append(out, domain.ThreatIndicator{
					Kind:        domain.KindURL,
					Severity:    domain.SeverityMedium,
					Description: "URL uses a top-level domain frequently abused for phishing",
					Evidence:    raw,
					Confidence:  0.55,
				})
				break
			}
		}
	}
	return out
}

// scanKeywordTactics detects urgency language, credential-harvesting
// phrasing, and financial-lure phrasing. Each category contributes at most
// one indicator.
func scanKeywordTactics(body string) []domain.ThreatIndicator {
	lower := strings.ToLower(body)
	var out []domain.ThreatIndicator

	hits := countHits(lower, urgencyKeywords)
	if hits > 0 {
		severity := domain.SeverityMedium
		if hits > 2 {
			severity = domain.SeverityHigh
		}
		confidence := 0.6 + 0.1*float64(hits)
		if confidence > 0.9 {
			confidence = 0.9
		}
		out = append(out, domain.ThreatIndicator{
			Kind:        domain.KindBehavioral,
			Severity:    severity,
			Description: "Message uses urgency language to pressure quick action",
			Evidence:    firstMatchingKeyword(lower, urgencyKeywords),
			Confidence:  confidence,
		})
	}

	if countHits(lower, credentialKeywords) > 0 {
		out = append(out, domain.ThreatIndicator{
			Kind:        domain.KindBehavioral,
			Severity:    domain.SeverityCritical,
			Description: "Message requests credentials or sensitive account information",
			Evidence:    firstMatchingKeyword(lower, credentialKeywords),
			Confidence:  0.9,
		})
	}

	if countHits(lower, financialLureKeywords) > 0 {
		out = append(out, domain.ThreatIndicator{
			Kind:        domain.KindBehavioral,
			Severity:    domain.SeverityHigh,
			Description: "Message dangles a financial lure (payment, prize, or refund)",
			Evidence:    firstMatchingKeyword(lower, financialLureKeywords),
			Confidence:  0.85,
		})
	}

	return out
}

func countHits(lower string, keywords []string) int {
	n := 0
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			n++
		}
	}
	return n
}

func firstMatchingKeyword(lower string, keywords []string) string {
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			return k
		}
	}
	return ""
}

// scanAnchorMismatch parses body as HTML via goquery, the one
// sanitization library used at this boundary, and flags an anchor whose
// visible text names a different domain than its href targets.
func scanAnchorMismatch(body string) (domain.ThreatIndicator, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return domain.ThreatIndicator{}, false
	}

	found := false
	var evidence string
	doc.Find("a").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, exists := sel.Attr("href")
		if !exists {
			return true
		}
		text := strings.TrimSpace(sel.Text())
		textURL := urlPattern.FindString(text)
		if textURL == "" {
			return true
		}
		hrefHost := hostOf(href)
		textHost := hostOf(textURL)
		if hrefHost == "" || textHost == "" || hrefHost == textHost {
			return true
		}
		found = true
		evidence = "anchor text references " + textHost + " but links to " + hrefHost
		return false
	})

	if !found {
		return domain.ThreatIndicator{}, false
	}
	return domain.ThreatIndicator{
		Kind:        domain.KindContent,
		Severity:    domain.SeverityHigh,
		Description: "Link text names a different domain than the actual href",
		Evidence:    evidence,
		Confidence:  0.85,
	}, true
}

func hostOf(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}

// scanBrandImpersonation flags a body that names a well-known brand while
// the sender's domain does not belong to that brand.
func scanBrandImpersonation(body, senderDomain string) (domain.ThreatIndicator, bool) {
	lower := strings.ToLower(body)
	for brand, canonical := range brandCanonicalDomains {
		if !containsWord(lower, brand) {
			continue
		}
		if strings.Contains(senderDomain, canonical) {
			continue
		}
		return domain.ThreatIndicator{
			Kind:        domain.KindSender,
			Severity:    domain.SeverityCritical,
			Description: "Body references brand '" + brand + "' but the sender domain does not belong to it",
			Evidence:    "brand=" + brand + ", sender domain=" + senderDomain,
			Confidence:  0.95,
		}, true
	}
	return domain.ThreatIndicator{}, false
}

func containsWord(lower, word string) bool {
	idx := strings.Index(lower, word)
	if idx < 0 {
		return false
	}
	before := idx == 0 || !isAlnum(lower[idx-1])
	after := idx+len(word) >= len(lower) || !isAlnum(lower[idx+len(word)])
	return before && after
}

func isAlnum(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

// scanTyposquatting compares the sender domain against a de-leeted
// normalization of itself: if the normalized form contains a brand name
// that the literal domain does not, the domain is using character
// substitution to mimic the brand (e.g. "paypa1.com" -> "paypal.com").
func scanTyposquatting(senderDomain string) (domain.ThreatIndicator, bool) {
	if senderDomain == "" {
		return domain.ThreatIndicator{}, false
	}
	normalized := leetReplacer.Replace(senderDomain)
	for brand, canonical := range brandCanonicalDomains {
		if senderDomain == canonical || strings.HasSuffix(senderDomain, "."+canonical) {
			continue
		}
		if strings.Contains(normalized, brand) && !strings.Contains(senderDomain, brand) {
			return domain.ThreatIndicator{
				Kind:        domain.KindSender,
				Severity:    domain.SeverityCritical,
				Description: "Sender domain appears to typosquat '" + brand + "' via character substitution",
				Evidence:    senderDomain,
				Confidence:  0.98,
			}, true
		}
	}
	return domain.ThreatIndicator{}, false
}
