package enrich

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"phishtriage/internal/analyzers"
	"phishtriage/internal/domain"
	"phishtriage/pkg/cache"
)

// Config drives the enricher's timeouts and response-cache TTL.
type Config struct {
	Enabled  bool
	Timeout  time.Duration
	CacheTTL time.Duration
}

// Enricher fans out the reputation lookups. Any provider left nil is
// simply skipped; Enrich never returns an error itself.
type Enricher struct {
	cache       cache.Cache
	cfg         Config
	urlProvider URLReputationProvider
	ipProvider  IPReputationProvider
	ageProvider DomainAgeProvider
}

func New(c cache.Cache, cfg Config, urlProvider URLReputationProvider, ipProvider IPReputationProvider, ageProvider DomainAgeProvider) *Enricher {
	return &Enricher{cache: c, cfg: cfg, urlProvider: urlProvider, ipProvider: ipProvider, ageProvider: ageProvider}
}

// Result bundles the indicators produced plus the aggregate risk
// contribution, which the orchestrator folds into the content sub-score.
type Result struct {
	Indicators []domain.ThreatIndicator
	Risk       float64
}

var originatingIPPattern = regexp.MustCompile(`(?:[0-9]{1,3}\.){3}[0-9]{1,3}`)

// Enrich issues up to three URL-reputation lookups, one sender-IP lookup,
// and one sender-domain-age lookup, all concurrently, and merges whatever
// succeeds. Lookups that fail or time out contribute nothing.
func (en *Enricher) Enrich(ctx context.Context, e domain.Email) Result {
	if !en.cfg.Enabled {
		return Result{}
	}

	g, gctx := errgroup.WithContext(ctx)
	results := make([]domain.ThreatIndicator, 0, 5)
	risks := make([]float64, 0, 5)
	var mu sync.Mutex
	record := func(ind *domain.ThreatIndicator, risk float64) {
		if ind == nil {
			return
		}
		mu.Lock()
		results = append(results, *ind)
		risks = append(risks, risk)
		mu.Unlock()
	}

	if en.urlProvider != nil {
		urls := analyzers.ExtractURLs(e.Body)
		if len(urls) > 3 {
			urls = urls[:3]
		}
		for _, u := range urls {
			u := u
			g.Go(func() error {
				ind, risk := en.lookupURL(gctx, u)
				record(ind, risk)
				return nil
			})
		}
	}

	if en.ipProvider != nil {
		if ip := senderIP(e); ip != "" {
			g.Go(func() error {
				ind, risk := en.lookupIP(gctx, ip)
				record(ind, risk)
				return nil
			})
		}
	}

	if en.ageProvider != nil {
		if senderDomain := domainOf(e.From); senderDomain != "" {
			g.Go(func() error {
				ind, risk := en.lookupDomainAge(gctx, senderDomain)
				record(ind, risk)
				return nil
			})
		}
	}

	_ = g.Wait()

	total := 0.0
	for _, r := range risks {
		total += r
	}
	return Result{Indicators: results, Risk: total}
}

func (en *Enricher) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if en.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, en.cfg.Timeout)
}

func (en *Enricher) lookupURL(ctx context.Context, rawURL string) (*domain.ThreatIndicator, float64) {
	key := cacheKey("tix:url:v1:", rawURL)
	var rep URLReputation
	if en.getCached(ctx, key, &rep) {
		return buildURLIndicator(rawURL, rep)
	}

	cctx, cancel := en.withTimeout(ctx)
	defer cancel()
	rep, err := en.urlProvider.Lookup(cctx, rawURL)
	if err != nil || !rep.Malicious {
		if err == nil {
			en.setCached(ctx, key, rep)
		}
		return nil, 0
	}
	en.setCached(ctx, key, rep)
	return buildURLIndicator(rawURL, rep)
}

func buildURLIndicator(rawURL string, rep URLReputation) (*domain.ThreatIndicator, float64) {
	if !rep.Malicious {
		return nil, 0
	}
	severity := domain.SeverityHigh
	if rep.Confidence > 0.5 {
		severity = domain.SeverityCritical
	}
	ind := domain.ThreatIndicator{
		Kind:        domain.KindURL,
		Severity:    severity,
		Description: "Threat-intel provider flagged URL as malicious",
		Evidence:    rawURL,
		Confidence:  rep.Confidence,
	}
	return &ind, 2.0 + rep.Confidence
}

func (en *Enricher) lookupIP(ctx context.Context, ip string) (*domain.ThreatIndicator, float64) {
	key := cacheKey("tix:ip:v1:", ip)
	var rep IPReputation
	if en.getCached(ctx, key, &rep) {
		return buildIPIndicator(ip, rep)
	}

	cctx, cancel := en.withTimeout(ctx)
	defer cancel()
	rep, err := en.ipProvider.Lookup(cctx, ip)
	if err != nil {
		return nil, 0
	}
	en.setCached(ctx, key, rep)
	return buildIPIndicator(ip, rep)
}

func buildIPIndicator(ip string, rep IPReputation) (*domain.ThreatIndicator, float64) {
	if rep.Score < 50 {
		return nil, 0
	}
	severity := domain.SeverityMedium
	if rep.Score >= 75 {
		severity = domain.SeverityHigh
	}
	ind := domain.ThreatIndicator{
		Kind:        domain.KindSender,
		Severity:    severity,
		Description: "Sender IP has an elevated abuse score",
		Evidence:    fmt.Sprintf("%s (score=%d)", ip, rep.Score),
		Confidence:  float64(rep.Score) / 100,
	}
	return &ind, 1.5 + float64(rep.Score-50)/100
}

func (en *Enricher) lookupDomainAge(ctx context.Context, d string) (*domain.ThreatIndicator, float64) {
	key := cacheKey("tix:domain:v1:", d)
	var age DomainAge
	if en.getCached(ctx, key, &age) {
		return buildDomainAgeIndicator(d, age)
	}

	cctx, cancel := en.withTimeout(ctx)
	defer cancel()
	age, err := en.ageProvider.Lookup(cctx, d)
	if err != nil {
		return nil, 0
	}
	en.setCached(ctx, key, age)
	return buildDomainAgeIndicator(d, age)
}

func buildDomainAgeIndicator(d string, age DomainAge) (*domain.ThreatIndicator, float64) {
	if age.AgeDays >= 30 {
		return nil, 0
	}
	severity := domain.SeverityMedium
	risk := 1.0
	if age.AgeDays < 7 {
		severity = domain.SeverityHigh
		risk = 2.0
	}
	ind := domain.ThreatIndicator{
		Kind:        domain.KindSender,
		Severity:    severity,
		Description: "Sender domain was registered very recently",
		Evidence:    fmt.Sprintf("%s is %d days old", d, age.AgeDays),
		Confidence:  0.7,
	}
	return &ind, risk
}

func (en *Enricher) getCached(ctx context.Context, key string, out any) bool {
	if en.cache == nil {
		return false
	}
	raw, found, err := en.cache.Get(ctx, key)
	if err != nil || !found {
		return false
	}
	return json.Unmarshal([]byte(raw), out) == nil
}

func (en *Enricher) setCached(ctx context.Context, key string, value any) {
	if en.cache == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	_ = en.cache.Set(ctx, key, string(raw), en.cfg.CacheTTL)
}

func cacheKey(prefix, identifier string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(identifier)))
	return prefix + hex.EncodeToString(sum[:])
}

func senderIP(e domain.Email) string {
	candidates := []string{e.Header("X-Originating-IP"), e.Header("X-Sender-IP"), e.Header("Received")}
	for _, c := range candidates {
		if ip := originatingIPPattern.FindString(c); ip != "" {
			if net.ParseIP(ip) != nil {
				return ip
			}
		}
	}
	return ""
}

func domainOf(address string) string {
	idx := strings.LastIndex(address, "@")
	if idx < 0 || idx == len(address)-1 {
		return ""
	}
	return strings.ToLower(address[idx+1:])
}
