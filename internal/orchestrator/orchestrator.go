// Package orchestrator is the single place that wires every other
// component together per message-id, from push queue or poll fallback,
// into fetch -> guard -> analyze -> enrich -> explain -> score -> reply
// -> record.
//
// Correlation is carried as an explicit Ctx value threaded through every
// call rather than goroutine-local state.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"phishtriage/internal/analyzers"
	"phishtriage/internal/dedup"
	"phishtriage/internal/domain"
	"phishtriage/internal/enrich"
	"phishtriage/internal/explain"
	"phishtriage/internal/guardrails"
	"phishtriage/internal/history"
	"phishtriage/internal/mailprovider"
	"phishtriage/internal/ratelimit"
	"phishtriage/internal/reply"
	"phishtriage/pkg/logger"
	"phishtriage/pkg/metrics"
	"phishtriage/pkg/redact"
)

// Ctx is the explicit correlation context threaded through one message's
// pipeline run; it is never stashed in a context.Context value, only
// passed as a plain argument down the call chain.
type Ctx struct {
	CorrelationID string
	Source        string // "push" or "poll"
	ArrivalTime   time.Time
	Stage         string
}

func (c Ctx) withStage(stage string) Ctx {
	c.Stage = stage
	return c
}

// Config parameterizes the orchestrator's bounded parallelism and the
// mailbox it serves.
type Config struct {
	Mailbox       string
	ParallelLimit int
}

// Orchestrator owns the semaphore bounding in-flight pipelines and every
// dependency a single message's pipeline run needs.
type Orchestrator struct {
	cfg       Config
	provider  mailprovider.Provider
	guard     *guardrails.Guardrails
	enricher  *enrich.Enricher
	explainer *explain.Explainer
	dedup     *dedup.Deduplicator
	limiter   *ratelimit.Limiter
	history   *history.Store
	metrics   *metrics.Registry

	sem chan struct{}

	mu       sync.Mutex
	arrivals map[string]time.Time
}

// Deps bundles every collaborator the orchestrator wires per message.
// History and Explainer are optional (nil disables their step).
type Deps struct {
	Provider  mailprovider.Provider
	Guard     *guardrails.Guardrails
	Enricher  *enrich.Enricher
	Explainer *explain.Explainer
	Dedup     *dedup.Deduplicator
	Limiter   *ratelimit.Limiter
	History   *history.Store
	Metrics   *metrics.Registry
}

func New(cfg Config, d Deps) *Orchestrator {
	if cfg.ParallelLimit <= 0 {
		cfg.ParallelLimit = 5
	}
	return &Orchestrator{
		cfg:       cfg,
		provider:  d.Provider,
		guard:     d.Guard,
		enricher:  d.Enricher,
		explainer: d.Explainer,
		dedup:     d.Dedup,
		limiter:   d.Limiter,
		history:   d.History,
		metrics:   d.Metrics,
		sem:       make(chan struct{}, cfg.ParallelLimit),
		arrivals:  make(map[string]time.Time),
	}
}

// RecordArrival stamps a message-id's webhook arrival time so the
// eventual pipeline run can report webhook-to-start latency. Called by
// the webhook handler before enqueueing.
func (o *Orchestrator) RecordArrival(messageID string) {
	o.mu.Lock()
	o.arrivals[messageID] = time.Now()
	o.mu.Unlock()
}

func (o *Orchestrator) takeArrival(messageID string) (time.Time, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.arrivals[messageID]
	if ok {
		delete(o.arrivals, messageID)
	}
	return t, ok
}

// ProcessPush matches queue.ProcessFunc's shape: a non-nil error tells the
// Notification Queue to retry with backoff.
func (o *Orchestrator) ProcessPush(ctx context.Context, messageID string) error {
	_, err := o.run(ctx, messageID, "push")
	return err
}

// ProcessPoll matches poll.HandleFunc's shape: poll-path failures are
// counted by the monitor itself and never retried by the orchestrator. The
// returned bool reports whether the message was suppressed as a duplicate
// of one already handled via the push path, so the poll monitor can track
// new vs dedup-filtered counts.
func (o *Orchestrator) ProcessPoll(ctx context.Context, messageID string) bool {
	deduped, _ := o.run(ctx, messageID, "poll")
	return deduped
}

func (o *Orchestrator) acquire(ctx context.Context) error {
	select {
	case o.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) release() { <-o.sem }

// run executes one message's pipeline and reports whether it was a
// duplicate-message-id guard denial, the signal ProcessPoll needs to
// distinguish a genuinely new message from one the push path already
// claimed.
func (o *Orchestrator) run(ctx context.Context, messageID, source string) (bool, error) {
	if err := o.acquire(ctx); err != nil {
		return false, err
	}
	defer o.release()

	pc := Ctx{CorrelationID: uuid.NewString(), Source: source}
	if t, ok := o.takeArrival(messageID); ok {
		pc.ArrivalTime = t
	}
	log := logger.With(pc.CorrelationID)
	start := time.Now()

	if !pc.ArrivalTime.IsZero() && source == "push" {
		o.observe("webhook_to_start_ms", float64(start.Sub(pc.ArrivalTime).Milliseconds()))
	}

	email, err := o.provider.Fetch(ctx, o.cfg.Mailbox, messageID)
	if err != nil {
		log.Warn().Err(err).Str("message_id", messageID).Str("source", source).Msg("orchestrator: fetch failed")
		o.inc("pipeline_fetch_failed")
		if source == "push" {
			return false, err
		}
		return false, nil
	}

	log.Debug().Str("message_id", messageID).Str("subject", redact.Truncate(redact.Scrub(email.Subject), 120)).Msg("orchestrator: fetched")

	decision, err := o.guard.Evaluate(ctx, email)
	if err != nil {
		log.Warn().Err(err).Msg("orchestrator: guardrails error, treating as deny")
		o.inc("pipeline_guard_error")
		return false, nil
	}
	if !decision.Allowed {
		log.Info().Str("message_id", messageID).Str("reason", decision.Reason).Msg("orchestrator: guard denied")
		o.inc("guard_denied_" + decision.Reason)
		o.observe("pipeline_duration_ms", float64(time.Since(start).Milliseconds()))
		return decision.Reason == guardrails.ReasonDuplicateMessageID, nil
	}
	o.inc("guard_allowed")

	result, ok := o.analyze(ctx, pc, email)
	if !ok {
		o.inc("pipeline_analysis_panic")
		return false, nil
	}

	if o.history != nil {
		o.history.Record(ctx, o.cfg.Mailbox, email.From, result)
	}
	o.observe("risk_score", result.RiskScore)

	o.deliver(ctx, pc.withStage("deliver"), email, result)

	o.observe("pipeline_duration_ms", float64(time.Since(start).Milliseconds()))
	return false, nil
}

// analyze runs the three analyzers and the enricher concurrently with
// wait-all-settled semantics: no subtask's failure or panic cancels its
// siblings, and the aggregate is built from whatever completed.
func (o *Orchestrator) analyze(ctx context.Context, pc Ctx, email domain.Email) (domain.AnalysisResult, bool) {
	var (
		wg                                     sync.WaitGroup
		headerInd, contentInd, attachInd       []domain.ThreatIndicator
		headerScore, contentScore, attachScore float64
		enrichResult                           enrich.Result
		panicked                               bool
		mu                                     sync.Mutex
	)

	safeGo := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					panicked = true
					mu.Unlock()
					log := logger.With(pc.CorrelationID)
					log.Error().Interface("panic", r).Msg("orchestrator: analyzer panic")
				}
			}()
			fn()
		}()
	}

	safeGo(func() {
		ind, score := analyzers.AnalyzeHeader(email)
		mu.Lock()
		headerInd, headerScore = ind, score
		mu.Unlock()
	})
	safeGo(func() {
		ind, score := analyzers.AnalyzeContent(email)
		mu.Lock()
		contentInd, contentScore = ind, score
		mu.Unlock()
	})
	safeGo(func() {
		ind, score := analyzers.AnalyzeAttachments(email)
		mu.Lock()
		attachInd, attachScore = ind, score
		mu.Unlock()
	})
	if o.enricher != nil {
		safeGo(func() {
			r := o.enricher.Enrich(ctx, email)
			mu.Lock()
			enrichResult = r
			mu.Unlock()
		})
	}

	wg.Wait()

	if panicked {
		return domain.AnalysisResult{}, false
	}

	// Threat-intel risk folds into the content sub-score: URL, sender-IP,
	// and domain-age evidence is about the message's links and origin,
	// not header authentication or attachments.
	contentScore = domain.Clip(contentScore+enrichResult.Risk, 10)

	sub := domain.SubScores{Header: headerScore, Content: contentScore, Attachment: attachScore}
	riskScore, severity, isPhishing := analyzers.Aggregate(sub)

	indicators := make([]domain.ThreatIndicator, 0, len(headerInd)+len(contentInd)+len(attachInd)+len(enrichResult.Indicators))
	indicators = append(indicators, headerInd...)
	indicators = append(indicators, contentInd...)
	indicators = append(indicators, attachInd...)
	indicators = append(indicators, enrichResult.Indicators...)

	result := domain.AnalysisResult{
		MessageID:          email.MessageID,
		IsPhishing:         isPhishing,
		RiskScore:          riskScore,
		Confidence:         analyzers.Confidence(indicators),
		Severity:           severity,
		Indicators:         indicators,
		RecommendedActions: analyzers.RecommendedActions(severity, isPhishing),
		AnalysisID:         uuid.NewString(),
		AnalysisTimestamp:  time.Now(),
		SubScores:          sub,
	}

	if o.explainer != nil && o.explainer.ShouldExplain(result.RiskScore) {
		result.Explanation = o.explainer.Explain(ctx, email, result)
	}

	return result, true
}

// deliver gates the reply behind Deduplicator and Rate Limiter, builds
// the verdict reply, and sends it. A denial at either gate is an expected
// outcome, not an error: it is recorded as a metric and the pipeline
// stops without sending.
func (o *Orchestrator) deliver(ctx context.Context, pc Ctx, email domain.Email, result domain.AnalysisResult) {
	log := logger.With(pc.CorrelationID)

	dedupDecision, err := o.dedup.Check(ctx, email.From, email.Subject, email.Body)
	if err != nil {
		log.Warn().Err(err).Msg("orchestrator: dedup check error, skipping reply")
		o.inc("pipeline_dedup_error")
		return
	}
	if !dedupDecision.Allowed {
		log.Info().Str("message_id", email.MessageID).Str("reason", dedupDecision.Reason).Msg("orchestrator: dedup suppressed")
		o.inc("dedup_suppressed")
		return
	}

	allowed, reason, err := o.limiter.CanSend(ctx, o.cfg.Mailbox)
	if err != nil {
		log.Warn().Err(err).Msg("orchestrator: rate limiter error, skipping reply")
		o.inc("pipeline_ratelimit_error")
		return
	}
	if !allowed {
		log.Info().Str("message_id", email.MessageID).Str("reason", string(reason)).Msg("orchestrator: rate limited")
		o.inc("ratelimit_denied_" + string(reason))
		return
	}

	outbound := reply.Build(email, result)
	if err := o.provider.Send(ctx, o.cfg.Mailbox, outbound); err != nil {
		log.Error().Err(err).Str("message_id", email.MessageID).Msg("orchestrator: reply send failed")
		o.inc("reply_send_failed")
		return
	}

	o.inc("reply_sent")
	if err := o.dedup.RecordProcessed(ctx, email.From, email.Subject, email.Body); err != nil {
		log.Warn().Err(err).Msg("orchestrator: dedup record failed")
	}
	if err := o.limiter.RecordSent(ctx, o.cfg.Mailbox); err != nil {
		log.Warn().Err(err).Msg("orchestrator: rate limiter record failed")
	}
}

func (o *Orchestrator) inc(name string) {
	if o.metrics == nil {
		return
	}
	o.metrics.Counter(name).Inc()
}

func (o *Orchestrator) observe(name string, v float64) {
	if o.metrics == nil {
		return
	}
	o.metrics.Observe(name, v)
}
