// Package bootstrap wires every component into one running service:
// config -> logger -> cache substrate -> per-component collaborators ->
// HTTP app -> background loops, and tears them down in the reverse order
// on shutdown. One NewServer covers the whole process: the webhook
// intake, ops endpoints, poll fallback, and subscription renewal all
// belong to the same mailbox's pipeline.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"phishtriage/config"
	"phishtriage/internal/dedup"
	"phishtriage/internal/enrich"
	"phishtriage/internal/explain"
	"phishtriage/internal/guardrails"
	"phishtriage/internal/history"
	"phishtriage/internal/mailprovider"
	"phishtriage/internal/opsapi"
	"phishtriage/internal/orchestrator"
	"phishtriage/internal/poll"
	"phishtriage/internal/queue"
	"phishtriage/internal/ratelimit"
	"phishtriage/internal/subscription"
	"phishtriage/internal/webhookapi"
	"phishtriage/pkg/cache"
	"phishtriage/pkg/logger"
	"phishtriage/pkg/metrics"
	"phishtriage/pkg/resilience"
)

// Dependencies bundles every constructed collaborator plus the fiber app.
type Dependencies struct {
	cfg *config.Config

	cache    cache.Cache
	redis    *redis.Client
	provider mailprovider.Provider
	history  *history.Store

	guard    *guardrails.Guardrails
	dedupe   *dedup.Deduplicator
	limiter  *ratelimit.Limiter
	enricher *enrich.Enricher
	explain  *explain.Explainer

	orch  *orchestrator.Orchestrator
	queue *queue.Queue
	subs  *subscription.Manager
	pollM *poll.Monitor

	metrics *metrics.Registry
	app     *fiber.App
}

// NewServer constructs every component from cfg and assembles the HTTP
// app. The returned cleanup func releases resources acquired here
// (Redis client, Postgres pool) that Stop itself does not own.
func NewServer(cfg *config.Config) (*Dependencies, func(), error) {
	d := &Dependencies{cfg: cfg, metrics: metrics.NewRegistry()}

	local := cache.NewLocal(50000)
	var distributed *cache.Distributed
	if cfg.Cache.URL != "" {
		opt, err := redis.ParseURL(cfg.Cache.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrap: parsing CACHE_URL: %w", err)
		}
		d.redis = redis.NewClient(opt)
		distributed = cache.NewDistributed(d.redis)
	} else {
		log := logger.Get()
		log.Warn().Msg("bootstrap: CACHE_URL not set, running single-replica on the local cache only")
	}
	breaker := resilience.New(resilience.DefaultConfig("cache-substrate"))
	d.cache = cache.NewResilient(local, distributed, breaker)

	d.guard = guardrails.New(d.cache, guardrails.Config{
		Mailbox:          cfg.Mailbox.Address,
		AllowlistEmails:  cfg.Allowlist.Emails,
		AllowlistDomains: cfg.Allowlist.Domains,
		MessageIDTTL:     time.Duration(cfg.Guardrails.MessageIDTTLMS) * time.Millisecond,
		LRUAuthoritative: cfg.Guardrails.LRUAuthoritative,
		Production:       cfg.IsProduction(),
	})
	d.dedupe = dedup.New(d.cache, dedup.Config{
		Enabled:        true,
		ContentHashTTL: time.Duration(cfg.Dedup.ContentTTLMS) * time.Millisecond,
		SenderCooldown: time.Duration(cfg.Dedup.SenderCooldownMS) * time.Millisecond,
	})
	d.limiter = ratelimit.New(d.cache, ratelimit.Config{
		MaxPerHour:     cfg.Rate.MaxPerHour,
		MaxPerDay:      cfg.Rate.MaxPerDay,
		BurstThreshold: cfg.Rate.BurstThreshold,
		BurstWindow:    time.Duration(cfg.Rate.BurstWindowMS) * time.Millisecond,
		BreakerReset:   time.Duration(cfg.Rate.BreakerResetMS) * time.Millisecond,
	})
	d.enricher = enrich.New(d.cache, enrich.Config{
		Enabled:  cfg.ThreatIntel.Enabled,
		Timeout:  time.Duration(cfg.ThreatIntel.TimeoutMS) * time.Millisecond,
		CacheTTL: time.Duration(cfg.ThreatIntel.CacheTTLMS) * time.Millisecond,
	}, nil, nil, nil)

	if cfg.LLM.APIKey != "" || cfg.LLM.DemoMode {
		d.explain = explain.New(explain.Config{
			APIKey:           cfg.LLM.APIKey,
			Model:            cfg.LLM.Model,
			DemoMode:         cfg.LLM.DemoMode,
			Timeout:          time.Duration(cfg.LLM.TimeoutMS) * time.Millisecond,
			Retries:          cfg.LLM.Retries,
			BreakerThreshold: cfg.LLM.BreakerThreshold,
			BreakerReset:     time.Duration(cfg.LLM.BreakerResetMS) * time.Millisecond,
		})
	}

	if cfg.Storage.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := history.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrap: connecting to history store: %w", err)
		}
		if err := store.InitSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("bootstrap: initializing history schema: %w", err)
		}
		d.history = store
	} else {
		log := logger.Get()
		log.Warn().Msg("bootstrap: STORAGE_DATABASE_URL not set, analysis history will not be recorded")
	}

	// No concrete Gmail/Outlook adapter ships in this tree; a deployment
	// replaces this line with an adapter implementing mailprovider.Provider
	// against its mail API.
	fake := mailprovider.NewFake()
	d.provider = fake

	d.orch = orchestrator.New(orchestrator.Config{
		Mailbox:       cfg.Mailbox.Address,
		ParallelLimit: cfg.Concurrency.OrchestratorParallelLimit,
	}, orchestrator.Deps{
		Provider:  d.provider,
		Guard:     d.guard,
		Enricher:  d.enricher,
		Explainer: d.explain,
		Dedup:     d.dedupe,
		Limiter:   d.limiter,
		History:   d.history,
		Metrics:   d.metrics,
	})

	d.queue = queue.New(d.orch.ProcessPush, queue.Config{
		Concurrency: cfg.Concurrency.QueueConcurrency,
		BaseBackoff: time.Duration(cfg.Concurrency.QueueBackoffMS) * time.Millisecond,
		MaxBackoff:  time.Duration(cfg.Concurrency.QueueMaxBackoffMS) * time.Millisecond,
		MaxRetries:  cfg.Concurrency.QueueMaxRetries,
	})

	d.pollM = poll.New(d.provider, poll.Config{
		Interval: cfg.MailboxCheckInterval(),
		Lookback: cfg.MailboxLookback(),
		MaxPages: cfg.Mailbox.MaxPages,
		Mailbox:  cfg.Mailbox.Address,
	}, func(ctx context.Context, messageID string) bool {
		return d.orch.ProcessPoll(ctx, messageID)
	})

	d.subs = subscription.New(d.provider, subscription.Config{
		Mailbox:         cfg.Mailbox.Address,
		Resource:        cfg.Webhook.Resource,
		NotificationURL: cfg.Webhook.NotificationURL,
		ClientState:     cfg.Webhook.ClientState,
		RenewalMargin:   time.Duration(cfg.Webhook.RenewalMarginMS) * time.Millisecond,
	}, func(ctx context.Context) {
		d.pollM.Poll(ctx)
	})

	d.app = buildApp(cfg, d)

	cleanup := func() {
		if d.history != nil {
			d.history.Close()
		}
		if d.redis != nil {
			_ = d.redis.Close()
		}
	}
	return d, cleanup, nil
}

// buildApp mounts the webhook intake and operations endpoints onto a
// fresh fiber app.
func buildApp(cfg *config.Config, d *Dependencies) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: cfg.IsProduction(),
		ErrorHandler:          webhookapi.ErrorHandler,
	})

	webhookapi.New(cfg.Webhook.ClientState, d.queue, d.orch, d.subs, d.metrics).Register(app)

	ops := opsapi.New(d.metrics)
	ops.Register("cache", func() error { return nil })
	if d.history != nil {
		ops.Register("history", func() error { return nil })
	}
	ops.Mount(app)

	return app
}

// App returns the assembled fiber app, ready for app.Listen.
func (d *Dependencies) App() *fiber.App { return d.app }

// Start launches every background loop: the notification queue's worker
// pool, the poll fallback monitor, and the subscription manager. Order
// follows the dependency chain (queue before anything that might enqueue
// into it, subscription last since a missed-notification event makes it
// run a poll cycle via onMissed).
func (d *Dependencies) Start(ctx context.Context) error {
	if err := d.queue.Start(ctx); err != nil {
		return fmt.Errorf("bootstrap: starting notification queue: %w", err)
	}
	d.pollM.Start(ctx)
	d.subs.Start(ctx)
	return nil
}

// Stop tears down the background loops in reverse dependency order: stop
// the subscription timer and poll ticker first so nothing new is
// discovered, then drain the queue, then close the cache substrate. The
// history pool and the Redis client are closed by NewServer's cleanup func.
func (d *Dependencies) Stop() {
	d.subs.Stop()
	d.pollM.Stop()
	if err := d.queue.Stop(); err != nil {
		log := logger.Get()
		log.Error().Err(err).Msg("bootstrap: error draining notification queue")
	}
	if err := d.cache.Close(); err != nil {
		log := logger.Get()
		log.Error().Err(err).Msg("bootstrap: error closing cache substrate")
	}
}
