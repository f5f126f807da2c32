// Package config loads the service's runtime configuration from the
// environment, following the same flat getEnv*/defaults pattern the rest of
// this codebase's ancestry uses.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the single configuration object threaded through bootstrap.
type Config struct {
	Port        string
	Environment string

	Mailbox struct {
		Address         string
		CheckIntervalMS int
		LookbackMS      int
		MaxPages        int
	}

	Webhook struct {
		NotificationURL string
		ClientState     string
		Resource        string
		RenewalMarginMS int
	}

	Rate struct {
		MaxPerHour     int
		MaxPerDay      int
		BurstThreshold int
		BurstWindowMS  int
		BreakerResetMS int
	}

	Dedup struct {
		ContentTTLMS     int
		SenderCooldownMS int
	}

	ThreatIntel struct {
		Enabled      bool
		TimeoutMS    int
		CacheTTLMS   int
		VTAPIKey     string
		AbuseIPDBKey string
	}

	LLM struct {
		APIKey           string
		DemoMode         bool
		TimeoutMS        int
		Retries          int
		BreakerThreshold uint32
		BreakerResetMS   int
		Model            string
	}

	Cache struct {
		URL       string
		KeyPrefix string
	}

	Allowlist struct {
		Emails  []string
		Domains []string
	}

	Concurrency struct {
		OrchestratorParallelLimit int
		QueueConcurrency          int
		QueueMaxRetries           int
		QueueBackoffMS            int
		QueueMaxBackoffMS         int
	}

	Guardrails struct {
		LRUAuthoritative bool
		MessageIDTTLMS   int
	}

	Storage struct {
		DatabaseURL string
	}
}

// Load reads the environment (optionally preloaded from a .env file, a
// no-op when none is present) into a populated Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	c := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),
	}

	c.Mailbox.Address = getEnv("MAILBOX_ADDRESS", "")
	c.Mailbox.CheckIntervalMS = getEnvInt("MAILBOX_CHECK_INTERVAL_MS", 5*60*1000)
	c.Mailbox.LookbackMS = getEnvInt("MAILBOX_LOOKBACK_MS", 15*60*1000)
	c.Mailbox.MaxPages = getEnvInt("MAILBOX_MAX_PAGES", 5)

	c.Webhook.NotificationURL = getEnv("WEBHOOK_NOTIFICATION_URL", "")
	c.Webhook.ClientState = getEnv("WEBHOOK_CLIENT_STATE", "")
	c.Webhook.Resource = getEnv("WEBHOOK_RESOURCE", "me/messages")
	c.Webhook.RenewalMarginMS = getEnvInt("WEBHOOK_RENEWAL_MARGIN_MS", 60*60*1000)

	c.Rate.MaxPerHour = getEnvInt("RATE_MAX_PER_HOUR", 30)
	c.Rate.MaxPerDay = getEnvInt("RATE_MAX_PER_DAY", 200)
	c.Rate.BurstThreshold = getEnvInt("RATE_BURST_THRESHOLD", 10)
	c.Rate.BurstWindowMS = getEnvInt("RATE_BURST_WINDOW_MS", 10*60*1000)
	c.Rate.BreakerResetMS = getEnvInt("RATE_BREAKER_RESET_MS", 15*60*1000)

	c.Dedup.ContentTTLMS = getEnvInt("DEDUP_CONTENT_TTL_MS", 24*60*60*1000)
	c.Dedup.SenderCooldownMS = getEnvInt("DEDUP_SENDER_COOLDOWN_MS", 6*60*60*1000)

	c.ThreatIntel.Enabled = getEnvBool("THREAT_INTEL_ENABLED", false)
	c.ThreatIntel.TimeoutMS = getEnvInt("THREAT_INTEL_TIMEOUT_MS", 2000)
	c.ThreatIntel.CacheTTLMS = getEnvInt("THREAT_INTEL_CACHE_TTL_MS", 60*60*1000)
	c.ThreatIntel.VTAPIKey = getEnv("THREAT_INTEL_VT_API_KEY", "")
	c.ThreatIntel.AbuseIPDBKey = getEnv("THREAT_INTEL_ABUSEIPDB_KEY", "")

	c.LLM.APIKey = getEnv("LLM_API_KEY", "")
	c.LLM.DemoMode = getEnvBool("LLM_DEMO_MODE", false)
	c.LLM.TimeoutMS = getEnvInt("LLM_TIMEOUT_MS", 15000)
	c.LLM.Retries = getEnvInt("LLM_RETRIES", 2)
	c.LLM.BreakerThreshold = uint32(getEnvInt("LLM_BREAKER_THRESHOLD", 5))
	c.LLM.BreakerResetMS = getEnvInt("LLM_BREAKER_RESET_MS", 30000)
	c.LLM.Model = getEnv("LLM_MODEL", "gpt-4o-mini")

	c.Cache.URL = getEnv("CACHE_URL", "")
	c.Cache.KeyPrefix = getEnv("CACHE_KEY_PREFIX", "phishtriage")

	c.Allowlist.Emails = getEnvSlice("ALLOWLIST_EMAILS", nil)
	c.Allowlist.Domains = getEnvSlice("ALLOWLIST_DOMAINS", nil)

	c.Concurrency.OrchestratorParallelLimit = getEnvInt("ORCHESTRATOR_PARALLEL_LIMIT", 5)
	c.Concurrency.QueueConcurrency = getEnvInt("QUEUE_CONCURRENCY", 2)
	c.Concurrency.QueueMaxRetries = getEnvInt("QUEUE_MAX_RETRIES", 5)
	c.Concurrency.QueueBackoffMS = getEnvInt("QUEUE_BACKOFF_MS", 1000)
	c.Concurrency.QueueMaxBackoffMS = getEnvInt("QUEUE_MAX_BACKOFF_MS", 60000)

	c.Guardrails.LRUAuthoritative = getEnvBool("GUARDRAILS_LRU_AUTHORITATIVE", false)
	c.Guardrails.MessageIDTTLMS = getEnvInt("GUARDRAILS_MESSAGE_ID_TTL_MS", 24*60*60*1000)

	c.Storage.DatabaseURL = getEnv("STORAGE_DATABASE_URL", "")

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// validate enforces the fatal-at-startup rule for production: a missing
// required key aborts the process with a message naming it.
func (c *Config) validate() error {
	if !c.IsProduction() {
		return nil
	}
	missing := []string{}
	if c.Mailbox.Address == "" {
		missing = append(missing, "MAILBOX_ADDRESS")
	}
	if c.Webhook.ClientState == "" {
		missing = append(missing, "WEBHOOK_CLIENT_STATE")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration in production: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (c *Config) IsDevelopment() bool { return c.Environment == "development" }
func (c *Config) IsProduction() bool  { return c.Environment == "production" }

func (c *Config) MailboxCheckInterval() time.Duration {
	return time.Duration(c.Mailbox.CheckIntervalMS) * time.Millisecond
}

func (c *Config) MailboxLookback() time.Duration {
	return time.Duration(c.Mailbox.LookbackMS) * time.Millisecond
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
