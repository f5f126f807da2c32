// Package explain produces an optional natural-language explanation of a
// borderline AnalysisResult via an LLM chat completion, wrapped in retry
// with backoff, a per-call timeout, and a consecutive-failure circuit
// breaker. Every failure is soft: the explanation is simply absent.
package explain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"

	"phishtriage/internal/domain"
	"phishtriage/pkg/logger"
)

const (
	borderlineLow  = 4.0
	borderlineHigh = 6.0
	maxIndicators  = 5
	maxBodyChars   = 500
)

// Config drives the explainer's model choice, demo mode, and resilience
// knobs.
type Config struct {
	APIKey           string
	Model            string
	DemoMode         bool
	Timeout          time.Duration
	Retries          int
	BreakerThreshold uint32
	BreakerReset     time.Duration
}

// Explainer wraps an OpenAI chat client behind a circuit breaker and a
// retry policy that does not retry authentication failures.
type Explainer struct {
	client *openai.Client
	model  string
	demo   bool
	cfg    Config
	cb     *gobreaker.CircuitBreaker
}

func New(cfg Config) *Explainer {
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}

	cbSettings := gobreaker.Settings{
		Name:        "llm-explainer",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     cfg.BreakerReset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			threshold := cfg.BreakerThreshold
			if threshold == 0 {
				threshold = 5
			}
			return counts.ConsecutiveFailures >= threshold
		},
	}

	return &Explainer{
		client: openai.NewClient(cfg.APIKey),
		model:  model,
		demo:   cfg.DemoMode,
		cfg:    cfg,
		cb:     gobreaker.NewCircuitBreaker(cbSettings),
	}
}

// newWithClient builds an Explainer around a caller-provided client,
// letting tests point at an httptest server instead of the real API.
func newWithClient(client *openai.Client, cfg Config) *Explainer {
	ex := New(cfg)
	ex.client = client
	return ex
}

// ShouldExplain reports whether the risk score warrants a call: the
// borderline band [4, 6], or demo mode unconditionally.
func (ex *Explainer) ShouldExplain(riskScore float64) bool {
	if ex == nil {
		return false
	}
	return ex.demo || (riskScore >= borderlineLow && riskScore <= borderlineHigh)
}

// Explain returns a natural-language explanation of result, or "" if the
// call fails for any reason. Failures are never surfaced to the caller as
// an error.
func (ex *Explainer) Explain(ctx context.Context, e domain.Email, result domain.AnalysisResult) string {
	if ex == nil {
		return ""
	}

	prompt := buildPrompt(e, result)

	var lastErr error
	retries := ex.cfg.Retries
	if retries <= 0 {
		retries = 1
	}
	backoff := 200 * time.Millisecond

	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ""
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		text, err := ex.call(ctx, prompt)
		if err == nil {
			return text
		}
		lastErr = err
		if isUnauthorized(err) {
			break
		}
	}

	if lastErr != nil {
		log := logger.Get()
		log.Warn().Err(lastErr).Msg("explain: giving up, omitting explanation")
	}
	return ""
}

func (ex *Explainer) call(ctx context.Context, prompt string) (string, error) {
	cctx := ctx
	var cancel context.CancelFunc
	if ex.cfg.Timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, ex.cfg.Timeout)
		defer cancel()
	}

	result, err := ex.cb.Execute(func() (interface{}, error) {
		resp, err := ex.client.CreateChatCompletion(cctx, openai.ChatCompletionRequest{
			Model: ex.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
		})
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", nil
		}
		return resp.Choices[0].Message.Content, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func isUnauthorized(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403
	}
	return false
}

func buildPrompt(e domain.Email, result domain.AnalysisResult) string {
	var b strings.Builder
	b.WriteString("You are a security analyst explaining an automated phishing triage verdict in two or three plain sentences.\n\n")
	fmt.Fprintf(&b, "Subject: %s\n", e.Subject)
	fmt.Fprintf(&b, "Sender: %s\n", e.From)
	fmt.Fprintf(&b, "Risk score: %.1f / 10\n", result.RiskScore)

	b.WriteString("Indicators:\n")
	indicators := result.Indicators
	if len(indicators) > maxIndicators {
		indicators = indicators[:maxIndicators]
	}
	for _, ind := range indicators {
		fmt.Fprintf(&b, "- [%s] %s\n", ind.Severity, ind.Description)
	}

	body := e.Body
	if len(body) > maxBodyChars {
		body = body[:maxBodyChars]
	}
	fmt.Fprintf(&b, "\nBody excerpt:\n%s\n", body)

	b.WriteString("\nExplain why this message received this score, in plain language for a non-technical recipient.")
	return b.String()
}
