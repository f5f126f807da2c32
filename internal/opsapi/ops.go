// Package opsapi exposes the operations endpoints: liveness, a
// per-component readiness map, and aggregated counters with percentiles.
package opsapi

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"phishtriage/pkg/metrics"
)

// HealthFunc reports whether one registered component is currently
// healthy; a non-nil error means unhealthy and is surfaced verbatim.
type HealthFunc func() error

// Handler implements /health, /ready, and /metrics.
type Handler struct {
	startedAt  time.Time
	components map[string]HealthFunc
	metrics    *metrics.Registry
}

func New(m *metrics.Registry) *Handler {
	return &Handler{startedAt: time.Now(), components: make(map[string]HealthFunc), metrics: m}
}

// Register adds a named component health check consulted by /ready.
func (h *Handler) Register(name string, fn HealthFunc) {
	h.components[name] = fn
}

// Mount wires the three endpoints onto app.
func (h *Handler) Mount(app *fiber.App) {
	app.Get("/health", h.Health)
	app.Get("/ready", h.Ready)
	app.Get("/metrics", h.Metrics)
}

// Health is the liveness endpoint: always 200 while the process is up.
func (h *Handler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startedAt).String(),
	})
}

// Ready is the readiness endpoint: 200 iff every registered component
// reports healthy, else 503 with the per-component map.
func (h *Handler) Ready(c *fiber.Ctx) error {
	components := make(map[string]string, len(h.components))
	allHealthy := true
	for name, fn := range h.components {
		if err := fn(); err != nil {
			components[name] = err.Error()
			allHealthy = false
			continue
		}
		components[name] = "ok"
	}

	status := fiber.StatusOK
	if !allHealthy {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{"components": components})
}

// metricNames are the reservoir names the operations endpoint reports
// percentiles for; the registry itself has no enumeration method since
// reservoirs are created lazily on first Observe.
var metricNames = []string{
	"pipeline_duration_ms",
	"webhook_to_start_ms",
	"risk_score",
	"webhook_batch_size",
}

// Metrics reports every counter plus percentile samples for the known
// reservoir names, computed on demand.
func (h *Handler) Metrics(c *fiber.Ctx) error {
	counters := h.metrics.Snapshot()

	percentiles := make(map[string]metrics.Percentiles, len(metricNames))
	for _, name := range metricNames {
		p := h.metrics.Percentiles(name)
		if p.Count > 0 {
			percentiles[name] = p
		}
	}

	return c.JSON(fiber.Map{
		"counters":    counters,
		"percentiles": percentiles,
	})
}
