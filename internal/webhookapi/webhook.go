// Package webhookapi exposes the push-notification webhook endpoint: the
// validation-token handshake, notification parsing, the clientState
// check, and enqueueing into the notification queue.
package webhookapi

import (
	"errors"
	"regexp"

	"github.com/gofiber/fiber/v2"

	"phishtriage/internal/subscription"
	"phishtriage/pkg/apperr"
	"phishtriage/pkg/logger"
	"phishtriage/pkg/metrics"
)

// ErrorHandler renders *apperr.AppError values returned by handlers as
// {error: {code, message}} with the error's own status. A *fiber.Error keeps
// its status code and any other error becomes a 500; both are rendered in
// the same JSON shape with the internal-error code. Installed app-wide at
// bootstrap.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var appErr *apperr.AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(fiber.Map{
			"error": fiber.Map{"code": appErr.Code, "message": appErr.Message},
		})
	}
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(fiber.Map{
			"error": fiber.Map{"code": apperr.CodeInternalError, "message": fiberErr.Message},
		})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": fiber.Map{"code": apperr.CodeInternalError, "message": "internal error"},
	})
}

var validationTokenPattern = regexp.MustCompile(`^[\w\-.~+/=%]+$`)

const maxValidationTokenLen = 4096

// Notification is one entry in a change-notification POST's value array.
type Notification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	LifecycleEvent string `json:"lifecycleEvent"`
	ResourceData   struct {
		ID string `json:"id"`
	} `json:"resourceData"`
}

// Payload is the body shape of a change-notification POST.
type Payload struct {
	Value []Notification `json:"value"`
}

// Enqueuer is the subset of the Notification Queue the handler needs.
type Enqueuer interface {
	Enqueue(messageID string) bool
}

// ArrivalRecorder lets the handler stamp a message-id's arrival time for
// the orchestrator's webhook-to-start latency metric.
type ArrivalRecorder interface {
	RecordArrival(messageID string)
}

// Handler serves the change-notification webhook route.
type Handler struct {
	clientState string
	queue       Enqueuer
	arrivals    ArrivalRecorder
	subs        *subscription.Manager
	metrics     *metrics.Registry
}

func New(clientState string, q Enqueuer, arrivals ArrivalRecorder, subs *subscription.Manager, m *metrics.Registry) *Handler {
	return &Handler{clientState: clientState, queue: q, arrivals: arrivals, subs: subs, metrics: m}
}

// Register wires the handler's route onto app.
func (h *Handler) Register(app *fiber.App) {
	app.Post("/webhooks/mail", h.HandleMail)
}

// HandleMail handles POST /webhooks/mail.
func (h *Handler) HandleMail(c *fiber.Ctx) error {
	if token := c.Query("validationToken"); token != "" {
		return h.handleValidation(c, token)
	}

	var payload Payload
	if err := c.BodyParser(&payload); err != nil {
		return apperr.BadRequest("malformed webhook body")
	}
	if len(payload.Value) == 0 {
		return apperr.BadRequest("webhook body must contain a non-empty value array")
	}

	for _, n := range payload.Value {
		if n.ClientState != h.clientState {
			return apperr.Forbidden("clientState mismatch")
		}
	}

	log := logger.Get()
	queued := 0
	for _, n := range payload.Value {
		if n.LifecycleEvent != "" {
			h.handleLifecycle(n.LifecycleEvent)
			continue
		}
		if n.ChangeType != "created" {
			continue
		}
		id := n.ResourceData.ID
		if id == "" {
			continue
		}
		if h.arrivals != nil {
			h.arrivals.RecordArrival(id)
		}
		if h.queue.Enqueue(id) {
			queued++
		}
		log.Debug().Str("message_id", id).Msg("webhookapi: enqueued from push notification")
	}

	h.inc("webhook_notifications_received")
	h.observe("webhook_batch_size", float64(len(payload.Value)))

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "accepted"})
}

func (h *Handler) handleValidation(c *fiber.Ctx, token string) error {
	if len(token) > maxValidationTokenLen || !validationTokenPattern.MatchString(token) {
		return apperr.BadRequest("invalid validationToken")
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlain)
	return c.SendString(token)
}

func (h *Handler) handleLifecycle(kind string) {
	if h.subs == nil {
		return
	}
	switch kind {
	case "subscriptionRemoved":
		h.subs.NotifySubscriptionRemoved()
	case "reauthorizationRequired":
		h.subs.NotifyReauthorizationRequired()
	case "missed":
		h.subs.NotifyMissed()
	}
	h.inc("webhook_lifecycle_" + kind)
}

func (h *Handler) inc(name string) {
	if h.metrics == nil {
		return
	}
	h.metrics.Counter(name).Inc()
}

func (h *Handler) observe(name string, v float64) {
	if h.metrics == nil {
		return
	}
	h.metrics.Observe(name, v)
}
