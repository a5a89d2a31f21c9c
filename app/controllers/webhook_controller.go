package controllers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/KiprotichDev/NetPesa/internal/pkg/jobqueue"
	"github.com/KiprotichDev/NetPesa/internal/pkg/mpesa"
)

// Enqueuer is the queue surface the webhook handler needs.
type Enqueuer interface {
	EnqueueUnique(ctx context.Context, jobKey string, payload jobqueue.ReconcilePaymentJobPayload) (*jobqueue.Job, error)
}

// WebhookController is the ingestion gate: it validates the callback shape,
// hands the work to the durable queue and acknowledges immediately. The
// gateway retries on anything but a fast 200, so no processing happens here.
type WebhookController struct {
	queue Enqueuer
}

func NewWebhookController(queue Enqueuer) *WebhookController {
	return &WebhookController{queue: queue}
}

// HandleMpesaCallback accepts an STK push result notification. Every response
// is 200: a malformed body will not self-correct on gateway retry, and an
// enqueue failure is our outage, not the gateway's.
func (wc *WebhookController) HandleMpesaCallback(c *fiber.Ctx) error {
	ack := fiber.Map{"success": true}

	cb, err := mpesa.ParseCallback(c.BodyRaw())
	if err != nil {
		log.Warnf("[Webhook] Dropping malformed callback from %s: %v", c.IP(), err)
		return c.Status(fiber.StatusOK).JSON(ack)
	}

	payload := jobqueue.NewReconcilePaymentJobPayload(cb)
	if _, err := wc.queue.EnqueueUnique(c.Context(), cb.CheckoutRequestID, payload); err != nil {
		if errors.Is(err, jobqueue.ErrDuplicateJob) {
			log.Infof("[Webhook] Duplicate delivery for %s suppressed", cb.CheckoutRequestID)
		} else {
			log.Errorf("[Webhook] Failed to enqueue callback for %s: %v", cb.CheckoutRequestID, err)
		}
		return c.Status(fiber.StatusOK).JSON(ack)
	}

	log.Infof("[Webhook] Accepted callback for %s (result_code=%d)", cb.CheckoutRequestID, cb.ResultCode)
	return c.Status(fiber.StatusOK).JSON(ack)
}
