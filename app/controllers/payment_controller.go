package controllers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/KiprotichDev/NetPesa/app/models"
	"github.com/KiprotichDev/NetPesa/app/repository"
	"github.com/KiprotichDev/NetPesa/internal/pkg/admission"
	"github.com/KiprotichDev/NetPesa/internal/pkg/mpesa"
	"github.com/KiprotichDev/NetPesa/internal/pkg/tariff"
)

// Initiator is the gateway surface the initiation flow needs.
type Initiator interface {
	STKPush(ctx context.Context, phone string, amount float64, accountRef string) (*mpesa.STKPushResult, error)
}

// PaymentController owns the customer-facing payment endpoints: initiating an
// STK push and polling the resulting record.
type PaymentController struct {
	payments  repository.PaymentRepository
	checker   *admission.Checker
	gateway   Initiator
	validator *validator.Validate
}

func NewPaymentController(payments repository.PaymentRepository, checker *admission.Checker, gateway Initiator) *PaymentController {
	return &PaymentController{
		payments:  payments,
		checker:   checker,
		gateway:   gateway,
		validator: validator.New(),
	}
}

// InitiatePaymentRequest is the captive-portal purchase form.
type InitiatePaymentRequest struct {
	PhoneNumber string  `json:"phone_number" validate:"required,min=10,max=15"`
	Amount      float64 `json:"amount" validate:"required,gt=0"`
	MacAddress  string  `json:"mac_address" validate:"required"`
}

// HandleInitiate validates the purchase, runs the admission gate, records the
// pending payment and fires the STK push. The pending row exists before the
// push so the webhook always finds its correlation id.
func (pc *PaymentController) HandleInitiate(c *fiber.Ctx) error {
	var req InitiatePaymentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Malformed JSON body"})
	}
	if err := pc.validator.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": err.Error()})
	}

	pkg, err := tariff.ForAmount(req.Amount)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":    "unknown_amount",
			"message":  fmt.Sprintf("KES %.0f does not match any package", req.Amount),
			"packages": tariff.All(),
		})
	}

	mac, err := pc.checker.Check(c.Context(), req.MacAddress, c.IP())
	if err != nil {
		switch {
		case errors.Is(err, admission.ErrAlreadyActive):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "already_active", "message": "This device already has an active session"})
		case errors.Is(err, admission.ErrInvalidMac), errors.Is(err, admission.ErrMulticastMac):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_mac", "message": err.Error()})
		default:
			log.Errorf("[Payment] Admission check failed: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Admission check failed"})
		}
	}

	phone := normalizePhone(req.PhoneNumber)
	payment := &models.Payment{
		TransactionRef: "NP-" + uuid.New().String(),
		PhoneNumber:    phone,
		Amount:         pkg.Amount,
		DurationLabel:  pkg.Label,
		MacAddress:     mac,
		SourceIP:       c.IP(),
		Status:         models.PaymentStatusPending,
	}
	if err := pc.payments.Create(payment); err != nil {
		log.Errorf("[Payment] Failed to create payment record: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to create payment"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	push, err := pc.gateway.STKPush(ctx, phone, pkg.Amount, payment.TransactionRef)
	if err != nil {
		log.Errorf("[Payment] STK push failed for %s: %v", payment.TransactionRef, err)
		if _, terr := pc.payments.TransitionIfPending(payment.ID, models.PaymentStatusFailed, time.Now()); terr != nil {
			log.Errorf("[Payment] Failed to mark payment %d failed: %v", payment.ID, terr)
		}
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "stk_push_failed", "message": "Could not reach the payment gateway, please try again"})
	}

	payment.CheckoutRequestID = &push.CheckoutRequestID
	payment.MerchantRequestID = push.MerchantRequestID
	if err := pc.payments.Update(payment); err != nil {
		// The push went out; without the correlation id the callback can never
		// match this row and the timeout sweep will expire it.
		log.Errorf("[Payment] Failed to store checkout id %s: %v", push.CheckoutRequestID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to record payment request"})
	}

	log.Infof("[Payment] STK push sent: ref=%s checkout_id=%s amount=%.0f package=%s",
		payment.TransactionRef, push.CheckoutRequestID, pkg.Amount, pkg.Label)

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"checkout_request_id": push.CheckoutRequestID,
		"customer_message":    push.CustomerMessage,
		"package":             pkg.Label,
	})
}

// HandleStatus is the polling endpoint the portal page uses while the customer
// confirms on their phone. Internal failure variants collapse to "failed" for
// display; the raw status is included for operators.
func (pc *PaymentController) HandleStatus(c *fiber.Ctx) error {
	checkoutID := strings.TrimSpace(c.Params("checkoutID"))
	if checkoutID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Missing checkout id"})
	}

	payment, err := pc.payments.GetByCheckoutRequestID(checkoutID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Unknown payment"})
		}
		log.Errorf("[Payment] Status lookup failed for %s: %v", checkoutID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load payment"})
	}

	display := "pending"
	if payment.IsTerminal() {
		display = "failed"
		if payment.IsDisplaySuccess() {
			display = "success"
		}
	}

	resp := fiber.Map{
		"status":  payment.Status,
		"display": display,
	}
	if payment.ExpiresAt != nil {
		resp["expires_at"] = payment.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

// normalizePhone converts local Kenyan formats (07.., +254..) to the 254
// form the gateway expects.
func normalizePhone(raw string) string {
	phone := strings.TrimSpace(raw)
	phone = strings.TrimPrefix(phone, "+")
	if strings.HasPrefix(phone, "0") {
		phone = "254" + phone[1:]
	}
	return phone
}
