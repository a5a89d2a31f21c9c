// Package reconcile implements the payment reconciliation state machine:
// pending → {completed, failed, fraud_detected, verification_failed,
// completed_but_access_grant_failed}. All non-pending states are terminal.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/KiprotichDev/NetPesa/app/models"
	"github.com/KiprotichDev/NetPesa/app/repository"
	"github.com/KiprotichDev/NetPesa/internal/pkg/mpesa"
	"github.com/KiprotichDev/NetPesa/internal/pkg/netgrant"
	"github.com/KiprotichDev/NetPesa/internal/pkg/tariff"
)

const defaultVerifyTimeout = 10 * time.Second

// Outcome is the tagged result of processing one job: either a terminal
// payment status was reached, or a retryable error occurred. Only the latter
// translates into a queue retry; business failures are terminal, not thrown.
type Outcome struct {
	Terminal         string
	AlreadyProcessed bool
	Err              error
}

// Retryable reports whether the job should go back to the queue.
func (o Outcome) Retryable() bool {
	return o.Err != nil
}

func terminal(status string) Outcome {
	return Outcome{Terminal: status}
}

func retryable(err error) Outcome {
	return Outcome{Err: err}
}

// Processor drives a single payment from a webhook callback to a terminal
// state. It is the only writer of payment status besides the timeout sweeps.
type Processor struct {
	payments   repository.PaymentRepository
	sessions   repository.SessionRepository
	users      repository.UserRepository
	audit      repository.AuditRepository
	gateway    mpesa.Verifier
	controller netgrant.Controller

	verifyTimeout time.Duration
}

// NewProcessor wires the reconciliation worker from injected collaborators.
func NewProcessor(
	repos *repository.Repositories,
	gateway mpesa.Verifier,
	controller netgrant.Controller,
) *Processor {
	return &Processor{
		payments:      repos.Payment,
		sessions:      repos.Session,
		users:         repos.User,
		audit:         repos.Audit,
		gateway:       gateway,
		controller:    controller,
		verifyTimeout: defaultVerifyTimeout,
	}
}

// Process runs the transition algorithm for one callback. Any retryable
// outcome leaves the payment pending so a later attempt (or the timeout
// sweep) can finish the job.
func (p *Processor) Process(ctx context.Context, cb *mpesa.Callback) Outcome {
	// Step 1: idempotency guard.
	payment, err := p.payments.GetByCheckoutRequestID(cb.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// The record should exist from initiation; its absence is a
			// consistency error worth retrying, not a business failure.
			return retryable(fmt.Errorf("no payment record for checkout id %s", cb.CheckoutRequestID))
		}
		return retryable(fmt.Errorf("payment lookup failed: %w", err))
	}
	if payment.IsTerminal() {
		log.Infof("[Reconcile] Payment %s already processed (status=%s)", cb.CheckoutRequestID, payment.Status)
		return Outcome{Terminal: payment.Status, AlreadyProcessed: true}
	}

	// Step 2: gateway-reported outcome.
	if !cb.IsSuccess() {
		out, done := p.transition(payment, models.PaymentStatusFailed)
		if done {
			p.auditEntry(models.AuditActionPaymentFailed, fmt.Sprintf(
				"checkout_id=%s result_code=%d desc=%q", cb.CheckoutRequestID, cb.ResultCode, cb.ResultDesc))
		}
		return out
	}

	// Step 3: amount verification. A mismatch is a hard security gate; it is
	// never silently corrected.
	if cb.Amount == nil || *cb.Amount != payment.Amount {
		got := "absent"
		if cb.Amount != nil {
			got = fmt.Sprintf("%.2f", *cb.Amount)
		}
		out, done := p.transition(payment, models.PaymentStatusFraudDetected)
		if done {
			p.auditEntry(models.AuditActionFraudDetected, fmt.Sprintf(
				"checkout_id=%s expected_amount=%.2f callback_amount=%s phone=%s",
				cb.CheckoutRequestID, payment.Amount, got, payment.PhoneNumber))
		}
		return out
	}

	// Step 4: independent verification against the gateway's query API.
	vctx, cancel := context.WithTimeout(ctx, p.verifyTimeout)
	query, err := p.gateway.QueryStatus(vctx, cb.CheckoutRequestID)
	cancel()
	if err != nil || !query.IsSuccess() {
		detail := fmt.Sprintf("checkout_id=%s", cb.CheckoutRequestID)
		if err != nil {
			detail += fmt.Sprintf(" query_error=%q", err.Error())
		} else {
			detail += fmt.Sprintf(" result_code=%s desc=%q", query.ResultCode, query.ResultDesc)
		}
		out, done := p.transition(payment, models.PaymentStatusVerificationFailed)
		if done {
			p.auditEntry(models.AuditActionVerificationFailed, detail)
		}
		return out
	}

	// Step 5: atomic completion.
	pkg, err := tariff.ForAmount(payment.Amount)
	if err != nil {
		// Initiation validated the amount against the tariff table, so this
		// only happens if the table changed underneath a pending payment.
		return retryable(fmt.Errorf("no tariff for verified amount: %w", err))
	}

	now := time.Now()
	expiresAt := now.Add(pkg.Duration)
	completed, err := p.payments.CompleteIfPending(payment.ID, cb.ReceiptNumber, now, expiresAt)
	if err != nil {
		return retryable(fmt.Errorf("atomic completion failed: %w", err))
	}
	if !completed {
		log.Infof("[Reconcile] Payment %s completed by a concurrent job", cb.CheckoutRequestID)
		return Outcome{Terminal: models.PaymentStatusCompleted, AlreadyProcessed: true}
	}
	p.auditEntry(models.AuditActionPaymentCompleted, fmt.Sprintf(
		"checkout_id=%s receipt=%s amount=%.2f package=%s expires_at=%s",
		cb.CheckoutRequestID, cb.ReceiptNumber, payment.Amount, pkg.Label, expiresAt.Format(time.RFC3339)))

	// Step 6: compensating action. Money has been charged; a failed grant is
	// recorded as a partial-failure state for operator remediation, never
	// rolled back into a refund.
	//
	// The one-active-session rule is re-checked here, not only at initiation:
	// two payments for the same device can both sit pending, and only the
	// first to complete may hold the grant. From this point the payment is
	// already completed, so nothing below may return a retryable outcome (a
	// retry would see a terminal payment and never grant).
	if existing, err := p.sessions.GetActiveByMac(payment.MacAddress, now); err == nil {
		log.Warnf("[Reconcile] Device %s already holds session %d; not granting for %s",
			payment.MacAddress, existing.ID, cb.CheckoutRequestID)
		return p.grantFailed(payment, cb.CheckoutRequestID,
			fmt.Sprintf("device already bound by session %d", existing.ID))
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return p.grantFailed(payment, cb.CheckoutRequestID, "active session lookup failed: "+err.Error())
	}

	comment := netgrant.GrantComment(cb.CheckoutRequestID, pkg.Label)
	res := p.controller.Grant(ctx, payment.MacAddress, pkg.Label, comment)
	if !res.Success {
		return p.grantFailed(payment, cb.CheckoutRequestID, res.Message)
	}

	if err := p.createSession(payment, now, expiresAt); err != nil {
		// The binding exists but the ledger write failed. Undo the binding
		// best-effort and leave the payment in the operator state.
		log.Errorf("[Reconcile] Session write failed for %s: %v", cb.CheckoutRequestID, err)
		if undo := p.controller.Revoke(ctx, payment.MacAddress); !undo.Success {
			log.Errorf("[Reconcile] Revoke after session failure also failed: %s", undo.Message)
		}
		return p.grantFailed(payment, cb.CheckoutRequestID, "session ledger write failed: "+err.Error())
	}

	return terminal(models.PaymentStatusCompleted)
}

// transition performs a pending→status change. Returns done=false only for
// infrastructure errors (retryable); losing the race to another writer is
// reported as already processed.
func (p *Processor) transition(payment *models.Payment, status string) (Outcome, bool) {
	ok, err := p.payments.TransitionIfPending(payment.ID, status, time.Now())
	if err != nil {
		return retryable(fmt.Errorf("transition to %s failed: %w", status, err)), false
	}
	if !ok {
		return Outcome{Terminal: status, AlreadyProcessed: true}, false
	}
	return terminal(status), true
}

func (p *Processor) grantFailed(payment *models.Payment, checkoutID, message string) Outcome {
	ok, err := p.payments.TransitionStatus(
		payment.ID, models.PaymentStatusCompleted, models.PaymentStatusGrantFailed, time.Now())
	if err != nil {
		return retryable(fmt.Errorf("transition to grant-failed failed: %w", err))
	}
	if ok {
		p.auditEntry(models.AuditActionGrantFailed, fmt.Sprintf(
			"checkout_id=%s mac=%s message=%q", checkoutID, payment.MacAddress, message))
	}
	return terminal(models.PaymentStatusGrantFailed)
}

func (p *Processor) createSession(payment *models.Payment, grantedAt, expiresAt time.Time) error {
	user, err := p.users.UpsertByPhone(payment.PhoneNumber, payment.MacAddress)
	if err != nil {
		return fmt.Errorf("user upsert failed: %w", err)
	}

	session := &models.Session{
		UserID:     user.ID,
		PaymentID:  &payment.ID,
		MacAddress: payment.MacAddress,
		IPAddress:  payment.SourceIP,
		GrantedAt:  grantedAt,
		ExpiresAt:  expiresAt,
	}
	if err := p.sessions.Create(session); err != nil {
		return fmt.Errorf("session create failed: %w", err)
	}

	p.auditEntry(models.AuditActionSessionGranted, fmt.Sprintf(
		"session_id=%d mac=%s phone=%s expires_at=%s",
		session.ID, payment.MacAddress, payment.PhoneNumber, expiresAt.Format(time.RFC3339)))
	return nil
}

func (p *Processor) auditEntry(action, detail string) {
	if err := p.audit.Write(action, detail, "reconcile-worker"); err != nil {
		log.Errorf("[Reconcile] Failed to write audit entry %s: %v", action, err)
	}
}
