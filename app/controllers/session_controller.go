package controllers

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/KiprotichDev/NetPesa/app/models"
	"github.com/KiprotichDev/NetPesa/app/repository"
	"github.com/KiprotichDev/NetPesa/internal/pkg/admission"
	"github.com/KiprotichDev/NetPesa/internal/pkg/netgrant"
)

// SessionController exposes the user-facing disconnect plus a status lookup
// for the portal's "you are online" view.
type SessionController struct {
	sessions   repository.SessionRepository
	audit      repository.AuditRepository
	controller netgrant.Controller
}

func NewSessionController(sessions repository.SessionRepository, audit repository.AuditRepository, controller netgrant.Controller) *SessionController {
	return &SessionController{
		sessions:   sessions,
		audit:      audit,
		controller: controller,
	}
}

// DisconnectRequest identifies the device asking to go offline.
type DisconnectRequest struct {
	MacAddress string `json:"mac_address"`
}

// HandleDisconnect ends the caller's active session early. The ledger row is
// closed even if the revoke fails, mirroring the expiry sweep: the binding
// ages out on the device side.
func (sc *SessionController) HandleDisconnect(c *fiber.Ctx) error {
	var req DisconnectRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Malformed JSON body"})
	}

	mac, err := admission.NormalizeMac(req.MacAddress)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_mac", "message": err.Error()})
	}

	now := time.Now()
	session, err := sc.sessions.GetActiveByMac(mac, now)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no_active_session", "message": "No active session for this device"})
		}
		log.Errorf("[Session] Active session lookup failed for %s: %v", mac, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load session"})
	}

	if res := sc.controller.Revoke(c.Context(), mac); !res.Success {
		log.Warnf("[Session] Revoke for %s failed: %s", mac, res.Message)
	}

	ok, err := sc.sessions.MarkDisconnected(session.ID, models.DisconnectReasonUser, now)
	if err != nil {
		log.Errorf("[Session] Failed to close session %d: %v", session.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to close session"})
	}
	if ok {
		detail := fmt.Sprintf("session_id=%d mac=%s reason=%s", session.ID, mac, models.DisconnectReasonUser)
		if err := sc.audit.Write(models.AuditActionSessionDisconnect, detail, ""); err != nil {
			log.Errorf("[Session] Failed to write audit entry: %v", err)
		}
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"success": true})
}

// HandleStatus reports whether the calling device currently has access.
func (sc *SessionController) HandleStatus(c *fiber.Ctx) error {
	mac, err := admission.NormalizeMac(c.Query("mac"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_mac", "message": err.Error()})
	}

	session, err := sc.sessions.GetActiveByMac(mac, time.Now())
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusOK).JSON(fiber.Map{"active": false})
		}
		log.Errorf("[Session] Active session lookup failed for %s: %v", mac, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load session"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"active":     true,
		"expires_at": session.ExpiresAt.UTC().Format(time.RFC3339),
	})
}
