package models

import (
	"time"
)

const (
	AuditActionPaymentCompleted   = "payment_completed"
	AuditActionPaymentFailed      = "payment_failed"
	AuditActionPaymentExpired     = "payment_expired"
	AuditActionFraudDetected      = "fraud_detected"
	AuditActionVerificationFailed = "verification_failed"
	AuditActionGrantFailed        = "access_grant_failed"
	AuditActionSessionGranted     = "session_granted"
	AuditActionSessionExpired     = "session_expired"
	AuditActionSessionDisconnect  = "session_disconnected"
	AuditActionSpoofSuspected     = "spoof_suspected"
	AuditActionWebhookRejected    = "webhook_rejected"
)

// AuditLog is an append-only record of state transitions and security
// decisions. Rows are never updated or deleted; they exist for forensic
// reconstruction, not control flow.
type AuditLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Action    string    `gorm:"type:varchar(50);not null;index" json:"action"`
	Detail    string    `gorm:"type:text" json:"detail"`
	Actor     string    `gorm:"type:varchar(100);default:''" json:"actor"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
