package repository

import (
	"time"

	"github.com/KiprotichDev/NetPesa/app/models"
)

// PaymentRepository defines the interface for payment-related database operations
type PaymentRepository interface {
	Create(payment *models.Payment) error
	Update(payment *models.Payment) error
	GetByID(id uint) (*models.Payment, error)
	GetByCheckoutRequestID(checkoutID string) (*models.Payment, error)
	// TransitionIfPending sets a terminal status only when the row is still
	// pending. Returns false when another writer got there first.
	TransitionIfPending(id uint, status string, at time.Time) (bool, error)
	// TransitionStatus performs a guarded from→to status change. Used for the
	// completed → completed_but_access_grant_failed step, where the row is
	// already past pending.
	TransitionStatus(id uint, from, to string, at time.Time) (bool, error)
	// CompleteIfPending performs the atomic completion: re-reads the row under
	// a row lock, confirms it is still pending, then writes completed status,
	// receipt reference and session expiry in one transaction.
	CompleteIfPending(id uint, receipt string, completedAt, expiresAt time.Time) (bool, error)
	ListStalePending(cutoff time.Time, limit int) ([]models.Payment, error)
}

// SessionRepository defines the interface for session ledger operations
type SessionRepository interface {
	Create(session *models.Session) error
	GetByID(id uint) (*models.Session, error)
	// GetActiveByMac returns the session holding the "already active" slot for
	// a MAC address, or gorm.ErrRecordNotFound.
	GetActiveByMac(mac string, now time.Time) (*models.Session, error)
	ListExpiredActive(now time.Time, limit int) ([]models.Session, error)
	// MarkDisconnected closes a session only if it is not yet disconnected.
	MarkDisconnected(id uint, reason string, at time.Time) (bool, error)
}

// UserRepository defines the interface for user-related database operations
type UserRepository interface {
	GetByPhone(phone string) (*models.User, error)
	// UpsertByPhone creates or refreshes the user row keyed by phone number,
	// recording the most recently seen MAC address.
	UpsertByPhone(phone, mac string) (*models.User, error)
}

// AuditRepository appends to the audit log. There is deliberately no read,
// update or delete surface here.
type AuditRepository interface {
	Write(action, detail, actor string) error
}

// Repositories bundles all repository implementations
type Repositories struct {
	Payment PaymentRepository
	Session SessionRepository
	User    UserRepository
	Audit   AuditRepository
}
