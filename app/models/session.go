package models

import (
	"time"
)

const (
	DisconnectReasonNone    = ""
	DisconnectReasonUser    = "user"
	DisconnectReasonAdmin   = "admin"
	DisconnectReasonExpired = "expired"
	DisconnectReasonError   = "error"
)

// Session is one row per granted network access window. At most one session
// per MAC address may be active (disconnected_at IS NULL and expires_at in
// the future) at any time.
type Session struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	UserID           uint       `gorm:"not null;index" json:"user_id"`
	PaymentID        *uint      `gorm:"index" json:"payment_id"`
	MacAddress       string     `gorm:"type:varchar(17);not null;index" json:"mac_address"`
	IPAddress        string     `gorm:"type:varchar(45)" json:"ip_address"`
	GrantedAt        time.Time  `gorm:"type:timestamp;not null" json:"granted_at"`
	ExpiresAt        time.Time  `gorm:"type:timestamp;not null;index" json:"expires_at"`
	DisconnectedAt   *time.Time `gorm:"type:timestamp;default:null;index" json:"disconnected_at"`
	DisconnectReason string     `gorm:"type:varchar(20);default:''" json:"disconnect_reason"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsActive reports whether the session still grants access at the given time.
func (s *Session) IsActive(now time.Time) bool {
	return s.DisconnectedAt == nil && s.ExpiresAt.After(now)
}

// Disconnect marks the session closed with the given reason. Idempotent: a
// session that is already disconnected keeps its original reason and time.
func (s *Session) Disconnect(reason string, at time.Time) {
	if s.DisconnectedAt != nil {
		return
	}
	s.DisconnectedAt = &at
	s.DisconnectReason = reason
}
