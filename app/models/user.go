package models

import (
	"time"
)

const (
	STATUS_ACTIVE   = "active"
	STATUS_BLOCKED  = "blocked"
	STATUS_INACTIVE = "inactive"
)

// User is keyed by phone number (the M-Pesa payer identity). Rows are
// upserted at session grant time; status is only changed by admins or the
// anti-abuse logic.
type User struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	PhoneNumber    string    `gorm:"type:varchar(15);uniqueIndex;not null" json:"phone_number"`
	LastMacAddress string    `gorm:"type:varchar(17)" json:"last_mac_address"`
	Status         string    `gorm:"type:varchar(20);default:'active'" json:"status"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsActive reports whether the user may be granted access
func (u *User) IsActive() bool {
	return u.Status == STATUS_ACTIVE
}
