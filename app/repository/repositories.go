package repository

import (
	"gorm.io/gorm"
)

// NewRepositories creates all repository implementations
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Payment: NewPaymentRepository(db),
		Session: NewSessionRepository(db),
		User:    NewUserRepository(db),
		Audit:   NewAuditRepository(db),
	}
}
