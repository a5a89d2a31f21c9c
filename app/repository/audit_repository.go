package repository

import (
	"gorm.io/gorm"

	"github.com/KiprotichDev/NetPesa/app/models"
)

// auditRepository implements the AuditRepository interface
type auditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates a new audit repository instance
func NewAuditRepository(db *gorm.DB) AuditRepository {
	return &auditRepository{db: db}
}

func (r *auditRepository) Write(action, detail, actor string) error {
	return r.db.Create(&models.AuditLog{
		Action: action,
		Detail: detail,
		Actor:  actor,
	}).Error
}
