package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/KiprotichDev/NetPesa/app/models"
)

// sessionRepository implements the SessionRepository interface
type sessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository creates a new session repository instance
func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &sessionRepository{db: db}
}

func (r *sessionRepository) Create(session *models.Session) error {
	return r.db.Create(session).Error
}

func (r *sessionRepository) GetByID(id uint) (*models.Session, error) {
	var session models.Session
	if err := r.db.First(&session, id).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepository) GetActiveByMac(mac string, now time.Time) (*models.Session, error) {
	var session models.Session
	err := r.db.
		Where("mac_address = ? AND disconnected_at IS NULL AND expires_at > ?", mac, now).
		Order("expires_at DESC").
		First(&session).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepository) ListExpiredActive(now time.Time, limit int) ([]models.Session, error) {
	var sessions []models.Session
	err := r.db.
		Where("disconnected_at IS NULL AND expires_at <= ?", now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}

func (r *sessionRepository) MarkDisconnected(id uint, reason string, at time.Time) (bool, error) {
	tx := r.db.Model(&models.Session{}).
		Where("id = ? AND disconnected_at IS NULL", id).
		Updates(map[string]interface{}{
			"disconnected_at":   at,
			"disconnect_reason": reason,
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}
