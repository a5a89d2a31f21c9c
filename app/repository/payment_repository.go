package repository

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/KiprotichDev/NetPesa/app/models"
)

// paymentRepository implements the PaymentRepository interface
type paymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository creates a new payment repository instance
func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

func (r *paymentRepository) Create(payment *models.Payment) error {
	return r.db.Create(payment).Error
}

func (r *paymentRepository) Update(payment *models.Payment) error {
	return r.db.Save(payment).Error
}

func (r *paymentRepository) GetByID(id uint) (*models.Payment, error) {
	var payment models.Payment
	if err := r.db.First(&payment, id).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *paymentRepository) GetByCheckoutRequestID(checkoutID string) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.Where("checkout_request_id = ?", checkoutID).First(&payment).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *paymentRepository) TransitionIfPending(id uint, status string, at time.Time) (bool, error) {
	return r.TransitionStatus(id, models.PaymentStatusPending, status, at)
}

func (r *paymentRepository) TransitionStatus(id uint, from, to string, at time.Time) (bool, error) {
	tx := r.db.Model(&models.Payment{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{
			"status":       to,
			"completed_at": at,
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *paymentRepository) CompleteIfPending(id uint, receipt string, completedAt, expiresAt time.Time) (bool, error) {
	completed := false
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var payment models.Payment
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&payment, id).Error; err != nil {
			return err
		}

		// A second delivery for the same correlation id may have slipped past
		// the queue-level idempotency key. The row lock plus this re-check
		// closes that race.
		if payment.Status != models.PaymentStatusPending {
			return nil
		}

		if err := tx.Model(&models.Payment{}).Where("id = ?", id).
			Updates(map[string]interface{}{
				"status":         models.PaymentStatusCompleted,
				"receipt_number": receipt,
				"completed_at":   completedAt,
				"expires_at":     expiresAt,
			}).Error; err != nil {
			return err
		}
		completed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return completed, nil
}

func (r *paymentRepository) ListStalePending(cutoff time.Time, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	err := r.db.
		Where("status = ? AND created_at < ? AND updated_at < ?",
			models.PaymentStatusPending, cutoff, cutoff).
		Order("id ASC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}
