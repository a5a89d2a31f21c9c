package repository

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/KiprotichDev/NetPesa/app/models"
)

// userRepository implements the UserRepository interface
type userRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new user repository instance
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) GetByPhone(phone string) (*models.User, error) {
	var user models.User
	if err := r.db.Where("phone_number = ?", phone).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) UpsertByPhone(phone, mac string) (*models.User, error) {
	user := &models.User{
		PhoneNumber:    phone,
		LastMacAddress: mac,
		Status:         models.STATUS_ACTIVE,
	}
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "phone_number"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"last_mac_address",
			"updated_at",
		}),
	}).Create(user).Error; err != nil {
		return nil, err
	}

	// Ensure ID and status reflect the stored row after upsert.
	return r.GetByPhone(phone)
}
