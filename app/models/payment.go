package models

import (
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	PaymentStatusPending            = "pending"
	PaymentStatusCompleted          = "completed"
	PaymentStatusFailed             = "failed"
	PaymentStatusFraudDetected      = "fraud_detected"
	PaymentStatusVerificationFailed = "verification_failed"
	PaymentStatusGrantFailed        = "completed_but_access_grant_failed"
	PaymentStatusExpired            = "expired"
)

// Payment is the authoritative row per payment attempt. Status is a closed
// enumeration; every status except pending is terminal and once reached no
// field other than audit metadata may change.
type Payment struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	TransactionRef    string     `gorm:"type:varchar(40);uniqueIndex" json:"transaction_ref"`
	CheckoutRequestID *string    `gorm:"type:varchar(100);uniqueIndex" json:"checkout_request_id"`
	MerchantRequestID string     `gorm:"type:varchar(100)" json:"merchant_request_id"`
	PhoneNumber       string     `gorm:"type:varchar(15);index" json:"phone_number" validate:"required,min=10,max=15"`
	Amount            float64    `gorm:"type:decimal(10,2);not null" json:"amount" validate:"required,gt=0"`
	DurationLabel     string     `gorm:"type:varchar(20)" json:"duration_label"`
	MacAddress        string     `gorm:"type:varchar(17);index" json:"mac_address" validate:"required"`
	SourceIP          string     `gorm:"type:varchar(45)" json:"source_ip"`
	Status            string     `gorm:"type:varchar(40);default:'pending';index" json:"status"`
	ReceiptNumber     string     `gorm:"type:varchar(50)" json:"receipt_number"`
	ExpiresAt         *time.Time `gorm:"type:timestamp;default:null" json:"expires_at"`
	CompletedAt       *time.Time `gorm:"type:timestamp;default:null" json:"completed_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p *Payment) Validate() error {
	v := validator.New()

	return v.Struct(p)
}

// IsTerminal reports whether the payment has reached a final status.
func (p *Payment) IsTerminal() bool {
	return IsTerminalPaymentStatus(p.Status)
}

// IsTerminalPaymentStatus reports whether status is one of the terminal values.
func IsTerminalPaymentStatus(status string) bool {
	switch status {
	case PaymentStatusCompleted,
		PaymentStatusFailed,
		PaymentStatusFraudDetected,
		PaymentStatusVerificationFailed,
		PaymentStatusGrantFailed,
		PaymentStatusExpired:
		return true
	default:
		return false
	}
}

// IsDisplaySuccess maps the internal status onto what a paying customer should
// see. All terminal failure variants collapse to "not successful"; the
// distinction stays internal for operators.
func (p *Payment) IsDisplaySuccess() bool {
	return p.Status == PaymentStatusCompleted
}
