package jobqueue

import (
	"encoding/json"
	"time"

	"github.com/KiprotichDev/NetPesa/internal/pkg/mpesa"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeReconcilePayment JobType = "reconcile_payment"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background job
type Job struct {
	ID     string    `json:"id"`
	Type   JobType   `json:"type"`
	Status JobStatus `json:"status"`
	// JobKey is the correlation identifier used for queue-level deduplication.
	// For payment jobs it is the gateway's CheckoutRequestID.
	JobKey      string                 `json:"job_key"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// ReconcilePaymentJobPayload carries a parsed gateway callback through the
// queue. The webhook handler validates the raw body before enqueuing, so
// workers never see malformed payloads.
type ReconcilePaymentJobPayload struct {
	MerchantRequestID string   `json:"merchant_request_id"`
	CheckoutRequestID string   `json:"checkout_request_id"`
	ResultCode        int      `json:"result_code"`
	ResultDesc        string   `json:"result_desc"`
	Amount            *float64 `json:"amount,omitempty"`
	ReceiptNumber     string   `json:"receipt_number,omitempty"`
	PhoneNumber       string   `json:"phone_number,omitempty"`
	TransactionDate   string   `json:"transaction_date,omitempty"`
}

// NewReconcilePaymentJobPayload builds the queue payload from a parsed callback.
func NewReconcilePaymentJobPayload(cb *mpesa.Callback) ReconcilePaymentJobPayload {
	return ReconcilePaymentJobPayload{
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
		Amount:            cb.Amount,
		ReceiptNumber:     cb.ReceiptNumber,
		PhoneNumber:       cb.PhoneNumber,
		TransactionDate:   cb.TransactionDate,
	}
}

// ToCallback converts the payload back into the processor's input type.
func (p ReconcilePaymentJobPayload) ToCallback() *mpesa.Callback {
	return &mpesa.Callback{
		MerchantRequestID: p.MerchantRequestID,
		CheckoutRequestID: p.CheckoutRequestID,
		ResultCode:        p.ResultCode,
		ResultDesc:        p.ResultDesc,
		Amount:            p.Amount,
		ReceiptNumber:     p.ReceiptNumber,
		PhoneNumber:       p.PhoneNumber,
		TransactionDate:   p.TransactionDate,
	}
}

// ToMap converts the payload to a map for storage
func (p ReconcilePaymentJobPayload) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"merchant_request_id": p.MerchantRequestID,
		"checkout_request_id": p.CheckoutRequestID,
		"result_code":         p.ResultCode,
		"result_desc":         p.ResultDesc,
	}
	if p.Amount != nil {
		m["amount"] = *p.Amount
	}
	if p.ReceiptNumber != "" {
		m["receipt_number"] = p.ReceiptNumber
	}
	if p.PhoneNumber != "" {
		m["phone_number"] = p.PhoneNumber
	}
	if p.TransactionDate != "" {
		m["transaction_date"] = p.TransactionDate
	}
	return m
}

// ReconcilePaymentJobPayloadFromMap creates a payload from a map
func ReconcilePaymentJobPayloadFromMap(data map[string]interface{}) (*ReconcilePaymentJobPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var payload ReconcilePaymentJobPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}
