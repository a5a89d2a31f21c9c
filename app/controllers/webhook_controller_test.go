package controllers

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KiprotichDev/NetPesa/internal/pkg/jobqueue"
)

type captureEnqueuer struct {
	jobKeys []string
	err     error
}

func (ce *captureEnqueuer) EnqueueUnique(_ context.Context, jobKey string, payload jobqueue.ReconcilePaymentJobPayload) (*jobqueue.Job, error) {
	if ce.err != nil {
		return nil, ce.err
	}
	ce.jobKeys = append(ce.jobKeys, jobKey)
	return &jobqueue.Job{ID: "test", JobKey: jobKey}, nil
}

func newWebhookApp(enq Enqueuer) *fiber.App {
	app := fiber.New()
	wc := NewWebhookController(enq)
	app.Post("/api/v1/payments/callback", wc.HandleMpesaCallback)
	return app
}

const successCallbackBody = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 0,
      "ResultDesc": "The service request is processed successfully.",
      "CallbackMetadata": {
        "Item": [
          {"Name": "Amount", "Value": 30.00},
          {"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
          {"Name": "TransactionDate", "Value": 20191219102115},
          {"Name": "PhoneNumber", "Value": 254712345678}
        ]
      }
    }
  }
}`

func TestWebhookEnqueuesValidCallback(t *testing.T) {
	enq := &captureEnqueuer{}
	app := newWebhookApp(enq)

	req := httptest.NewRequest("POST", "/api/v1/payments/callback", strings.NewReader(successCallbackBody))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"ws_CO_191220191020363925"}, enq.jobKeys)
}

func TestWebhookDropsMalformedBodyWith200(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "<xml/>"},
		{"missing checkout id", `{"Body":{"stkCallback":{"ResultCode":0}}}`},
		{"missing result code", `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1"}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enq := &captureEnqueuer{}
			app := newWebhookApp(enq)

			req := httptest.NewRequest("POST", "/api/v1/payments/callback", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			resp, err := app.Test(req)
			require.NoError(t, err)

			// Retrying a malformed body cannot help, so the gateway is told
			// everything is fine and nothing is enqueued.
			assert.Equal(t, fiber.StatusOK, resp.StatusCode)
			assert.Empty(t, enq.jobKeys)
		})
	}
}

func TestWebhookAcknowledgesDuplicates(t *testing.T) {
	enq := &captureEnqueuer{err: jobqueue.ErrDuplicateJob}
	app := newWebhookApp(enq)

	req := httptest.NewRequest("POST", "/api/v1/payments/callback", strings.NewReader(successCallbackBody))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestWebhookAcknowledgesEnqueueFailure(t *testing.T) {
	enq := &captureEnqueuer{err: errors.New("redis down")}
	app := newWebhookApp(enq)

	req := httptest.NewRequest("POST", "/api/v1/payments/callback", strings.NewReader(successCallbackBody))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)

	// An enqueue failure is our outage; the gateway still gets its 200 and
	// will retry the delivery later.
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
