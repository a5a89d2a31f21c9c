package mpesa

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Callback is the validated, strongly-typed form of an STK push result
// notification. Metadata entries that Safaricom only sends on success are
// optional fields; everything else is required at the ingestion boundary.
type Callback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string

	// Present only when ResultCode == 0.
	Amount          *float64
	ReceiptNumber   string
	PhoneNumber     string
	TransactionDate string
}

// IsSuccess reports whether the gateway charged the customer.
func (c *Callback) IsSuccess() bool {
	return c.ResultCode == 0
}

// ParseCallback validates the raw webhook body against the expected envelope
// shape. A payload that fails here will not self-correct, so callers log and
// drop instead of requesting a retry.
func ParseCallback(payload []byte) (*Callback, error) {
	type metadataItem struct {
		Name  string          `json:"Name"`
		Value json.RawMessage `json:"Value"`
	}
	type rawEnvelope struct {
		Body struct {
			StkCallback struct {
				MerchantRequestID string `json:"MerchantRequestID"`
				CheckoutRequestID string `json:"CheckoutRequestID"`
				ResultCode        *int   `json:"ResultCode"`
				ResultDesc        string `json:"ResultDesc"`
				CallbackMetadata  struct {
					Item []metadataItem `json:"Item"`
				} `json:"CallbackMetadata"`
			} `json:"stkCallback"`
		} `json:"Body"`
	}

	var raw rawEnvelope
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("malformed callback body: %w", err)
	}

	cb := raw.Body.StkCallback
	out := &Callback{
		MerchantRequestID: strings.TrimSpace(cb.MerchantRequestID),
		CheckoutRequestID: strings.TrimSpace(cb.CheckoutRequestID),
		ResultDesc:        strings.TrimSpace(cb.ResultDesc),
	}
	if out.CheckoutRequestID == "" {
		return nil, errors.New("callback missing CheckoutRequestID")
	}
	if cb.ResultCode == nil {
		return nil, errors.New("callback missing ResultCode")
	}
	out.ResultCode = *cb.ResultCode

	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			var v float64
			if err := json.Unmarshal(item.Value, &v); err == nil {
				out.Amount = &v
			}
		case "MpesaReceiptNumber":
			var v string
			if err := json.Unmarshal(item.Value, &v); err == nil {
				out.ReceiptNumber = strings.TrimSpace(v)
			}
		case "PhoneNumber":
			// Sent as a number by the gateway
			var n json.Number
			if err := json.Unmarshal(item.Value, &n); err == nil {
				out.PhoneNumber = n.String()
			} else {
				var s string
				if err := json.Unmarshal(item.Value, &s); err == nil {
					out.PhoneNumber = strings.TrimSpace(s)
				}
			}
		case "TransactionDate":
			var n json.Number
			if err := json.Unmarshal(item.Value, &n); err == nil {
				out.TransactionDate = n.String()
			}
		}
	}

	if out.IsSuccess() {
		if out.Amount == nil {
			return nil, errors.New("successful callback missing Amount metadata")
		}
		if out.ReceiptNumber == "" {
			return nil, errors.New("successful callback missing MpesaReceiptNumber metadata")
		}
	}

	return out, nil
}
