package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Refund moves through the same states as a Transaction.
type Refund struct {
	ID                string            `json:"id"`
	TransactionID     string            `json:"transaction_id"`
	BusinessID        string            `json:"business_id"`
	Amount            decimal.Decimal   `json:"amount"`
	Currency          string            `json:"currency"`
	Reason            string            `json:"reason"`
	Status            TransactionStatus `json:"status"`
	ProcessorRefundID *string           `json:"processor_refund_id,omitempty"`
	FailureReason     string            `json:"failure_reason,omitempty"`
	Details           map[string]any    `json:"details,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}
