package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	TxnPending    TransactionStatus = "pending"
	TxnProcessing TransactionStatus = "processing"
	TxnCompleted  TransactionStatus = "completed"
	TxnFailed     TransactionStatus = "failed"
	TxnCancelled  TransactionStatus = "cancelled"
)

// NonTerminal lists the states an asynchronous outcome may still move out of.
var NonTerminal = []TransactionStatus{TxnPending, TxnProcessing}

var transitions = map[TransactionStatus][]TransactionStatus{
	TxnPending:    {TxnProcessing, TxnCompleted, TxnFailed, TxnCancelled},
	TxnProcessing: {TxnProcessing, TxnCompleted, TxnFailed, TxnCancelled},
	TxnCompleted:  {},
	TxnFailed:     {},
	TxnCancelled:  {},
}

func (s TransactionStatus) Terminal() bool {
	return s == TxnCompleted || s == TxnFailed || s == TxnCancelled
}

func (s TransactionStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo reports whether a move from s to next is allowed.
// processing -> processing is permitted so the correlation id can be attached.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

const (
	MaxRetries  = 3
	RetryWindow = 24 * time.Hour
)

type ProcessingError struct {
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Transaction is one payment attempt in the ledger.
type Transaction struct {
	ID               string            `json:"id"`
	BusinessID       string            `json:"business_id"`
	AppID            string            `json:"app_id"`
	InvoiceID        *string           `json:"invoice_id,omitempty"`
	Method           PaymentMethod     `json:"method"`
	Amount           decimal.Decimal   `json:"amount"`
	Currency         string            `json:"currency"`
	Fee              decimal.Decimal   `json:"fee"`
	NetAmount        decimal.Decimal   `json:"net_amount"`
	PhoneNumber      string            `json:"phone_number,omitempty"`
	AccountReference string            `json:"account_reference,omitempty"`
	Description      string            `json:"description,omitempty"`
	Status           TransactionStatus `json:"status"`

	CorrelationID     *string        `json:"correlation_id,omitempty"`
	MerchantRequestID *string        `json:"merchant_request_id,omitempty"`
	ResultCode        *string        `json:"result_code,omitempty"`
	ResultDescription string         `json:"result_description,omitempty"`
	ReceiptNumber     *string        `json:"receipt_number,omitempty"`
	CallbackReceived  bool           `json:"callback_received"`
	CallbackData      map[string]any `json:"callback_data,omitempty"`
	Details           map[string]any `json:"details,omitempty"`

	RefundedAmount decimal.Decimal `json:"refunded_amount"`
	Refunded       bool            `json:"refunded"`
	Disputed       bool            `json:"disputed"`
	DisputeDetails map[string]any  `json:"dispute_details,omitempty"`

	RetryCount       int               `json:"retry_count"`
	LastRetryAt      *time.Time        `json:"last_retry_at,omitempty"`
	ProcessingErrors []ProcessingError `json:"processing_errors,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RefundableAmount is what can still be refunded against this payment.
func (t Transaction) RefundableAmount() decimal.Decimal {
	left := t.Amount.Sub(t.RefundedAmount)
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}

// CanRetry: failed, under the retry cap, and inside the retry window.
func (t Transaction) CanRetry(now time.Time) bool {
	return t.Status == TxnFailed &&
		t.RetryCount < MaxRetries &&
		now.Sub(t.CreatedAt) < RetryWindow
}
