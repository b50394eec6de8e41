package models

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "draft"
	InvoiceSent          InvoiceStatus = "sent"
	InvoicePartiallyPaid InvoiceStatus = "partially_paid"
	InvoicePaid          InvoiceStatus = "paid"
	InvoiceOverdue       InvoiceStatus = "overdue"
	InvoiceCancelled     InvoiceStatus = "cancelled"
)

var ErrInvalidTransition = errors.New("invalid status transition")

type InvoiceItem struct {
	Description string          `json:"description"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Total       decimal.Decimal `json:"total"`
}

type InvoicePayment struct {
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	PaidAt        time.Time       `json:"paid_at"`
}

type Invoice struct {
	ID            string           `json:"id"`
	BusinessID    string           `json:"business_id"`
	Number        string           `json:"number"`
	CustomerName  string           `json:"customer_name"`
	CustomerEmail string           `json:"customer_email,omitempty"`
	Currency      string           `json:"currency"`
	Items         []InvoiceItem    `json:"items"`
	TaxRate       decimal.Decimal  `json:"tax_rate"`
	Subtotal      decimal.Decimal  `json:"subtotal"`
	TaxTotal      decimal.Decimal  `json:"tax_total"`
	Total         decimal.Decimal  `json:"total"`
	PaidAmount    decimal.Decimal  `json:"paid_amount"`
	Payments      []InvoicePayment `json:"payments"`
	Status        InvoiceStatus    `json:"status"`
	DueDate       *time.Time       `json:"due_date,omitempty"`
	Notes         string           `json:"notes,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

func (inv *Invoice) Validate() error {
	if strings.TrimSpace(inv.CustomerName) == "" {
		return errors.New("customer name required")
	}
	if len(inv.Items) == 0 {
		return errors.New("at least one item required")
	}
	for _, it := range inv.Items {
		if strings.TrimSpace(it.Description) == "" {
			return errors.New("item description required")
		}
		if it.Quantity <= 0 {
			return errors.New("item quantity must be > 0")
		}
		if it.UnitPrice.IsNegative() {
			return errors.New("item unit price must be >= 0")
		}
	}
	if inv.TaxRate.IsNegative() || inv.TaxRate.GreaterThan(decimal.NewFromInt(100)) {
		return errors.New("tax rate must be between 0 and 100")
	}
	return nil
}

// CalculateTotals recomputes line totals, subtotal, tax and total.
func (inv *Invoice) CalculateTotals() {
	sub := decimal.Zero
	for i := range inv.Items {
		it := &inv.Items[i]
		it.Total = it.UnitPrice.Mul(decimal.NewFromInt(it.Quantity)).Round(2)
		sub = sub.Add(it.Total)
	}
	inv.Subtotal = sub
	inv.TaxTotal = sub.Mul(inv.TaxRate).Div(decimal.NewFromInt(100)).Round(2)
	inv.Total = inv.Subtotal.Add(inv.TaxTotal)
}

func (inv Invoice) Balance() decimal.Decimal {
	b := inv.Total.Sub(inv.PaidAmount)
	if b.IsNegative() {
		return decimal.Zero
	}
	return b
}

// Payable reports whether a payment may still be recorded against the invoice.
func (inv Invoice) Payable() bool {
	switch inv.Status {
	case InvoiceSent, InvoicePartiallyPaid, InvoiceOverdue:
		return true
	}
	return false
}

func (inv *Invoice) Send() error {
	if inv.Status != InvoiceDraft {
		return ErrInvalidTransition
	}
	inv.Status = InvoiceSent
	return nil
}

// Cancel is refused once money has been recorded against the invoice.
func (inv *Invoice) Cancel() error {
	switch inv.Status {
	case InvoiceDraft, InvoiceSent, InvoiceOverdue:
		inv.Status = InvoiceCancelled
		return nil
	}
	return ErrInvalidTransition
}

// ApplyPayment records a payment once per transaction id. It returns false
// when the transaction was already applied.
func (inv *Invoice) ApplyPayment(txnID string, amount decimal.Decimal, at time.Time) (bool, error) {
	for _, p := range inv.Payments {
		if p.TransactionID == txnID {
			return false, nil
		}
	}
	if !inv.Payable() {
		return false, ErrInvalidTransition
	}
	inv.Payments = append(inv.Payments, InvoicePayment{TransactionID: txnID, Amount: amount, PaidAt: at})
	inv.PaidAmount = inv.PaidAmount.Add(amount)
	if inv.PaidAmount.GreaterThanOrEqual(inv.Total) {
		inv.Status = InvoicePaid
	} else {
		inv.Status = InvoicePartiallyPaid
	}
	return true, nil
}

// MarkOverdue moves an unpaid invoice past its due date to overdue.
func (inv *Invoice) MarkOverdue(now time.Time) bool {
	if inv.DueDate == nil || !now.After(*inv.DueDate) {
		return false
	}
	if inv.Status != InvoiceSent && inv.Status != InvoicePartiallyPaid {
		return false
	}
	inv.Status = InvoiceOverdue
	return true
}
