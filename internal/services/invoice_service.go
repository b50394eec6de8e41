package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/baharkarakas/paygate/internal/models"
	repo "github.com/baharkarakas/paygate/internal/repository"
)

type InvoiceItemInput struct {
	Description string          `json:"description"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

type CreateInvoiceRequest struct {
	BusinessID    string             `json:"business_id"`
	CustomerName  string             `json:"customer_name"`
	CustomerEmail string             `json:"customer_email"`
	Currency      string             `json:"currency"`
	Items         []InvoiceItemInput `json:"items"`
	TaxRate       decimal.Decimal    `json:"tax_rate"`
	DueDate       *time.Time         `json:"due_date"`
	Notes         string             `json:"notes"`
}

type InvoiceService struct {
	businesses repo.Businesses
	invoices   repo.Invoices
	audit      repo.AuditLogs
	tx         repo.TxManager
	now        func() time.Time
	log        *zap.Logger
}

func NewInvoiceService(d Deps) *InvoiceService {
	return &InvoiceService{
		businesses: d.Businesses,
		invoices:   d.Invoices,
		audit:      d.AuditLogs,
		tx:         d.Tx,
		now:        func() time.Time { return time.Now().UTC() },
		log:        d.Log.Named("invoices"),
	}
}

func invoiceNumber(at time.Time) string {
	return fmt.Sprintf("INV-%s-%s", at.Format("20060102"), strings.ToUpper(uuid.NewString()[:8]))
}

func (s *InvoiceService) Create(ctx context.Context, req CreateInvoiceRequest) (models.Invoice, error) {
	if _, err := s.businesses.GetByID(ctx, req.BusinessID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return models.Invoice{}, newError(ErrCodeBusinessNotFound, "business not found", nil)
		}
		return models.Invoice{}, internal("load business", err)
	}

	now := s.now()
	inv := models.Invoice{
		ID:            uuid.NewString(),
		BusinessID:    req.BusinessID,
		Number:        invoiceNumber(now),
		CustomerName:  req.CustomerName,
		CustomerEmail: strings.TrimSpace(req.CustomerEmail),
		Currency:      strings.ToUpper(strings.TrimSpace(req.Currency)),
		TaxRate:       req.TaxRate,
		Status:        models.InvoiceDraft,
		DueDate:       req.DueDate,
		Notes:         req.Notes,
	}
	for _, it := range req.Items {
		inv.Items = append(inv.Items, models.InvoiceItem{
			Description: strings.TrimSpace(it.Description),
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
		})
	}
	if !currencyRe.MatchString(inv.Currency) {
		return models.Invoice{}, newError(ErrCodeInvalidRequest, "currency must be a 3-letter ISO code", nil)
	}
	if err := inv.Validate(); err != nil {
		return models.Invoice{}, newError(ErrCodeInvalidRequest, err.Error(), err)
	}
	inv.CalculateTotals()
	if !inv.Total.IsPositive() {
		return models.Invoice{}, newError(ErrCodeInvalidAmount, "invoice total must be greater than zero", nil)
	}

	out, err := s.invoices.Create(ctx, inv)
	if err != nil {
		return models.Invoice{}, internal("create invoice", err)
	}
	writeAudit(ctx, s.audit, s.log, models.EntityInvoice, out.ID, models.ActionCreated, map[string]any{
		"number": out.Number, "total": out.Total.String(),
	})
	return out, nil
}

func (s *InvoiceService) Get(ctx context.Context, id string) (models.Invoice, error) {
	inv, err := s.invoices.GetByID(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return models.Invoice{}, newError(ErrCodeInvoiceNotFound, "invoice not found", nil)
	}
	if err != nil {
		return models.Invoice{}, internal("load invoice", err)
	}
	return inv, nil
}

func (s *InvoiceService) List(ctx context.Context, businessID string, limit, offset int) ([]models.Invoice, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	out, err := s.invoices.ListByBusiness(ctx, businessID, limit, offset)
	if err != nil {
		return nil, internal("list invoices", err)
	}
	return out, nil
}

// transition locks the invoice, applies change and persists it together with
// an audit row.
func (s *InvoiceService) transition(ctx context.Context, id, action string, change func(*models.Invoice) (bool, error)) (models.Invoice, error) {
	var out models.Invoice
	err := s.tx.WithTx(ctx, func(tx repo.Tx) error {
		inv, err := tx.Invoices().GetByIDForUpdate(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return newError(ErrCodeInvoiceNotFound, "invoice not found", nil)
		}
		if err != nil {
			return internal("load invoice", err)
		}
		from := inv.Status
		changed, err := change(&inv)
		if errors.Is(err, models.ErrInvalidTransition) {
			return newError(ErrCodeInvalidInvoiceState, fmt.Sprintf("invoice is %s", inv.Status), err)
		}
		if err != nil {
			return err
		}
		out = inv
		if !changed {
			return nil
		}
		if err := tx.Invoices().Update(ctx, inv); err != nil {
			return internal("update invoice", err)
		}
		writeAudit(ctx, tx.AuditLogs(), s.log, models.EntityInvoice, inv.ID, action, map[string]any{
			"from": from, "to": inv.Status, "paid_amount": inv.PaidAmount.String(),
		})
		return nil
	})
	return out, err
}

func (s *InvoiceService) Send(ctx context.Context, id string) (models.Invoice, error) {
	return s.transition(ctx, id, models.ActionStatusChange, func(inv *models.Invoice) (bool, error) {
		return true, inv.Send()
	})
}

func (s *InvoiceService) Cancel(ctx context.Context, id string) (models.Invoice, error) {
	return s.transition(ctx, id, models.ActionStatusChange, func(inv *models.Invoice) (bool, error) {
		return true, inv.Cancel()
	})
}

// ApplyPayment records a completed payment against the invoice. Replaying
// the same transaction id leaves the invoice unchanged.
func (s *InvoiceService) ApplyPayment(ctx context.Context, invoiceID, txnID string, amount decimal.Decimal) (models.Invoice, error) {
	at := s.now()
	return s.transition(ctx, invoiceID, models.ActionPaymentApplied, func(inv *models.Invoice) (bool, error) {
		return inv.ApplyPayment(txnID, amount, at)
	})
}

// CheckPayable is run before a payment naming the invoice is accepted.
func (s *InvoiceService) CheckPayable(ctx context.Context, businessID, invoiceID, currency string) error {
	inv, err := s.Get(ctx, invoiceID)
	if err != nil {
		return err
	}
	if inv.BusinessID != businessID {
		return newError(ErrCodeInvoiceNotFound, "invoice not found", nil)
	}
	if !inv.Payable() {
		return newError(ErrCodeInvalidInvoiceState, fmt.Sprintf("invoice is %s", inv.Status), nil)
	}
	if inv.Currency != currency {
		return newError(ErrCodeInvalidRequest, fmt.Sprintf("invoice is billed in %s", inv.Currency), nil)
	}
	return nil
}

// MarkOverdue moves every unpaid invoice past its due date to overdue and
// reports how many moved.
func (s *InvoiceService) MarkOverdue(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.invoices.ListDue(ctx, now)
	if err != nil {
		return 0, internal("list due invoices", err)
	}
	n := 0
	for _, d := range due {
		moved := false
		_, err := s.transition(ctx, d.ID, models.ActionStatusChange, func(inv *models.Invoice) (bool, error) {
			moved = inv.MarkOverdue(now)
			return moved, nil
		})
		if err != nil {
			s.log.Warn("mark overdue", zap.String("invoice_id", d.ID), zap.Error(err))
			continue
		}
		if moved {
			n++
		}
	}
	return n, nil
}

// RunOverdueSweeper calls MarkOverdue every interval until ctx is done.
func (s *InvoiceService) RunOverdueSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.MarkOverdue(ctx)
			if err != nil {
				s.log.Error("overdue sweep", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Info("invoices marked overdue", zap.Int("count", n))
			}
		}
	}
}
