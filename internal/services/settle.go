package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/baharkarakas/paygate/internal/models"
	"github.com/baharkarakas/paygate/internal/notify"
	repo "github.com/baharkarakas/paygate/internal/repository"
)

// settler runs the side effects owed once a payment reaches a terminal
// state. Only the caller whose compare-and-set won may invoke it.
type settler struct {
	audit    repo.AuditLogs
	invoices *InvoiceService
	notifier notify.Notifier
	log      *zap.Logger
}

func (s settler) terminal(ctx context.Context, txn models.Transaction, from models.TransactionStatus, source string) {
	writeAudit(ctx, s.audit, s.log, models.EntityTransaction, txn.ID, models.ActionStatusChange, map[string]any{
		"from":   from,
		"to":     txn.Status,
		"source": source,
		"reason": txn.ResultDescription,
	})

	if txn.Status == models.TxnCompleted && txn.InvoiceID != nil && s.invoices != nil {
		if _, err := s.invoices.ApplyPayment(ctx, *txn.InvoiceID, txn.ID, txn.Amount); err != nil {
			s.log.Error("apply payment to invoice",
				zap.String("invoice_id", *txn.InvoiceID),
				zap.String("transaction_id", txn.ID),
				zap.Error(err))
		}
	}

	et, ok := notify.OutcomeEvent(txn.Status)
	if !ok {
		return
	}
	data := map[string]any{"method": txn.Method}
	if txn.ReceiptNumber != nil {
		data["receipt_number"] = *txn.ReceiptNumber
	}
	if txn.ResultDescription != "" {
		data["reason"] = txn.ResultDescription
	}
	if txn.InvoiceID != nil {
		data["invoice_id"] = *txn.InvoiceID
	}
	s.notifier.Notify(ctx, txn.BusinessID, notify.NewEvent(et, txn, data))
}
