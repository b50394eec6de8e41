package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/baharkarakas/paygate/internal/metrics"
	"github.com/baharkarakas/paygate/internal/models"
	"github.com/baharkarakas/paygate/internal/notify"
	"github.com/baharkarakas/paygate/internal/processor"
	repo "github.com/baharkarakas/paygate/internal/repository"
	"github.com/baharkarakas/paygate/internal/tracing"
)

// Outcome is an asynchronous processor verdict for one correlation id.
type Outcome struct {
	BusinessID    string
	Method        models.PaymentMethod
	CorrelationID string
	Status        models.TransactionStatus
	ResultCode    string
	Description   string
	ReceiptNumber string
	Metadata      map[string]any
	Raw           map[string]any
}

type ReconcileResult string

const (
	ReconcileApplied   ReconcileResult = "applied"
	ReconcileDuplicate ReconcileResult = "duplicate"
	ReconcileUnknown   ReconcileResult = "unknown"
	ReconcileIgnored   ReconcileResult = "ignored"
)

// Reconciler applies callbacks and webhooks to ledger entries. Exactly one
// caller wins each transition; everyone else observes a duplicate.
type Reconciler struct {
	txns     repo.Transactions
	tx       repo.TxManager
	audit    repo.AuditLogs
	creds    CredentialStore
	adapters Adapters
	notifier notify.Notifier
	settle   settler
	log      *zap.Logger
}

func NewReconciler(d Deps, invoices *InvoiceService) *Reconciler {
	log := d.Log.Named("reconciler")
	return &Reconciler{
		txns:     d.Transactions,
		tx:       d.Tx,
		audit:    d.AuditLogs,
		creds:    d.Credentials,
		adapters: d.Adapters,
		notifier: d.Notifier,
		settle:   settler{audit: d.AuditLogs, invoices: invoices, notifier: d.Notifier, log: log},
		log:      log,
	}
}

// HandleWebhook authenticates an inbound processor notification for
// businessID and routes it.
func (r *Reconciler) HandleWebhook(ctx context.Context, method models.PaymentMethod, businessID string, payload []byte, signature string) (ReconcileResult, error) {
	adapter, err := r.adapters.For(method)
	if err != nil {
		return "", newError(ErrCodeInvalidRequest, err.Error(), err)
	}
	cred, err := r.creds.Get(ctx, businessID, method)
	if errors.Is(err, repo.ErrNotFound) {
		return "", newError(ErrCodeCredentialsMissing, fmt.Sprintf("no %s credentials for business", method), nil)
	}
	if err != nil {
		return "", internal("load credentials", err)
	}

	ev, err := adapter.HandleWebhook(ctx, payload, signature, cred)
	switch {
	case err == nil:
	case errors.Is(err, processor.ErrInvalidSignature):
		metrics.CallbacksTotal.WithLabelValues(string(method), "rejected").Inc()
		return "", newError(ErrCodeUnauthorized, "webhook signature rejected", err)
	case errors.Is(err, processor.ErrInvalidPayload), errors.Is(err, processor.ErrUnsupported):
		metrics.CallbacksTotal.WithLabelValues(string(method), "rejected").Inc()
		return "", newError(ErrCodeInvalidRequest, err.Error(), err)
	case errors.Is(err, processor.ErrInvalidCredentials):
		return "", newError(ErrCodeCredentialsInvalid, err.Error(), err)
	default:
		return "", internal("handle webhook", err)
	}

	switch ev.Kind {
	case processor.EventPaymentOutcome:
		return r.Reconcile(ctx, Outcome{
			BusinessID:    businessID,
			Method:        method,
			CorrelationID: ev.CorrelationID,
			Status:        ev.Status,
			ResultCode:    ev.ResultCode,
			Description:   ev.Description,
			ReceiptNumber: ev.ReceiptNumber,
			Metadata:      ev.Metadata,
			Raw:           ev.Raw,
		})
	case processor.EventRefunded, processor.EventDisputeOpened, processor.EventDisputeClosed:
		return r.lifecycle(ctx, businessID, method, ev)
	default:
		metrics.CallbacksTotal.WithLabelValues(string(method), string(ReconcileIgnored)).Inc()
		r.log.Debug("webhook ignored", zap.String("type", ev.Type), zap.String("business_id", businessID))
		return ReconcileIgnored, nil
	}
}

// Reconcile applies a terminal outcome to the entry with o.CorrelationID.
// Unknown ids are dropped with a logged error and terminal entries are left
// untouched, so replays are harmless.
func (r *Reconciler) Reconcile(ctx context.Context, o Outcome) (ReconcileResult, error) {
	ctx, span := tracing.Start(ctx, "payments.reconcile",
		attribute.String("correlation_id", o.CorrelationID),
		attribute.String("method", string(o.Method)))
	defer span.End()
	log := tracing.L(ctx, r.log).With(zap.String("correlation_id", o.CorrelationID))

	if !o.Status.Terminal() {
		return "", newError(ErrCodeInvalidRequest, fmt.Sprintf("outcome status %q is not terminal", o.Status), nil)
	}

	txn, err := r.txns.GetByCorrelationID(ctx, o.CorrelationID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && o.BusinessID != "" && txn.BusinessID != o.BusinessID) {
		metrics.CallbacksTotal.WithLabelValues(string(o.Method), string(ReconcileUnknown)).Inc()
		log.Error("callback for unknown transaction dropped", zap.String("business_id", o.BusinessID))
		return ReconcileUnknown, nil
	}
	if err != nil {
		tracing.Fail(span, err)
		return "", internal("lookup by correlation id", err)
	}
	span.SetAttributes(attribute.String("transaction_id", txn.ID))

	if txn.Status.Terminal() {
		return r.duplicate(ctx, log, txn, o), nil
	}

	raw := o.Raw
	if raw == nil {
		raw = map[string]any{}
	}
	u := repo.StatusUpdate{
		Status:            o.Status,
		ResultCode:        ptr(o.ResultCode),
		ResultDescription: ptr(o.Description),
		CallbackData:      raw,
	}
	if o.Status == models.TxnCompleted && o.ReceiptNumber != "" {
		u.ReceiptNumber = ptr(o.ReceiptNumber)
	}
	if len(o.Metadata) > 0 {
		u.Details = map[string]any{"callback_metadata": o.Metadata}
	}

	won, err := r.txns.CompareAndSetStatus(ctx, txn.ID, models.NonTerminal, u)
	if err != nil {
		tracing.Fail(span, err)
		return "", internal("apply callback", err)
	}
	if !won {
		// lost the race to a concurrent delivery
		return r.duplicate(ctx, log, txn, o), nil
	}
	if o.Status == models.TxnFailed {
		if err := r.txns.RecordError(ctx, txn.ID, o.Description); err != nil {
			log.Warn("record processing error", zap.Error(err))
		}
	}

	out, err := r.txns.GetByID(ctx, txn.ID)
	if err != nil {
		return "", internal("reload transaction", err)
	}
	writeAudit(ctx, r.audit, log, models.EntityTransaction, txn.ID, models.ActionCallback, map[string]any{
		"result_code": o.ResultCode, "status": o.Status,
	})
	r.settle.terminal(ctx, out, txn.Status, "callback")
	metrics.CallbacksTotal.WithLabelValues(string(o.Method), string(ReconcileApplied)).Inc()
	log.Info("callback applied",
		zap.String("transaction_id", out.ID),
		zap.String("status", string(out.Status)))
	return ReconcileApplied, nil
}

func (r *Reconciler) duplicate(ctx context.Context, log *zap.Logger, txn models.Transaction, o Outcome) ReconcileResult {
	metrics.CallbacksTotal.WithLabelValues(string(o.Method), string(ReconcileDuplicate)).Inc()
	log.Info("duplicate callback ignored",
		zap.String("transaction_id", txn.ID),
		zap.String("current_status", string(txn.Status)),
		zap.String("callback_status", string(o.Status)))
	writeAudit(ctx, r.audit, log, models.EntityTransaction, txn.ID, models.ActionDuplicate, map[string]any{
		"result_code": o.ResultCode, "callback_status": o.Status,
	})
	return ReconcileDuplicate
}

// lifecycleChange is what one refund or dispute event did to a payment.
type lifecycleChange struct {
	action  string
	event   notify.EventType
	details map[string]any
}

// lifecycle applies refund and dispute events, which leave the payment status
// alone. A delivery is applied at most once: replays are caught by event id,
// and the echo of a refund issued through this service is caught because the
// processor's cumulative refunded amount is already on the ledger.
func (r *Reconciler) lifecycle(ctx context.Context, businessID string, method models.PaymentMethod, ev processor.WebhookEvent) (ReconcileResult, error) {
	log := r.log.With(
		zap.String("type", ev.Type),
		zap.String("event_id", ev.EventID),
		zap.String("correlation_id", ev.CorrelationID))

	txn, err := r.txns.GetByCorrelationID(ctx, ev.CorrelationID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && txn.BusinessID != businessID) {
		metrics.CallbacksTotal.WithLabelValues(string(method), string(ReconcileUnknown)).Inc()
		log.Error("lifecycle event for unknown transaction")
		return ReconcileUnknown, nil
	}
	if err != nil {
		return "", internal("lookup by correlation id", err)
	}

	var (
		out    models.Transaction
		change *lifecycleChange
	)
	err = r.tx.WithTx(ctx, func(tx repo.Tx) error {
		if ev.EventID != "" {
			fresh, err := tx.WebhookEvents().Record(ctx, string(method), ev.EventID)
			if err != nil {
				return internal("record webhook event", err)
			}
			if !fresh {
				return nil
			}
		}
		locked, err := tx.Transactions().GetByIDForUpdate(ctx, txn.ID)
		if err != nil {
			return internal("lock transaction", err)
		}

		switch ev.Kind {
		case processor.EventRefunded:
			out, change, err = applyChargeRefunded(ctx, tx.Transactions(), locked, ev)
		case processor.EventDisputeOpened:
			out, change, err = applyDisputeOpened(ctx, tx.Transactions(), locked, ev)
		case processor.EventDisputeClosed:
			out, change, err = applyDisputeClosed(ctx, tx.Transactions(), locked, ev)
		}
		if err != nil || change == nil {
			return err
		}
		details := map[string]any{"type": ev.Type, "event_id": ev.EventID}
		maps.Copy(details, change.details)
		writeAudit(ctx, tx.AuditLogs(), log, models.EntityTransaction, locked.ID, change.action, details)
		return nil
	})
	if err != nil {
		return "", err
	}

	if change == nil {
		metrics.CallbacksTotal.WithLabelValues(string(method), string(ReconcileDuplicate)).Inc()
		log.Info("lifecycle event already applied", zap.String("transaction_id", txn.ID))
		return ReconcileDuplicate, nil
	}
	r.notifier.Notify(ctx, out.BusinessID, notify.NewEvent(change.event, out, change.details))
	metrics.CallbacksTotal.WithLabelValues(string(method), string(ReconcileApplied)).Inc()
	log.Info("lifecycle event applied", zap.String("transaction_id", out.ID), zap.String("action", change.action))
	return ReconcileApplied, nil
}

// applyChargeRefunded moves the ledger up to the processor's cumulative
// refunded amount. Amounts already recorded are skipped.
func applyChargeRefunded(ctx context.Context, txns repo.Transactions, t models.Transaction, ev processor.WebhookEvent) (models.Transaction, *lifecycleChange, error) {
	total := decimal.Min(ev.Amount, t.Amount)
	delta := total.Sub(t.RefundedAmount)
	if !delta.IsPositive() {
		return t, nil, nil
	}
	out, err := txns.AddRefunded(ctx, t.ID, delta)
	if err != nil {
		return t, nil, internal("update refunded amount", err)
	}
	details := map[string]any{
		"refund_amount":   delta.String(),
		"refunded_amount": out.RefundedAmount.String(),
		"refunded":        out.Refunded,
		"charge_id":       ev.ReceiptNumber,
	}
	return out, &lifecycleChange{action: models.ActionChargeRefund, event: notify.PaymentRefunded, details: details}, nil
}

func applyDisputeOpened(ctx context.Context, txns repo.Transactions, t models.Transaction, ev processor.WebhookEvent) (models.Transaction, *lifecycleChange, error) {
	disputeID, _ := ev.Metadata["dispute_id"].(string)
	if t.Disputed && t.DisputeDetails["dispute_id"] == disputeID {
		return t, nil, nil
	}
	details := map[string]any{
		"dispute_id":      disputeID,
		"reason":          ev.Metadata["reason"],
		"status":          ev.Metadata["status"],
		"amount":          ev.Amount.String(),
		"created":         ev.Metadata["created"],
		"evidence_due_by": ev.Metadata["evidence_due_by"],
	}
	out, err := txns.UpdateDispute(ctx, t.ID, true, details)
	if err != nil {
		return t, nil, internal("record dispute", err)
	}
	return out, &lifecycleChange{action: models.ActionDispute, event: notify.PaymentDisputed, details: details}, nil
}

func applyDisputeClosed(ctx context.Context, txns repo.Transactions, t models.Transaction, ev processor.WebhookEvent) (models.Transaction, *lifecycleChange, error) {
	status, _ := ev.Metadata["status"].(string)
	if _, resolved := t.DisputeDetails["resolution"]; resolved && t.DisputeDetails["status"] == status {
		return t, nil, nil
	}
	resolution := "lost"
	if status == "won" {
		resolution = "won"
	}
	details := map[string]any{
		"dispute_id":  ev.Metadata["dispute_id"],
		"status":      status,
		"resolution":  resolution,
		"resolved_at": time.Now().UTC().Format(time.RFC3339),
	}
	out, err := txns.UpdateDispute(ctx, t.ID, true, details)
	if err != nil {
		return t, nil, internal("resolve dispute", err)
	}
	return out, &lifecycleChange{action: models.ActionDisputeResolved, event: notify.PaymentDisputeResolved, details: details}, nil
}
