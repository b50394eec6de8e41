package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
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

type RefundRequest struct {
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason"`
	// BusinessID scopes the lookup; empty means unscoped.
	BusinessID string `json:"-"`
}

// RefundService validates refunds against the refundable balance and
// settles them against the processor under a row lock on the payment.
type RefundService struct {
	txns     repo.Transactions
	refunds  repo.Refunds
	tx       repo.TxManager
	creds    CredentialStore
	adapters Adapters
	notifier notify.Notifier
	timeout  time.Duration
	log      *zap.Logger
}

func NewRefundService(d Deps) *RefundService {
	return &RefundService{
		txns:     d.Transactions,
		refunds:  d.Refunds,
		tx:       d.Tx,
		creds:    d.Credentials,
		adapters: d.Adapters,
		notifier: d.Notifier,
		timeout:  d.timeout(),
		log:      d.Log.Named("refunds"),
	}
}

func (s *RefundService) load(ctx context.Context, get func(context.Context, string) (models.Transaction, error), req RefundRequest) (models.Transaction, error) {
	txn, err := get(ctx, req.TransactionID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && req.BusinessID != "" && txn.BusinessID != req.BusinessID) {
		return models.Transaction{}, newError(ErrCodeTransactionNotFound, "transaction not found", nil)
	}
	if err != nil {
		return models.Transaction{}, internal("load transaction", err)
	}
	return txn, nil
}

func refundable(txn models.Transaction, amount decimal.Decimal) error {
	if txn.Status != models.TxnCompleted {
		return newError(ErrCodeRefundNotAllowed, fmt.Sprintf("transaction is %s", txn.Status), nil)
	}
	if amount.GreaterThan(txn.RefundableAmount()) {
		return newError(ErrCodeRefundExceedsAvailable,
			fmt.Sprintf("requested %s exceeds refundable %s", amount.StringFixed(2), txn.RefundableAmount().StringFixed(2)), nil)
	}
	return nil
}

// ProcessRefund refunds part or all of a completed payment. Over-amount
// requests are rejected before any refund row exists. The refund row, its
// final status and the payment's refunded amount commit together.
func (s *RefundService) ProcessRefund(ctx context.Context, req RefundRequest) (models.Refund, error) {
	ctx, span := tracing.Start(ctx, "refunds.process", attribute.String("transaction_id", req.TransactionID))
	defer span.End()
	log := tracing.L(ctx, s.log).With(zap.String("transaction_id", req.TransactionID))

	if err := validateAmount(req.Amount); err != nil {
		return models.Refund{}, err
	}
	req.Reason = strings.TrimSpace(req.Reason)

	// cheap rejection before taking the lock
	txn, err := s.load(ctx, s.txns.GetByID, req)
	if err != nil {
		return models.Refund{}, err
	}
	if err := refundable(txn, req.Amount); err != nil {
		return models.Refund{}, err
	}
	adapter, err := s.adapters.For(txn.Method)
	if err != nil {
		return models.Refund{}, newError(ErrCodeInvalidRequest, err.Error(), err)
	}
	cred, err := credentialsFor(ctx, s.creds, adapter, txn.BusinessID, txn.Method)
	if err != nil {
		return models.Refund{}, err
	}

	var (
		refund models.Refund
		locked models.Transaction
	)
	err = s.tx.WithTx(ctx, func(tx repo.Tx) error {
		var err error
		locked, err = s.load(ctx, tx.Transactions().GetByIDForUpdate, req)
		if err != nil {
			return err
		}
		if err := refundable(locked, req.Amount); err != nil {
			return err
		}

		refund, err = tx.Refunds().Create(ctx, models.Refund{
			ID:            uuid.NewString(),
			TransactionID: locked.ID,
			BusinessID:    locked.BusinessID,
			Amount:        req.Amount,
			Currency:      locked.Currency,
			Reason:        req.Reason,
			Status:        models.TxnProcessing,
		})
		if err != nil {
			return internal("create refund", err)
		}
		writeAudit(ctx, tx.AuditLogs(), log, models.EntityRefund, refund.ID, models.ActionCreated, map[string]any{
			"transaction_id": locked.ID, "amount": req.Amount.String(),
		})

		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		res, err := adapter.ProcessRefund(callCtx, refund, locked, cred)
		cancel()
		if err != nil {
			switch {
			case errors.Is(err, processor.ErrInvalidCredentials):
				return newError(ErrCodeCredentialsInvalid, err.Error(), err)
			case errors.Is(err, processor.ErrInvalidAmount):
				return newError(ErrCodeInvalidAmount, err.Error(), err)
			}
			return newError(ErrCodeRefundNotAllowed, err.Error(), err)
		}

		var procID *string
		if res.ProcessorID != "" {
			procID = ptr(res.ProcessorID)
		}
		if !res.Success {
			msg := res.Message
			if msg == "" {
				msg = "refund declined by processor"
			}
			if err := tx.Refunds().Finish(ctx, refund.ID, models.TxnFailed, procID, msg, res.Details); err != nil {
				return internal("finish refund", err)
			}
			refund.Status, refund.FailureReason, refund.ProcessorRefundID = models.TxnFailed, msg, procID
			writeAudit(ctx, tx.AuditLogs(), log, models.EntityRefund, refund.ID, models.ActionStatusChange, map[string]any{
				"from": models.TxnProcessing, "to": models.TxnFailed, "reason": msg,
			})
			return nil
		}

		if err := tx.Refunds().Finish(ctx, refund.ID, models.TxnCompleted, procID, "", res.Details); err != nil {
			return internal("finish refund", err)
		}
		locked, err = tx.Transactions().AddRefunded(ctx, locked.ID, req.Amount)
		if errors.Is(err, repo.ErrConflict) {
			return newError(ErrCodeRefundExceedsAvailable, "refund exceeds refundable amount", err)
		}
		if err != nil {
			return internal("update refunded amount", err)
		}
		refund.Status, refund.ProcessorRefundID = models.TxnCompleted, procID
		writeAudit(ctx, tx.AuditLogs(), log, models.EntityRefund, refund.ID, models.ActionStatusChange, map[string]any{
			"from": models.TxnProcessing, "to": models.TxnCompleted,
		})
		writeAudit(ctx, tx.AuditLogs(), log, models.EntityTransaction, locked.ID, models.ActionChargeRefund, map[string]any{
			"refund_id": refund.ID, "refunded_amount": locked.RefundedAmount.String(), "refunded": locked.Refunded,
		})
		return nil
	})
	if err != nil {
		tracing.Fail(span, err)
		metrics.RefundsTotal.WithLabelValues("rejected").Inc()
		var se *ServiceError
		if !errors.As(err, &se) {
			err = internal("refund", err)
		}
		return models.Refund{}, err
	}
	metrics.RefundsTotal.WithLabelValues(string(refund.Status)).Inc()

	if refund.Status == models.TxnCompleted {
		s.notifier.Notify(ctx, locked.BusinessID, notify.NewEvent(notify.PaymentRefunded, locked, map[string]any{
			"refund_id":       refund.ID,
			"refund_amount":   refund.Amount.String(),
			"refunded_amount": locked.RefundedAmount.String(),
			"refunded":        locked.Refunded,
		}))
	}

	out, err := s.refunds.GetByID(ctx, refund.ID)
	if err != nil {
		log.Warn("reload refund", zap.String("refund_id", refund.ID), zap.Error(err))
		return refund, nil
	}
	log.Info("refund processed", zap.String("refund_id", out.ID), zap.String("status", string(out.Status)))
	return out, nil
}

func (s *RefundService) Get(ctx context.Context, id string) (models.Refund, error) {
	rf, err := s.refunds.GetByID(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return models.Refund{}, newError(ErrCodeRefundNotFound, "refund not found", nil)
	}
	if err != nil {
		return models.Refund{}, internal("load refund", err)
	}
	return rf, nil
}

func (s *RefundService) ListByTransaction(ctx context.Context, transactionID string) ([]models.Refund, error) {
	out, err := s.refunds.ListByTransaction(ctx, transactionID)
	if err != nil {
		return nil, internal("list refunds", err)
	}
	return out, nil
}
