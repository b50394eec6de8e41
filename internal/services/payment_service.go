package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/baharkarakas/paygate/internal/metrics"
	"github.com/baharkarakas/paygate/internal/models"
	"github.com/baharkarakas/paygate/internal/processor"
	repo "github.com/baharkarakas/paygate/internal/repository"
	"github.com/baharkarakas/paygate/internal/tracing"
)

var currencyRe = regexp.MustCompile(`^[A-Z]{3}$`)

type PaymentRequest struct {
	BusinessID         string               `json:"business_id"`
	AppID              string               `json:"-"`
	Method             models.PaymentMethod `json:"method"`
	Amount             decimal.Decimal      `json:"amount"`
	Currency           string               `json:"currency"`
	PhoneNumber        string               `json:"phone_number,omitempty"`
	AccountReference   string               `json:"account_reference,omitempty"`
	Description        string               `json:"description,omitempty"`
	PaymentMethodToken string               `json:"payment_method_token,omitempty"`
	InvoiceID          *string              `json:"invoice_id,omitempty"`
}

// PaymentService is the payment orchestrator: it validates the request
// against business, app and method state, writes the ledger entry and
// drives the processor adapter.
type PaymentService struct {
	businesses repo.Businesses
	txns       repo.Transactions
	audit      repo.AuditLogs
	creds      CredentialStore
	adapters   Adapters
	invoices   *InvoiceService
	settle     settler
	timeout    time.Duration
	log        *zap.Logger
}

func NewPaymentService(d Deps, invoices *InvoiceService) *PaymentService {
	log := d.Log.Named("payments")
	return &PaymentService{
		businesses: d.Businesses,
		txns:       d.Transactions,
		audit:      d.AuditLogs,
		creds:      d.Credentials,
		adapters:   d.Adapters,
		invoices:   invoices,
		settle:     settler{audit: d.AuditLogs, invoices: invoices, notifier: d.Notifier, log: log},
		timeout:    d.timeout(),
		log:        log,
	}
}

func validateAmount(a decimal.Decimal) error {
	if !a.IsPositive() {
		return newError(ErrCodeInvalidAmount, "amount must be greater than zero", nil)
	}
	if a.Exponent() < -2 && !a.Equal(a.Round(2)) {
		return newError(ErrCodeInvalidAmount, "amount has more than two decimal places", nil)
	}
	return nil
}

func (s *PaymentService) validate(req *PaymentRequest) error {
	if err := validateAmount(req.Amount); err != nil {
		return err
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if !currencyRe.MatchString(req.Currency) {
		return newError(ErrCodeInvalidRequest, "currency must be a 3-letter ISO code", nil)
	}
	if !req.Method.Valid() {
		return newError(ErrCodeInvalidRequest, fmt.Sprintf("unsupported payment method %q", req.Method), nil)
	}
	if req.BusinessID == "" {
		return newError(ErrCodeInvalidRequest, "business_id is required", nil)
	}
	if req.AppID == "" {
		return newError(ErrCodeUnauthorized, "requesting app unknown", nil)
	}
	return nil
}

// activeBusiness enforces the payment preconditions on the business record.
func activeBusiness(ctx context.Context, businesses repo.Businesses, businessID, appID string) (models.Business, error) {
	b, err := businesses.GetByID(ctx, businessID)
	if errors.Is(err, repo.ErrNotFound) {
		return models.Business{}, newError(ErrCodeBusinessNotFound, "business not found", nil)
	}
	if err != nil {
		return models.Business{}, internal("load business", err)
	}
	if b.Status != models.BusinessActive {
		return models.Business{}, newError(ErrCodeBusinessInactive, fmt.Sprintf("business is %s", b.Status), nil)
	}
	if !b.AppActive(appID) {
		return models.Business{}, newError(ErrCodeAppNotLinked, "app is not linked to this business", nil)
	}
	return b, nil
}

// credentialsFor loads and locally checks the bundle for a method. Cash
// needs none and gets an empty credential.
func credentialsFor(ctx context.Context, store CredentialStore, a processor.Adapter, businessID string, m models.PaymentMethod) (models.Credential, error) {
	if !m.NeedsCredentials() {
		return models.Credential{BusinessID: businessID, Method: m, Active: true}, nil
	}
	cred, err := store.Get(ctx, businessID, m)
	if errors.Is(err, repo.ErrNotFound) {
		return models.Credential{}, newError(ErrCodeCredentialsMissing, fmt.Sprintf("no %s credentials configured", m), nil)
	}
	if err != nil {
		return models.Credential{}, internal("load credentials", err)
	}
	if !cred.Active {
		return models.Credential{}, newError(ErrCodeCredentialsMissing, fmt.Sprintf("%s credentials are inactive", m), nil)
	}
	if err := a.CheckCredentials(cred); err != nil {
		return models.Credential{}, newError(ErrCodeCredentialsInvalid, err.Error(), err)
	}
	return cred, nil
}

// ProcessPayment runs one payment attempt. Precondition failures return a
// ServiceError and write nothing. Once the ledger entry exists the call
// returns it in whatever state the processor left it, with a nil error.
func (s *PaymentService) ProcessPayment(ctx context.Context, req PaymentRequest) (models.Transaction, error) {
	ctx, span := tracing.Start(ctx, "payments.process",
		attribute.String("business_id", req.BusinessID),
		attribute.String("method", string(req.Method)))
	defer span.End()
	log := tracing.L(ctx, s.log)

	if err := s.validate(&req); err != nil {
		return models.Transaction{}, err
	}
	b, err := activeBusiness(ctx, s.businesses, req.BusinessID, req.AppID)
	if err != nil {
		return models.Transaction{}, err
	}
	mcfg, ok := b.Method(req.Method)
	if !ok || !mcfg.Active {
		return models.Transaction{}, newError(ErrCodeMethodNotEnabled, fmt.Sprintf("%s is not enabled for this business", req.Method), nil)
	}
	adapter, err := s.adapters.For(req.Method)
	if err != nil {
		return models.Transaction{}, newError(ErrCodeInvalidRequest, err.Error(), err)
	}
	cred, err := credentialsFor(ctx, s.creds, adapter, b.ID, req.Method)
	if err != nil {
		return models.Transaction{}, err
	}

	fee := mcfg.Fee(req.Amount)
	txn := models.Transaction{
		ID:               uuid.NewString(),
		BusinessID:       b.ID,
		AppID:            req.AppID,
		InvoiceID:        req.InvoiceID,
		Method:           req.Method,
		Amount:           req.Amount,
		Currency:         req.Currency,
		Fee:              fee,
		NetAmount:        req.Amount.Sub(fee),
		PhoneNumber:      req.PhoneNumber,
		AccountReference: req.AccountReference,
		Description:      req.Description,
		Status:           models.TxnProcessing,
	}
	preq := processor.PaymentRequest{Transaction: txn, PaymentMethodToken: req.PaymentMethodToken}
	if err := adapter.CheckRequest(preq); err != nil {
		if errors.Is(err, processor.ErrInvalidAmount) {
			return models.Transaction{}, newError(ErrCodeInvalidAmount, err.Error(), err)
		}
		return models.Transaction{}, newError(ErrCodeInvalidRequest, err.Error(), err)
	}
	if req.InvoiceID != nil && s.invoices != nil {
		if err := s.invoices.CheckPayable(ctx, b.ID, *req.InvoiceID, req.Currency); err != nil {
			return models.Transaction{}, err
		}
	}

	txn, err = s.txns.Create(ctx, txn)
	if err != nil {
		tracing.Fail(span, err)
		return models.Transaction{}, internal("create ledger entry", err)
	}
	span.SetAttributes(attribute.String("transaction_id", txn.ID))
	writeAudit(ctx, s.audit, log, models.EntityTransaction, txn.ID, models.ActionCreated, map[string]any{
		"method": txn.Method, "amount": txn.Amount.String(), "currency": txn.Currency,
	})

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	res, err := adapter.ProcessPayment(callCtx, preq, cred)
	cancel()
	if err != nil {
		// local checks passed above, so this is unexpected; never leave the
		// entry in processing without a correlation id
		log.Error("adapter rejected payment after ledger write", zap.String("transaction_id", txn.ID), zap.Error(err))
		res = processor.Result{Success: false, Status: models.TxnFailed, Message: err.Error()}
	}

	out, err := s.apply(ctx, txn, res)
	metrics.PaymentsTotal.WithLabelValues(string(out.Method), string(out.Status)).Inc()
	if err != nil {
		tracing.Fail(span, err)
		log.Error("persist payment result", zap.String("transaction_id", txn.ID), zap.Error(err))
		return out, nil
	}
	log.Info("payment processed",
		zap.String("transaction_id", out.ID),
		zap.String("method", string(out.Method)),
		zap.String("status", string(out.Status)))
	return out, nil
}

// apply writes the adapter result onto the processing entry.
func (s *PaymentService) apply(ctx context.Context, txn models.Transaction, res processor.Result) (models.Transaction, error) {
	status := res.Status
	if status == "" {
		status = models.TxnFailed
		if res.Success {
			status = models.TxnCompleted
		}
	}
	if status == models.TxnPending {
		status = models.TxnProcessing
	}
	if status == models.TxnProcessing && res.ProcessorID == "" {
		status = models.TxnFailed
		if res.Message == "" {
			res.Message = "processor issued no reference"
		}
	}

	u := repo.StatusUpdate{Status: status, Details: res.Details}
	if res.ProcessorID != "" {
		u.CorrelationID = ptr(res.ProcessorID)
	}
	if res.MerchantRequestID != "" {
		u.MerchantRequestID = ptr(res.MerchantRequestID)
	}
	if res.ReceiptNumber != "" && status == models.TxnCompleted {
		u.ReceiptNumber = ptr(res.ReceiptNumber)
	}
	if res.Message != "" {
		u.ResultDescription = ptr(res.Message)
	}

	won, err := s.txns.CompareAndSetStatus(ctx, txn.ID, []models.TransactionStatus{models.TxnProcessing}, u)
	if errors.Is(err, repo.ErrConflict) && u.CorrelationID != nil {
		// reference already on another entry; keep the outcome without it
		s.log.Warn("duplicate processor reference", zap.String("transaction_id", txn.ID), zap.String("reference", *u.CorrelationID))
		if u.Details == nil {
			u.Details = map[string]any{}
		}
		u.Details["processor_reference"] = *u.CorrelationID
		u.CorrelationID = nil
		if status == models.TxnProcessing {
			u.Status = models.TxnFailed
			u.ResultDescription = ptr("processor reference conflict")
		}
		won, err = s.txns.CompareAndSetStatus(ctx, txn.ID, []models.TransactionStatus{models.TxnProcessing}, u)
	}
	if err != nil {
		_ = s.txns.RecordError(ctx, txn.ID, "persist result: "+err.Error())
		txn.Status = models.TxnProcessing
		return txn, err
	}
	if won && u.Status == models.TxnFailed {
		if err := s.txns.RecordError(ctx, txn.ID, res.Message); err != nil {
			s.log.Warn("record processing error", zap.String("transaction_id", txn.ID), zap.Error(err))
		}
	}

	out, err := s.txns.GetByID(ctx, txn.ID)
	if err != nil {
		return txn, err
	}
	if won && u.Status.Terminal() {
		s.settle.terminal(ctx, out, models.TxnProcessing, "processor_response")
	}
	return out, nil
}

func (s *PaymentService) Get(ctx context.Context, id string) (models.Transaction, error) {
	t, err := s.txns.GetByID(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return models.Transaction{}, newError(ErrCodeTransactionNotFound, "transaction not found", nil)
	}
	if err != nil {
		return models.Transaction{}, internal("load transaction", err)
	}
	return t, nil
}

func (s *PaymentService) List(ctx context.Context, businessID string, f repo.TransactionFilter) ([]models.Transaction, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, newError(ErrCodeInvalidRequest, fmt.Sprintf("unknown status %q", f.Status), nil)
	}
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	out, err := s.txns.ListByBusiness(ctx, businessID, f)
	if err != nil {
		return nil, internal("list transactions", err)
	}
	return out, nil
}
