package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/baharkarakas/paygate/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

type Apps interface {
	Create(ctx context.Context, a models.App) (models.App, error)
	GetByID(ctx context.Context, id string) (models.App, error)
}

type Businesses interface {
	Create(ctx context.Context, b models.Business) (models.Business, error)
	GetByID(ctx context.Context, id string) (models.Business, error)
	LinkApp(ctx context.Context, businessID, appID string, status models.AppLinkStatus) error
	UpsertMethod(ctx context.Context, businessID string, m models.MethodConfig) error
	SetWebhook(ctx context.Context, businessID, url, secret string) error
}

// Credentials persists sealed credential bundles; it never sees plaintext secrets.
type Credentials interface {
	Upsert(ctx context.Context, c models.Credential) (models.Credential, error)
	Get(ctx context.Context, businessID string, method models.PaymentMethod) (models.Credential, error)
	Delete(ctx context.Context, businessID string, method models.PaymentMethod) error
}

type TransactionFilter struct {
	Status models.TransactionStatus
	Limit  int
	Offset int
}

// StatusUpdate carries the fields written together with a status change.
// Nil pointers leave the stored value untouched.
type StatusUpdate struct {
	Status            models.TransactionStatus
	CorrelationID     *string
	MerchantRequestID *string
	ResultCode        *string
	ResultDescription *string
	ReceiptNumber     *string
	CallbackData      map[string]any
	Details           map[string]any
}

type Transactions interface {
	Create(ctx context.Context, t models.Transaction) (models.Transaction, error)
	GetByID(ctx context.Context, id string) (models.Transaction, error)
	// GetByIDForUpdate locks the row until the surrounding tx ends.
	GetByIDForUpdate(ctx context.Context, id string) (models.Transaction, error)
	GetByCorrelationID(ctx context.Context, correlationID string) (models.Transaction, error)
	ListByBusiness(ctx context.Context, businessID string, f TransactionFilter) ([]models.Transaction, error)

	// CompareAndSetStatus applies u only if the current status is one of from.
	// It reports whether this call performed the transition.
	CompareAndSetStatus(ctx context.Context, id string, from []models.TransactionStatus, u StatusUpdate) (bool, error)
	RecordError(ctx context.Context, id, msg string) error
	AddRefunded(ctx context.Context, id string, amount decimal.Decimal) (models.Transaction, error)
	// UpdateDispute sets the disputed flag and merges details into the
	// stored dispute details.
	UpdateDispute(ctx context.Context, id string, disputed bool, details map[string]any) (models.Transaction, error)
}

type Refunds interface {
	Create(ctx context.Context, r models.Refund) (models.Refund, error)
	GetByID(ctx context.Context, id string) (models.Refund, error)
	ListByTransaction(ctx context.Context, transactionID string) ([]models.Refund, error)
	Finish(ctx context.Context, id string, status models.TransactionStatus, processorRefundID *string, failure string, details map[string]any) error
}

type Invoices interface {
	Create(ctx context.Context, inv models.Invoice) (models.Invoice, error)
	GetByID(ctx context.Context, id string) (models.Invoice, error)
	GetByIDForUpdate(ctx context.Context, id string) (models.Invoice, error)
	ListByBusiness(ctx context.Context, businessID string, limit, offset int) ([]models.Invoice, error)
	ListDue(ctx context.Context, now time.Time) ([]models.Invoice, error)
	Update(ctx context.Context, inv models.Invoice) error
}

// WebhookEvents remembers processor deliveries that were already applied.
type WebhookEvents interface {
	// Record stores (source, eventID) and reports whether it was new.
	Record(ctx context.Context, source, eventID string) (bool, error)
}

type AuditLogs interface {
	Create(ctx context.Context, l models.AuditLog) error
}

// Tx exposes the repositories bound to a single database transaction.
type Tx interface {
	Transactions() Transactions
	Refunds() Refunds
	Invoices() Invoices
	AuditLogs() AuditLogs
	WebhookEvents() WebhookEvents
}

type TxManager interface {
	// WithTx runs fn atomically: every write through tx commits or none does.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
