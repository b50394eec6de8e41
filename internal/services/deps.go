package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/baharkarakas/paygate/internal/models"
	"github.com/baharkarakas/paygate/internal/notify"
	"github.com/baharkarakas/paygate/internal/processor"
	repo "github.com/baharkarakas/paygate/internal/repository"
)

// CredentialStore is satisfied by *credentials.Store.
type CredentialStore interface {
	Get(ctx context.Context, businessID string, method models.PaymentMethod) (models.Credential, error)
	Put(ctx context.Context, c models.Credential) (models.Credential, error)
	Delete(ctx context.Context, businessID string, method models.PaymentMethod) error
}

// Adapters is satisfied by *processor.Registry.
type Adapters interface {
	For(method models.PaymentMethod) (processor.Adapter, error)
}

// Deps is everything the services are built from.
type Deps struct {
	Apps         repo.Apps
	Businesses   repo.Businesses
	Transactions repo.Transactions
	Refunds      repo.Refunds
	Invoices     repo.Invoices
	AuditLogs    repo.AuditLogs
	Tx           repo.TxManager

	Credentials CredentialStore
	Adapters    Adapters
	Notifier    notify.Notifier

	ProcessorTimeout time.Duration
	Log              *zap.Logger
}

func (d Deps) timeout() time.Duration {
	if d.ProcessorTimeout <= 0 {
		return 30 * time.Second
	}
	return d.ProcessorTimeout
}

func writeAudit(ctx context.Context, logs repo.AuditLogs, log *zap.Logger, entity, id, action string, details map[string]any) {
	err := logs.Create(ctx, models.AuditLog{
		EntityType: entity,
		EntityID:   id,
		Action:     action,
		Details:    details,
	})
	if err != nil {
		log.Warn("audit write failed",
			zap.String("entity", entity),
			zap.String("entity_id", id),
			zap.String("action", action),
			zap.Error(err))
	}
}

func ptr[T any](v T) *T { return &v }
