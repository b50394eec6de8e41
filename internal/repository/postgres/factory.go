package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	repo "github.com/baharkarakas/paygate/internal/repository"
)

type Repositories struct {
	Apps         repo.Apps
	Businesses   repo.Businesses
	Credentials  repo.Credentials
	Transactions repo.Transactions
	Refunds      repo.Refunds
	Invoices     repo.Invoices
	AuditLogs    repo.AuditLogs
	Tx           repo.TxManager
}

func NewRepositories(pool *pgxpool.Pool) Repositories {
	return Repositories{
		Apps:         &appsRepo{pool},
		Businesses:   &businessesRepo{pool},
		Credentials:  &credentialsRepo{pool},
		Transactions: &transactionsRepo{pool},
		Refunds:      &refundsRepo{pool},
		Invoices:     &invoicesRepo{pool},
		AuditLogs:    &auditLogsRepo{pool},
		Tx:           &txManager{pool},
	}
}

type txManager struct{ pool *pgxpool.Pool }

// WithTx runs fn in a READ COMMITTED transaction. Row locks taken through
// GetByIDForUpdate serialize writers on the same row only.
func (m *txManager) WithTx(ctx context.Context, fn func(repo.Tx) error) error {
	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(txRepos{tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type txRepos struct{ tx pgx.Tx }

func (t txRepos) Transactions() repo.Transactions { return &transactionsRepo{t.tx} }
func (t txRepos) Refunds() repo.Refunds           { return &refundsRepo{t.tx} }
func (t txRepos) Invoices() repo.Invoices         { return &invoicesRepo{t.tx} }
func (t txRepos) AuditLogs() repo.AuditLogs       { return &auditLogsRepo{t.tx} }
func (t txRepos) WebhookEvents() repo.WebhookEvents {
	return &webhookEventsRepo{t.tx}
}
