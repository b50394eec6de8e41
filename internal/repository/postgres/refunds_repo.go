package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/baharkarakas/paygate/internal/models"
	repo "github.com/baharkarakas/paygate/internal/repository"
)

type refundsRepo struct{ db DBTX }

const refundColumns = `id, transaction_id, business_id, amount, currency, reason, status,
	processor_refund_id, failure_reason, details, created_at, updated_at`

func scanRefund(row pgx.Row) (models.Refund, error) {
	var (
		rf     models.Refund
		amount pgtype.Numeric
	)
	err := row.Scan(&rf.ID, &rf.TransactionID, &rf.BusinessID, &amount, &rf.Currency, &rf.Reason, &rf.Status,
		&rf.ProcessorRefundID, &rf.FailureReason, &rf.Details, &rf.CreatedAt, &rf.UpdatedAt)
	if err != nil {
		return models.Refund{}, mapErr(err)
	}
	rf.Amount = fromNumeric(amount)
	return rf, nil
}

func (r *refundsRepo) Create(ctx context.Context, rf models.Refund) (models.Refund, error) {
	if rf.ID == "" {
		rf.ID = uuid.NewString()
	}
	return scanRefund(r.db.QueryRow(ctx,
		`INSERT INTO refunds(id, transaction_id, business_id, amount, currency, reason, status)
		 VALUES($1,$2,$3,$4,$5,$6,$7)
		 RETURNING `+refundColumns,
		rf.ID, rf.TransactionID, rf.BusinessID, toNumeric(rf.Amount), rf.Currency, rf.Reason, rf.Status,
	))
}

func (r *refundsRepo) GetByID(ctx context.Context, id string) (models.Refund, error) {
	return scanRefund(r.db.QueryRow(ctx, `SELECT `+refundColumns+` FROM refunds WHERE id=$1`, id))
}

func (r *refundsRepo) ListByTransaction(ctx context.Context, transactionID string) ([]models.Refund, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+refundColumns+` FROM refunds WHERE transaction_id=$1 ORDER BY created_at`, transactionID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []models.Refund
	for rows.Next() {
		rf, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rf)
	}
	return out, rows.Err()
}

func (r *refundsRepo) Finish(ctx context.Context, id string, status models.TransactionStatus, processorRefundID *string, failure string, details map[string]any) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE refunds
		    SET status = $2,
		        processor_refund_id = COALESCE($3, processor_refund_id),
		        failure_reason = $4,
		        details = $5,
		        updated_at = now()
		  WHERE id = $1 AND status IN ('pending', 'processing')`,
		id, status, processorRefundID, failure, details,
	)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return repo.ErrNotFound
	}
	return nil
}
