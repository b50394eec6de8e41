package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/baharkarakas/paygate/internal/models"
	repo "github.com/baharkarakas/paygate/internal/repository"
)

type transactionsRepo struct{ db DBTX }

const transactionColumns = `id, business_id, app_id, invoice_id, method, amount, currency, fee, net_amount,
	phone_number, account_reference, description, status, correlation_id, merchant_request_id,
	result_code, result_description, receipt_number, callback_received, callback_data, details,
	refunded_amount, refunded, disputed, dispute_details, retry_count, last_retry_at, processing_errors,
	created_at, updated_at`

func scanTransaction(row pgx.Row) (models.Transaction, error) {
	var (
		t                            models.Transaction
		amount, fee, net, refundedAm pgtype.Numeric
	)
	err := row.Scan(
		&t.ID, &t.BusinessID, &t.AppID, &t.InvoiceID, &t.Method, &amount, &t.Currency, &fee, &net,
		&t.PhoneNumber, &t.AccountReference, &t.Description, &t.Status, &t.CorrelationID, &t.MerchantRequestID,
		&t.ResultCode, &t.ResultDescription, &t.ReceiptNumber, &t.CallbackReceived, &t.CallbackData, &t.Details,
		&refundedAm, &t.Refunded, &t.Disputed, &t.DisputeDetails, &t.RetryCount, &t.LastRetryAt, &t.ProcessingErrors,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return models.Transaction{}, mapErr(err)
	}
	t.Amount, t.Fee, t.NetAmount = fromNumeric(amount), fromNumeric(fee), fromNumeric(net)
	t.RefundedAmount = fromNumeric(refundedAm)
	return t, nil
}

func (r *transactionsRepo) Create(ctx context.Context, t models.Transaction) (models.Transaction, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.ProcessingErrors == nil {
		t.ProcessingErrors = []models.ProcessingError{}
	}
	row := r.db.QueryRow(ctx,
		`INSERT INTO transactions (
		   id, business_id, app_id, invoice_id, method, amount, currency, fee, net_amount,
		   phone_number, account_reference, description, status, correlation_id, details, processing_errors
		 ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		 RETURNING `+transactionColumns,
		t.ID, t.BusinessID, t.AppID, t.InvoiceID, t.Method, toNumeric(t.Amount), t.Currency,
		toNumeric(t.Fee), toNumeric(t.NetAmount), t.PhoneNumber, t.AccountReference, t.Description,
		t.Status, t.CorrelationID, t.Details, t.ProcessingErrors,
	)
	return scanTransaction(row)
}

func (r *transactionsRepo) GetByID(ctx context.Context, id string) (models.Transaction, error) {
	return scanTransaction(r.db.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id=$1`, id))
}

func (r *transactionsRepo) GetByIDForUpdate(ctx context.Context, id string) (models.Transaction, error) {
	return scanTransaction(r.db.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id=$1 FOR UPDATE`, id))
}

func (r *transactionsRepo) GetByCorrelationID(ctx context.Context, correlationID string) (models.Transaction, error) {
	return scanTransaction(r.db.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE correlation_id=$1`, correlationID))
}

func (r *transactionsRepo) ListByBusiness(ctx context.Context, businessID string, f repo.TransactionFilter) ([]models.Transaction, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+transactionColumns+`
		   FROM transactions
		  WHERE business_id=$1 AND ($2 = '' OR status = $2)
		  ORDER BY created_at DESC
		  LIMIT $3 OFFSET $4`,
		businessID, string(f.Status), f.Limit, f.Offset,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CompareAndSetStatus is a single conditional UPDATE, so two concurrent
// callers for the same row can never both see RowsAffected() == 1.
func (r *transactionsRepo) CompareAndSetStatus(ctx context.Context, id string, from []models.TransactionStatus, u repo.StatusUpdate) (bool, error) {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE transactions
		    SET status = $3,
		        correlation_id = COALESCE($4, correlation_id),
		        merchant_request_id = COALESCE($5, merchant_request_id),
		        result_code = COALESCE($6, result_code),
		        result_description = COALESCE($7, result_description),
		        receipt_number = COALESCE($8, receipt_number),
		        callback_received = callback_received OR $9,
		        callback_data = COALESCE($10, callback_data),
		        details = COALESCE(details, '{}'::jsonb) || COALESCE($11::jsonb, '{}'::jsonb),
		        updated_at = now()
		  WHERE id = $1 AND status = ANY($2)`,
		id, states, u.Status, u.CorrelationID, u.MerchantRequestID, u.ResultCode,
		u.ResultDescription, u.ReceiptNumber, u.CallbackData != nil, u.CallbackData, u.Details,
	)
	if err != nil {
		return false, mapErr(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *transactionsRepo) RecordError(ctx context.Context, id, msg string) error {
	entry := []models.ProcessingError{{Error: msg, Timestamp: time.Now().UTC()}}
	tag, err := r.db.Exec(ctx,
		`UPDATE transactions
		    SET processing_errors = processing_errors || $2::jsonb,
		        retry_count = retry_count + 1,
		        last_retry_at = now(),
		        updated_at = now()
		  WHERE id = $1`,
		id, entry,
	)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// AddRefunded bumps refunded_amount; the table CHECK keeps it <= amount.
func (r *transactionsRepo) AddRefunded(ctx context.Context, id string, amount decimal.Decimal) (models.Transaction, error) {
	return scanTransaction(r.db.QueryRow(ctx,
		`UPDATE transactions
		    SET refunded_amount = refunded_amount + $2,
		        refunded = (refunded_amount + $2) >= amount,
		        updated_at = now()
		  WHERE id = $1
		  RETURNING `+transactionColumns,
		id, toNumeric(amount),
	))
}

func (r *transactionsRepo) UpdateDispute(ctx context.Context, id string, disputed bool, details map[string]any) (models.Transaction, error) {
	return scanTransaction(r.db.QueryRow(ctx,
		`UPDATE transactions
		    SET disputed = $2,
		        dispute_details = COALESCE(dispute_details, '{}'::jsonb) || COALESCE($3::jsonb, '{}'::jsonb),
		        updated_at = now()
		  WHERE id = $1
		  RETURNING `+transactionColumns,
		id, disputed, details,
	))
}
