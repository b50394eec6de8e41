package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/baharkarakas/paygate/internal/models"
	repo "github.com/baharkarakas/paygate/internal/repository"
)

type invoicesRepo struct{ db DBTX }

const invoiceColumns = `id, business_id, number, customer_name, customer_email, currency, items, tax_rate,
	subtotal, tax_total, total, paid_amount, payments, status, due_date, notes, created_at, updated_at`

func scanInvoice(row pgx.Row) (models.Invoice, error) {
	var (
		inv                                 models.Invoice
		taxRate, sub, taxTotal, total, paid pgtype.Numeric
	)
	err := row.Scan(&inv.ID, &inv.BusinessID, &inv.Number, &inv.CustomerName, &inv.CustomerEmail, &inv.Currency,
		&inv.Items, &taxRate, &sub, &taxTotal, &total, &paid, &inv.Payments, &inv.Status, &inv.DueDate,
		&inv.Notes, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return models.Invoice{}, mapErr(err)
	}
	inv.TaxRate, inv.Subtotal, inv.TaxTotal = fromNumeric(taxRate), fromNumeric(sub), fromNumeric(taxTotal)
	inv.Total, inv.PaidAmount = fromNumeric(total), fromNumeric(paid)
	return inv, nil
}

func (r *invoicesRepo) Create(ctx context.Context, inv models.Invoice) (models.Invoice, error) {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.Payments == nil {
		inv.Payments = []models.InvoicePayment{}
	}
	return scanInvoice(r.db.QueryRow(ctx,
		`INSERT INTO invoices(id, business_id, number, customer_name, customer_email, currency, items, tax_rate,
		                      subtotal, tax_total, total, paid_amount, payments, status, due_date, notes)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		 RETURNING `+invoiceColumns,
		inv.ID, inv.BusinessID, inv.Number, inv.CustomerName, inv.CustomerEmail, inv.Currency, inv.Items,
		toNumeric(inv.TaxRate), toNumeric(inv.Subtotal), toNumeric(inv.TaxTotal), toNumeric(inv.Total),
		toNumeric(inv.PaidAmount), inv.Payments, inv.Status, inv.DueDate, inv.Notes,
	))
}

func (r *invoicesRepo) GetByID(ctx context.Context, id string) (models.Invoice, error) {
	return scanInvoice(r.db.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id=$1`, id))
}

func (r *invoicesRepo) GetByIDForUpdate(ctx context.Context, id string) (models.Invoice, error) {
	return scanInvoice(r.db.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id=$1 FOR UPDATE`, id))
}

func (r *invoicesRepo) ListByBusiness(ctx context.Context, businessID string, limit, offset int) ([]models.Invoice, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.list(ctx,
		`SELECT `+invoiceColumns+`
		   FROM invoices
		  WHERE business_id=$1
		  ORDER BY created_at DESC
		  LIMIT $2 OFFSET $3`,
		businessID, limit, offset)
}

// ListDue returns invoices still awaiting money whose due date has passed.
func (r *invoicesRepo) ListDue(ctx context.Context, now time.Time) ([]models.Invoice, error) {
	return r.list(ctx,
		`SELECT `+invoiceColumns+`
		   FROM invoices
		  WHERE status IN ('sent', 'partially_paid') AND due_date IS NOT NULL AND due_date < $1`,
		now)
}

func (r *invoicesRepo) list(ctx context.Context, q string, args ...any) ([]models.Invoice, error) {
	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []models.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (r *invoicesRepo) Update(ctx context.Context, inv models.Invoice) error {
	if inv.Payments == nil {
		inv.Payments = []models.InvoicePayment{}
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE invoices
		    SET status = $2,
		        paid_amount = $3,
		        payments = $4,
		        due_date = $5,
		        notes = $6,
		        updated_at = now()
		  WHERE id = $1`,
		inv.ID, inv.Status, toNumeric(inv.PaidAmount), inv.Payments, inv.DueDate, inv.Notes,
	)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return repo.ErrNotFound
	}
	return nil
}
