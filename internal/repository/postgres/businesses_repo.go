package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/baharkarakas/paygate/internal/models"
	repo "github.com/baharkarakas/paygate/internal/repository"
)

type businessesRepo struct{ db DBTX }

func (r *businessesRepo) Create(ctx context.Context, b models.Business) (models.Business, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	err := r.db.QueryRow(ctx,
		`INSERT INTO businesses(id, name, status, webhook_url, webhook_secret)
		 VALUES($1,$2,$3,$4,$5)
		 RETURNING created_at, updated_at`,
		b.ID, b.Name, b.Status, b.WebhookURL, b.WebhookSecret,
	).Scan(&b.CreatedAt, &b.UpdatedAt)
	return b, mapErr(err)
}

func (r *businessesRepo) GetByID(ctx context.Context, id string) (models.Business, error) {
	var b models.Business
	err := r.db.QueryRow(ctx,
		`SELECT id, name, status, webhook_url, webhook_secret, created_at, updated_at
		   FROM businesses
		  WHERE id=$1`,
		id,
	).Scan(&b.ID, &b.Name, &b.Status, &b.WebhookURL, &b.WebhookSecret, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return models.Business{}, mapErr(err)
	}

	rows, err := r.db.Query(ctx,
		`SELECT app_id, status, linked_at FROM business_apps WHERE business_id=$1 ORDER BY linked_at`, id)
	if err != nil {
		return models.Business{}, err
	}
	for rows.Next() {
		var l models.AppLink
		if err := rows.Scan(&l.AppID, &l.Status, &l.LinkedAt); err != nil {
			rows.Close()
			return models.Business{}, err
		}
		b.Apps = append(b.Apps, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return models.Business{}, err
	}

	rows, err = r.db.Query(ctx,
		`SELECT method, fee_percentage, fee_fixed, active
		   FROM business_payment_methods
		  WHERE business_id=$1
		  ORDER BY method`, id)
	if err != nil {
		return models.Business{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			m        models.MethodConfig
			pct, fix pgtype.Numeric
		)
		if err := rows.Scan(&m.Method, &pct, &fix, &m.Active); err != nil {
			return models.Business{}, err
		}
		m.FeePercentage, m.FeeFixed = fromNumeric(pct), fromNumeric(fix)
		b.Methods = append(b.Methods, m)
	}
	return b, rows.Err()
}

func (r *businessesRepo) LinkApp(ctx context.Context, businessID, appID string, status models.AppLinkStatus) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO business_apps(business_id, app_id, status)
		 VALUES($1,$2,$3)
		 ON CONFLICT (business_id, app_id) DO UPDATE SET status = EXCLUDED.status`,
		businessID, appID, status,
	)
	return mapErr(err)
}

func (r *businessesRepo) UpsertMethod(ctx context.Context, businessID string, m models.MethodConfig) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO business_payment_methods(business_id, method, fee_percentage, fee_fixed, active)
		 VALUES($1,$2,$3,$4,$5)
		 ON CONFLICT (business_id, method) DO UPDATE
		    SET fee_percentage = EXCLUDED.fee_percentage,
		        fee_fixed = EXCLUDED.fee_fixed,
		        active = EXCLUDED.active`,
		businessID, m.Method, toNumeric(m.FeePercentage), toNumeric(m.FeeFixed), m.Active,
	)
	return mapErr(err)
}

func (r *businessesRepo) SetWebhook(ctx context.Context, businessID, url, secret string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE businesses SET webhook_url=$2, webhook_secret=$3, updated_at=now() WHERE id=$1`,
		businessID, url, secret,
	)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return repo.ErrNotFound
	}
	return nil
}
