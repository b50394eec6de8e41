package postgres

import (
	"context"

	"github.com/google/uuid"

	"github.com/baharkarakas/paygate/internal/models"
	repo "github.com/baharkarakas/paygate/internal/repository"
)

type credentialsRepo struct{ db DBTX }

const credentialColumns = `id, business_id, method, environment, shortcode, shortcode_type,
	callback_url, publishable_key, active, encrypted_secrets, created_at, updated_at`

func (r *credentialsRepo) Upsert(ctx context.Context, c models.Credential) (models.Credential, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	err := r.db.QueryRow(ctx,
		`INSERT INTO credentials(id, business_id, method, environment, shortcode, shortcode_type,
		                         callback_url, publishable_key, active, encrypted_secrets)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT (business_id, method) DO UPDATE
		    SET environment = EXCLUDED.environment,
		        shortcode = EXCLUDED.shortcode,
		        shortcode_type = EXCLUDED.shortcode_type,
		        callback_url = EXCLUDED.callback_url,
		        publishable_key = EXCLUDED.publishable_key,
		        active = EXCLUDED.active,
		        encrypted_secrets = EXCLUDED.encrypted_secrets,
		        updated_at = now()
		 RETURNING id, created_at, updated_at`,
		c.ID, c.BusinessID, c.Method, c.Environment, c.ShortCode, c.ShortCodeType,
		c.CallbackURL, c.PublishableKey, c.Active, c.EncryptedSecrets,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	return c, mapErr(err)
}

func (r *credentialsRepo) Get(ctx context.Context, businessID string, method models.PaymentMethod) (models.Credential, error) {
	var c models.Credential
	err := r.db.QueryRow(ctx,
		`SELECT `+credentialColumns+`
		   FROM credentials
		  WHERE business_id=$1 AND method=$2`,
		businessID, method,
	).Scan(&c.ID, &c.BusinessID, &c.Method, &c.Environment, &c.ShortCode, &c.ShortCodeType,
		&c.CallbackURL, &c.PublishableKey, &c.Active, &c.EncryptedSecrets, &c.CreatedAt, &c.UpdatedAt)
	return c, mapErr(err)
}

func (r *credentialsRepo) Delete(ctx context.Context, businessID string, method models.PaymentMethod) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM credentials WHERE business_id=$1 AND method=$2`, businessID, method)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return repo.ErrNotFound
	}
	return nil
}
