package postgres

import (
	"context"

	"github.com/google/uuid"

	"github.com/baharkarakas/paygate/internal/models"
)

type appsRepo struct{ db DBTX }

func (r *appsRepo) Create(ctx context.Context, a models.App) (models.App, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	err := r.db.QueryRow(ctx,
		`INSERT INTO apps(id, name, secret_hash, status)
		 VALUES($1,$2,$3,$4)
		 RETURNING created_at, updated_at`,
		a.ID, a.Name, a.SecretHash, a.Status,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	return a, mapErr(err)
}

func (r *appsRepo) GetByID(ctx context.Context, id string) (models.App, error) {
	var a models.App
	err := r.db.QueryRow(ctx,
		`SELECT id, name, secret_hash, status, created_at, updated_at
		   FROM apps
		  WHERE id=$1`,
		id,
	).Scan(&a.ID, &a.Name, &a.SecretHash, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	return a, mapErr(err)
}
