//go:build integration

package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/baharkarakas/paygate/internal/db"
	"github.com/baharkarakas/paygate/internal/models"
	repo "github.com/baharkarakas/paygate/internal/repository"
)

func setupRepos(t *testing.T) Repositories {
	t.Helper()
	ctx := context.Background()

	pg, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("paygate"),
		postgres.WithUsername("paygate"),
		postgres.WithPassword("paygate"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, testcontainers.TerminateContainer(pg)) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations(ctx, dsn))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return NewRepositories(pool)
}

func seedBusiness(t *testing.T, r Repositories) (models.Business, models.App) {
	t.Helper()
	ctx := context.Background()
	app, err := r.Apps.Create(ctx, models.App{Name: "pos-app", SecretHash: "x", Status: models.AppActive})
	require.NoError(t, err)
	b, err := r.Businesses.Create(ctx, models.Business{Name: "Acme Duka", Status: models.BusinessActive})
	require.NoError(t, err)
	require.NoError(t, r.Businesses.LinkApp(ctx, b.ID, app.ID, models.AppLinkActive))
	require.NoError(t, r.Businesses.UpsertMethod(ctx, b.ID, models.MethodConfig{
		Method: models.MethodMpesa, FeePercentage: decimal.RequireFromString("1.5"), Active: true,
	}))
	return b, app
}

func newTxn(b models.Business, app models.App, amount string) models.Transaction {
	a := decimal.RequireFromString(amount)
	return models.Transaction{
		BusinessID: b.ID,
		AppID:      app.ID,
		Method:     models.MethodMpesa,
		Amount:     a,
		Currency:   "KES",
		NetAmount:  a,
		Status:     models.TxnPending,
	}
}

func TestRepositories_Integration(t *testing.T) {
	r := setupRepos(t)
	ctx := context.Background()
	b, app := seedBusiness(t, r)

	t.Run("business round trip", func(t *testing.T) {
		got, err := r.Businesses.GetByID(ctx, b.ID)
		require.NoError(t, err)
		assert.True(t, got.AppActive(app.ID))
		assert.True(t, got.MethodActive(models.MethodMpesa))

		_, err = r.Businesses.GetByID(ctx, "not-a-uuid")
		assert.ErrorIs(t, err, repo.ErrNotFound)
	})

	t.Run("credentials upsert replaces the bundle", func(t *testing.T) {
		c := models.Credential{
			BusinessID: b.ID, Method: models.MethodMpesa, Environment: models.EnvSandbox,
			ShortCode: "174379", Active: true, EncryptedSecrets: []byte("sealed-1"),
		}
		_, err := r.Credentials.Upsert(ctx, c)
		require.NoError(t, err)
		c.EncryptedSecrets = []byte("sealed-2")
		_, err = r.Credentials.Upsert(ctx, c)
		require.NoError(t, err)

		got, err := r.Credentials.Get(ctx, b.ID, models.MethodMpesa)
		require.NoError(t, err)
		assert.Equal(t, []byte("sealed-2"), got.EncryptedSecrets)

		require.NoError(t, r.Credentials.Delete(ctx, b.ID, models.MethodMpesa))
		_, err = r.Credentials.Get(ctx, b.ID, models.MethodMpesa)
		assert.ErrorIs(t, err, repo.ErrNotFound)
	})

	t.Run("compare and set has one winner", func(t *testing.T) {
		txn, err := r.Transactions.Create(ctx, newTxn(b, app, "100"))
		require.NoError(t, err)
		ref := "ws_CO_int_1"
		ok, err := r.Transactions.CompareAndSetStatus(ctx, txn.ID,
			[]models.TransactionStatus{models.TxnPending},
			repo.StatusUpdate{Status: models.TxnProcessing, CorrelationID: &ref})
		require.NoError(t, err)
		require.True(t, ok)

		const n = 16
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				receipt := "RC1"
				won, err := r.Transactions.CompareAndSetStatus(ctx, txn.ID,
					[]models.TransactionStatus{models.TxnPending, models.TxnProcessing},
					repo.StatusUpdate{Status: models.TxnCompleted, ReceiptNumber: &receipt})
				assert.NoError(t, err)
				if won {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)

		got, err := r.Transactions.GetByCorrelationID(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, models.TxnCompleted, got.Status)
		require.NotNil(t, got.ReceiptNumber)
		assert.Equal(t, "RC1", *got.ReceiptNumber)
	})

	t.Run("duplicate correlation id conflicts", func(t *testing.T) {
		ref := "ws_CO_dup"
		first, err := r.Transactions.Create(ctx, newTxn(b, app, "10"))
		require.NoError(t, err)
		second, err := r.Transactions.Create(ctx, newTxn(b, app, "10"))
		require.NoError(t, err)

		_, err = r.Transactions.CompareAndSetStatus(ctx, first.ID, []models.TransactionStatus{models.TxnPending},
			repo.StatusUpdate{Status: models.TxnProcessing, CorrelationID: &ref})
		require.NoError(t, err)
		_, err = r.Transactions.CompareAndSetStatus(ctx, second.ID, []models.TransactionStatus{models.TxnPending},
			repo.StatusUpdate{Status: models.TxnProcessing, CorrelationID: &ref})
		assert.ErrorIs(t, err, repo.ErrConflict)
	})

	t.Run("refunded amount never exceeds amount", func(t *testing.T) {
		txn, err := r.Transactions.Create(ctx, newTxn(b, app, "500"))
		require.NoError(t, err)

		got, err := r.Transactions.AddRefunded(ctx, txn.ID, decimal.RequireFromString("300"))
		require.NoError(t, err)
		assert.True(t, got.RefundedAmount.Equal(decimal.RequireFromString("300")))
		assert.False(t, got.Refunded)

		_, err = r.Transactions.AddRefunded(ctx, txn.ID, decimal.RequireFromString("300"))
		assert.ErrorIs(t, err, repo.ErrConflict)

		got, err = r.Transactions.AddRefunded(ctx, txn.ID, decimal.RequireFromString("200"))
		require.NoError(t, err)
		assert.True(t, got.Refunded)
	})

	t.Run("WithTx rolls back on error", func(t *testing.T) {
		txn, err := r.Transactions.Create(ctx, newTxn(b, app, "50"))
		require.NoError(t, err)
		boom := errors.New("boom")

		err = r.Tx.WithTx(ctx, func(tx repo.Tx) error {
			locked, err := tx.Transactions().GetByIDForUpdate(ctx, txn.ID)
			require.NoError(t, err)
			_, err = tx.Refunds().Create(ctx, models.Refund{
				TransactionID: locked.ID, BusinessID: b.ID,
				Amount: decimal.RequireFromString("5"), Currency: "KES", Status: models.TxnProcessing,
			})
			require.NoError(t, err)
			return boom
		})
		assert.ErrorIs(t, err, boom)

		list, err := r.Refunds.ListByTransaction(ctx, txn.ID)
		require.NoError(t, err)
		assert.Empty(t, list)
	})
	t.Run("webhook events are recorded once and disputes merge", func(t *testing.T) {
		txn, err := r.Transactions.Create(ctx, newTxn(b, app, "80"))
		require.NoError(t, err)

		var fresh []bool
		for i := 0; i < 2; i++ {
			require.NoError(t, r.Tx.WithTx(ctx, func(tx repo.Tx) error {
				ok, err := tx.WebhookEvents().Record(ctx, "card", "evt_int_1")
				fresh = append(fresh, ok)
				if err != nil || !ok {
					return err
				}
				_, err = tx.Transactions().UpdateDispute(ctx, txn.ID, true, map[string]any{"dispute_id": "dp_1", "status": "needs_response"})
				return err
			}))
		}
		assert.Equal(t, []bool{true, false}, fresh)

		got, err := r.Transactions.UpdateDispute(ctx, txn.ID, true, map[string]any{"status": "won", "resolution": "won"})
		require.NoError(t, err)
		assert.True(t, got.Disputed)
		assert.Equal(t, "dp_1", got.DisputeDetails["dispute_id"])
		assert.Equal(t, "won", got.DisputeDetails["status"])
	})
}
