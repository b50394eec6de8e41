package processor

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/baharkarakas/paygate/internal/models"
)

func TestRegistry(t *testing.T) {
	card := NewCard("http://unused", nil, zap.NewNop())
	mobile := NewMobileMoney("http://unused", "http://unused", "http://cb", nil, nil, zap.NewNop())
	cash := NewCash()

	r, err := NewRegistry(card, mobile, cash)
	require.NoError(t, err)

	for _, m := range []models.PaymentMethod{models.MethodCard, models.MethodMpesa, models.MethodCash} {
		a, err := r.For(m)
		require.NoError(t, err)
		assert.Equal(t, m, a.Method())
	}

	_, err = r.For("paypal")
	assert.ErrorIs(t, err, ErrUnsupportedMethod)

	_, err = NewRegistry(card, cash, cash)
	assert.Error(t, err)
	_, err = NewRegistry(card, mobile, nil)
	assert.Error(t, err)
}

func TestCash(t *testing.T) {
	ctx := context.Background()
	c := NewCash()

	res, err := c.ProcessPayment(ctx, PaymentRequest{Transaction: models.Transaction{ID: "t1"}}, models.Credential{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, models.TxnCompleted, res.Status)
	assert.Equal(t, "cash_t1", res.ProcessorID)

	res, err = c.ProcessRefund(ctx, models.Refund{ID: "r1"}, models.Transaction{ID: "t1"}, models.Credential{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "cash_refund_r1", res.ProcessorID)

	_, err = c.HandleWebhook(ctx, []byte(`{}`), "", models.Credential{})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(1234), minorUnits(decimal.RequireFromString("12.34")))
	assert.Equal(t, int64(100), minorUnits(decimal.RequireFromString("1")))
	assert.Equal(t, int64(1), minorUnits(decimal.RequireFromString("0.005")))
}
