package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/baharkarakas/paygate/internal/models"
	"github.com/baharkarakas/paygate/internal/notify"
	"github.com/baharkarakas/paygate/internal/processor"
)

func TestProcessRefund_Full(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.completedCash(t, "1000")
	f.expectNotify(notify.PaymentRefunded).Once()

	rf, err := f.refunds.ProcessRefund(ctx, RefundRequest{TransactionID: txn.ID, Amount: dec("1000"), Reason: " customer request "})
	require.NoError(t, err)
	assert.Equal(t, models.TxnCompleted, rf.Status)
	assert.Equal(t, "customer request", rf.Reason)
	assert.Equal(t, "KES", rf.Currency)
	require.NotNil(t, rf.ProcessorRefundID)

	got, err := f.payments.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, got.RefundedAmount.Equal(dec("1000")))
	assert.True(t, got.Refunded)
	assert.Equal(t, models.TxnCompleted, got.Status, "refunds never move the payment status")
	assert.True(t, got.RefundableAmount().IsZero())

	_, err = f.refunds.ProcessRefund(ctx, RefundRequest{TransactionID: txn.ID, Amount: dec("0.01")})
	assert.Equal(t, ErrCodeRefundExceedsAvailable, CodeOf(err))
	f.notifier.AssertExpectations(t)
}

func TestProcessRefund_ExceedsAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.completedCash(t, "500")

	_, err := f.refunds.ProcessRefund(ctx, RefundRequest{TransactionID: txn.ID, Amount: dec("600")})
	require.Error(t, err)
	assert.Equal(t, ErrCodeRefundExceedsAvailable, CodeOf(err))

	list, err := f.refunds.ListByTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
	got, err := f.payments.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, got.RefundedAmount.IsZero())
}

func TestProcessRefund_PartialsAccumulate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.completedCash(t, "500")
	f.expectNotify(notify.PaymentRefunded).Twice()

	_, err := f.refunds.ProcessRefund(ctx, RefundRequest{TransactionID: txn.ID, Amount: dec("300")})
	require.NoError(t, err)
	_, err = f.refunds.ProcessRefund(ctx, RefundRequest{TransactionID: txn.ID, Amount: dec("300")})
	assert.Equal(t, ErrCodeRefundExceedsAvailable, CodeOf(err))
	_, err = f.refunds.ProcessRefund(ctx, RefundRequest{TransactionID: txn.ID, Amount: dec("200")})
	require.NoError(t, err)

	got, err := f.payments.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, got.RefundedAmount.Equal(dec("500")))
	assert.True(t, got.Refunded)

	list, err := f.refunds.ListByTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestProcessRefund_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("payment not completed", func(t *testing.T) {
		f := newFixture(t)
		txn := f.pendingMpesa(t, "100", "ws_r1")
		_, err := f.refunds.ProcessRefund(ctx, RefundRequest{TransactionID: txn.ID, Amount: dec("10")})
		assert.Equal(t, ErrCodeRefundNotAllowed, CodeOf(err))
	})

	t.Run("unknown payment", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.refunds.ProcessRefund(ctx, RefundRequest{TransactionID: "nope", Amount: dec("10")})
		assert.Equal(t, ErrCodeTransactionNotFound, CodeOf(err))
	})

	t.Run("other business", func(t *testing.T) {
		f := newFixture(t)
		txn := f.completedCash(t, "100")
		_, err := f.refunds.ProcessRefund(ctx, RefundRequest{TransactionID: txn.ID, BusinessID: "other", Amount: dec("10")})
		assert.Equal(t, ErrCodeTransactionNotFound, CodeOf(err))
	})

	t.Run("bad amount", func(t *testing.T) {
		f := newFixture(t)
		txn := f.completedCash(t, "100")
		for _, a := range []string{"0", "-1", "0.001"} {
			_, err := f.refunds.ProcessRefund(ctx, RefundRequest{TransactionID: txn.ID, Amount: dec(a)})
			assert.Equal(t, ErrCodeInvalidAmount, CodeOf(err), a)
		}
	})
}

// completedMpesa settles an M-Pesa payment through a callback.
func (f *fixture) completedMpesa(t *testing.T, amount, ref string) models.Transaction {
	t.Helper()
	txn := f.pendingMpesa(t, amount, ref)
	f.expectNotify(notify.PaymentSuccess).Once()
	res, err := f.reconciler.Reconcile(context.Background(), mpesaSuccess(ref, "RC-"+ref))
	require.NoError(t, err)
	require.Equal(t, ReconcileApplied, res)
	out, err := f.payments.Get(context.Background(), txn.ID)
	require.NoError(t, err)
	return out
}

func TestProcessRefund_ProcessorDeclines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.completedMpesa(t, "100", "ws_r2")
	f.mpesa.On("ProcessRefund", mock.Anything, mock.Anything, mock.MatchedBy(func(o models.Transaction) bool {
		return o.ID == txn.ID
	}), mock.Anything).Return(processor.Result{
		Success: false,
		Status:  models.TxnFailed,
		Message: "reversal rejected",
	}, nil).Once()

	rf, err := f.refunds.ProcessRefund(ctx, RefundRequest{TransactionID: txn.ID, Amount: dec("40")})
	require.NoError(t, err)
	assert.Equal(t, models.TxnFailed, rf.Status)
	assert.Equal(t, "reversal rejected", rf.FailureReason)

	got, err := f.payments.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, got.RefundedAmount.IsZero())
	f.notifier.AssertNotCalled(t, "Notify", mock.Anything, "biz", eventOf(notify.PaymentRefunded))
}

func TestProcessRefund_AdapterErrorRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.completedMpesa(t, "100", "ws_r3")
	f.mpesa.On("ProcessRefund", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(processor.Result{}, errors.Join(processor.ErrInvalidCredentials, errors.New("missing initiator_name"))).Once()

	_, err := f.refunds.ProcessRefund(ctx, RefundRequest{TransactionID: txn.ID, Amount: dec("40")})
	assert.Equal(t, ErrCodeCredentialsInvalid, CodeOf(err))

	list, err := f.refunds.ListByTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Empty(t, list, "refund row rolled back")
}

func TestProcessRefund_FractionalReversalRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.completedMpesa(t, "100", "ws_r4")
	f.mpesa.On("ProcessRefund", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(processor.Result{}, fmt.Errorf("%w: whole shillings only", processor.ErrInvalidAmount)).Once()

	_, err := f.refunds.ProcessRefund(ctx, RefundRequest{TransactionID: txn.ID, Amount: dec("10.50")})
	assert.Equal(t, ErrCodeInvalidAmount, CodeOf(err))

	got, err := f.payments.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, got.RefundedAmount.IsZero())
	list, err := f.refunds.ListByTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestProcessRefund_ConcurrentNeverOverRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.completedCash(t, "1000")
	f.expectNotify(notify.PaymentRefunded)

	const n = 12
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		exceeded int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.refunds.ProcessRefund(ctx, RefundRequest{TransactionID: txn.ID, Amount: dec("150")})
			mu.Lock()
			defer mu.Unlock()
			switch CodeOf(err) {
			case ErrCodeRefundExceedsAvailable:
				exceeded++
			default:
				assert.NoError(t, err)
				ok++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 6, ok)
	assert.Equal(t, n-6, exceeded)
	got, err := f.payments.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, got.RefundedAmount.Equal(dec("900")), got.RefundedAmount.String())
	assert.False(t, got.Refunded)
}

func TestRefundService_Get(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.completedCash(t, "10")
	f.expectNotify(notify.PaymentRefunded).Once()
	rf, err := f.refunds.ProcessRefund(ctx, RefundRequest{TransactionID: txn.ID, Amount: dec("5")})
	require.NoError(t, err)

	got, err := f.refunds.Get(ctx, rf.ID)
	require.NoError(t, err)
	assert.Equal(t, rf.ID, got.ID)

	_, err = f.refunds.Get(ctx, "missing")
	assert.Equal(t, ErrCodeRefundNotFound, CodeOf(err))
}
