package services

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/baharkarakas/paygate/internal/models"
	"github.com/baharkarakas/paygate/internal/notify"
	"github.com/baharkarakas/paygate/internal/processor"
)

func mpesaSuccess(ref, receipt string) Outcome {
	return Outcome{
		BusinessID:    "biz",
		Method:        models.MethodMpesa,
		CorrelationID: ref,
		Status:        models.TxnCompleted,
		ResultCode:    "0",
		Description:   "The service request is processed successfully.",
		ReceiptNumber: receipt,
		Metadata:      map[string]any{"MpesaReceiptNumber": receipt, "Amount": 1000},
		Raw:           map[string]any{"CheckoutRequestID": ref, "ResultCode": 0},
	}
}

func TestReconcile_AppliesThenDeduplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.pendingMpesa(t, "1000", "ws_1")
	f.expectNotify(notify.PaymentSuccess)

	res, err := f.reconciler.Reconcile(ctx, mpesaSuccess("ws_1", "ABC123"))
	require.NoError(t, err)
	assert.Equal(t, ReconcileApplied, res)

	got, err := f.payments.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TxnCompleted, got.Status)
	require.NotNil(t, got.ReceiptNumber)
	assert.Equal(t, "ABC123", *got.ReceiptNumber)
	require.NotNil(t, got.ResultCode)
	assert.Equal(t, "0", *got.ResultCode)
	assert.True(t, got.CallbackReceived)
	assert.Equal(t, "ws_1", got.CallbackData["CheckoutRequestID"])
	assert.Contains(t, got.Details, "callback_metadata")

	// replay, and a contradicting late failure
	res, err = f.reconciler.Reconcile(ctx, mpesaSuccess("ws_1", "ABC123"))
	require.NoError(t, err)
	assert.Equal(t, ReconcileDuplicate, res)

	late := mpesaSuccess("ws_1", "")
	late.Status, late.ResultCode = models.TxnFailed, "1032"
	res, err = f.reconciler.Reconcile(ctx, late)
	require.NoError(t, err)
	assert.Equal(t, ReconcileDuplicate, res)

	got, err = f.payments.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TxnCompleted, got.Status)
	assert.Equal(t, "ABC123", *got.ReceiptNumber)

	f.notifier.AssertNumberOfCalls(t, "Notify", 1)
	assert.Equal(t,
		[]string{models.ActionCreated, models.ActionCallback, models.ActionStatusChange, models.ActionDuplicate, models.ActionDuplicate},
		f.auditActions(txn.ID))
}

func TestReconcile_Failure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.pendingMpesa(t, "50", "ws_2")
	f.expectNotify(notify.PaymentFailed).Once()

	res, err := f.reconciler.Reconcile(ctx, Outcome{
		BusinessID:    "biz",
		Method:        models.MethodMpesa,
		CorrelationID: "ws_2",
		Status:        models.TxnFailed,
		ResultCode:    "1032",
		Description:   "Request cancelled by user",
		ReceiptNumber: "IGNORED",
	})
	require.NoError(t, err)
	assert.Equal(t, ReconcileApplied, res)

	got, err := f.payments.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TxnFailed, got.Status)
	assert.Nil(t, got.ReceiptNumber)
	assert.Equal(t, "Request cancelled by user", got.ResultDescription)
	require.Len(t, got.ProcessingErrors, 1)
	f.notifier.AssertExpectations(t)
}

func TestReconcile_UnknownAndForeign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pendingMpesa(t, "50", "ws_3")

	res, err := f.reconciler.Reconcile(ctx, mpesaSuccess("ws_missing", "X"))
	require.NoError(t, err)
	assert.Equal(t, ReconcileUnknown, res)

	foreign := mpesaSuccess("ws_3", "X")
	foreign.BusinessID = "other"
	res, err = f.reconciler.Reconcile(ctx, foreign)
	require.NoError(t, err)
	assert.Equal(t, ReconcileUnknown, res)

	f.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything)
}

func TestReconcile_RejectsNonTerminal(t *testing.T) {
	f := newFixture(t)
	o := mpesaSuccess("ws_4", "")
	o.Status = models.TxnProcessing
	_, err := f.reconciler.Reconcile(context.Background(), o)
	assert.Equal(t, ErrCodeInvalidRequest, CodeOf(err))
}

func TestReconcile_ConcurrentDuplicatesNotifyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.pendingMpesa(t, "1000", "ws_race")
	f.notifier.On("Notify", mock.Anything, "biz", mock.Anything).Return()

	const n = 32
	results := make([]ReconcileResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o := mpesaSuccess("ws_race", "RCPT")
			if i%2 == 1 {
				o.Status, o.ReceiptNumber, o.ResultCode = models.TxnFailed, "", "1"
			}
			r, err := f.reconciler.Reconcile(ctx, o)
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, r := range results {
		if r == ReconcileApplied {
			applied++
		} else {
			assert.Equal(t, ReconcileDuplicate, r)
		}
	}
	assert.Equal(t, 1, applied)

	got, err := f.payments.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.Terminal())
	// whichever outcome won, exactly one event went out
	f.notifier.AssertNumberOfCalls(t, "Notify", 1)
}

func TestHandleWebhook(t *testing.T) {
	ctx := context.Background()
	payload := []byte(`{"id":"evt_1"}`)

	t.Run("outcome is reconciled", func(t *testing.T) {
		f := newFixture(t)
		txn := f.pendingMpesa(t, "10", "ws_5")
		f.expectNotify(notify.PaymentSuccess).Once()
		f.mpesa.On("HandleWebhook", mock.Anything, payload, "tok", mock.Anything).Return(processor.WebhookEvent{
			Kind:          processor.EventPaymentOutcome,
			CorrelationID: "ws_5",
			Status:        models.TxnCompleted,
			ResultCode:    "0",
			ReceiptNumber: "R1",
		}, nil).Once()

		res, err := f.reconciler.HandleWebhook(ctx, models.MethodMpesa, "biz", payload, "tok")
		require.NoError(t, err)
		assert.Equal(t, ReconcileApplied, res)
		got, err := f.payments.Get(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TxnCompleted, got.Status)
		f.notifier.AssertExpectations(t)
	})

	t.Run("bad signature", func(t *testing.T) {
		f := newFixture(t)
		f.card.On("HandleWebhook", mock.Anything, payload, "bad", mock.Anything).
			Return(processor.WebhookEvent{}, processor.ErrInvalidSignature).Once()
		_, err := f.reconciler.HandleWebhook(ctx, models.MethodCard, "biz", payload, "bad")
		assert.Equal(t, ErrCodeUnauthorized, CodeOf(err))
	})

	t.Run("bad payload", func(t *testing.T) {
		f := newFixture(t)
		f.card.On("HandleWebhook", mock.Anything, payload, "sig", mock.Anything).
			Return(processor.WebhookEvent{}, processor.ErrInvalidPayload).Once()
		_, err := f.reconciler.HandleWebhook(ctx, models.MethodCard, "biz", payload, "sig")
		assert.Equal(t, ErrCodeInvalidRequest, CodeOf(err))
	})

	t.Run("no credentials", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.reconciler.HandleWebhook(ctx, models.MethodCard, "other-biz", payload, "sig")
		assert.Equal(t, ErrCodeCredentialsMissing, CodeOf(err))
	})

	t.Run("irrelevant event is ignored", func(t *testing.T) {
		f := newFixture(t)
		f.card.On("HandleWebhook", mock.Anything, payload, "sig", mock.Anything).
			Return(processor.WebhookEvent{Kind: processor.EventIgnored, Type: "customer.created"}, nil).Once()
		res, err := f.reconciler.HandleWebhook(ctx, models.MethodCard, "biz", payload, "sig")
		require.NoError(t, err)
		assert.Equal(t, ReconcileIgnored, res)
	})
}

// completedCard creates a settled card payment with payment intent pi.
func (f *fixture) completedCard(t *testing.T, amount, pi string) models.Transaction {
	t.Helper()
	f.card.On("ProcessPayment", mock.Anything, mock.Anything, mock.Anything).
		Return(processor.Result{Success: true, Status: models.TxnCompleted, ProcessorID: pi}, nil).Once()
	f.expectNotify(notify.PaymentSuccess).Once()
	txn, err := f.payments.ProcessPayment(context.Background(), PaymentRequest{
		BusinessID: "biz", AppID: f.appID, Method: models.MethodCard,
		Amount: dec(amount), Currency: "USD", PaymentMethodToken: "pm_x",
	})
	require.NoError(t, err)
	return txn
}

// deliver feeds ev through the card webhook path as if it had arrived with
// the given payload.
func (f *fixture) deliver(t *testing.T, payload string, ev processor.WebhookEvent) ReconcileResult {
	t.Helper()
	f.card.On("HandleWebhook", mock.Anything, []byte(payload), "sig", mock.Anything).Return(ev, nil).Once()
	res, err := f.reconciler.HandleWebhook(context.Background(), models.MethodCard, "biz", []byte(payload), "sig")
	require.NoError(t, err)
	return res
}

func chargeRefunded(eventID, pi, total string) processor.WebhookEvent {
	return processor.WebhookEvent{
		Kind:          processor.EventRefunded,
		Type:          "charge.refunded",
		EventID:       eventID,
		CorrelationID: pi,
		ReceiptNumber: "ch_1",
		Amount:        dec(total),
	}
}

func TestChargeRefunded_AppliedOncePerEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.completedCard(t, "10", "pi_9")
	f.expectNotify(notify.PaymentRefunded).Once()

	ev := chargeRefunded("evt_same", "pi_9", "4")
	assert.Equal(t, ReconcileApplied, f.deliver(t, "d1", ev))
	assert.Equal(t, ReconcileDuplicate, f.deliver(t, "d2", ev))

	got, err := f.payments.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, got.RefundedAmount.Equal(dec("4")))
	assert.False(t, got.Refunded)
	assert.Contains(t, f.auditActions(txn.ID), models.ActionChargeRefund)

	// a later event carries the new cumulative total
	f.expectNotify(notify.PaymentRefunded).Once()
	assert.Equal(t, ReconcileApplied, f.deliver(t, "d3", chargeRefunded("evt_next", "pi_9", "10")))
	got, err = f.payments.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, got.RefundedAmount.Equal(dec("10")))
	assert.True(t, got.Refunded)

	f.notifier.AssertNumberOfCalls(t, "Notify", 3)
}

func TestChargeRefunded_EchoOfLocalRefundIsAbsorbed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.completedCard(t, "10", "pi_echo")

	f.card.On("ProcessRefund", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(processor.Result{Success: true, Status: models.TxnCompleted, ProcessorID: "re_1"}, nil).Once()
	f.expectNotify(notify.PaymentRefunded).Once()
	_, err := f.refunds.ProcessRefund(ctx, RefundRequest{TransactionID: txn.ID, Amount: dec("6")})
	require.NoError(t, err)

	assert.Equal(t, ReconcileDuplicate, f.deliver(t, "echo", chargeRefunded("evt_echo", "pi_echo", "6")))

	got, err := f.payments.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, got.RefundedAmount.Equal(dec("6")))
	// one for the payment, one for the refund
	f.notifier.AssertNumberOfCalls(t, "Notify", 2)
}

func TestDisputeLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.completedCard(t, "10", "pi_d")

	opened := processor.WebhookEvent{
		Kind:          processor.EventDisputeOpened,
		Type:          "charge.dispute.created",
		EventID:       "evt_d1",
		CorrelationID: "pi_d",
		Amount:        dec("10"),
		Metadata:      map[string]any{"dispute_id": "dp_1", "reason": "fraudulent", "status": "needs_response"},
	}
	f.expectNotify(notify.PaymentDisputed).Once()
	assert.Equal(t, ReconcileApplied, f.deliver(t, "o1", opened))
	assert.Equal(t, ReconcileDuplicate, f.deliver(t, "o2", opened))

	// same dispute under a fresh event id
	opened.EventID = "evt_d1_retry"
	assert.Equal(t, ReconcileDuplicate, f.deliver(t, "o3", opened))

	got, err := f.payments.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, got.Disputed)
	assert.Equal(t, "fraudulent", got.DisputeDetails["reason"])
	assert.Equal(t, "10", got.DisputeDetails["amount"])

	closed := processor.WebhookEvent{
		Kind:          processor.EventDisputeClosed,
		Type:          "charge.dispute.closed",
		EventID:       "evt_d2",
		CorrelationID: "pi_d",
		Metadata:      map[string]any{"dispute_id": "dp_1", "status": "won"},
	}
	f.expectNotify(notify.PaymentDisputeResolved).Once()
	assert.Equal(t, ReconcileApplied, f.deliver(t, "c1", closed))
	assert.Equal(t, ReconcileDuplicate, f.deliver(t, "c2", closed))

	got, err = f.payments.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, got.Disputed)
	assert.Equal(t, "won", got.DisputeDetails["resolution"])
	assert.Equal(t, "fraudulent", got.DisputeDetails["reason"], "resolution keeps the opening details")
	assert.Subset(t, f.auditActions(txn.ID), []string{models.ActionDispute, models.ActionDisputeResolved})
	f.notifier.AssertExpectations(t)
}

func TestLifecycleEvent_UnknownPayment(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, ReconcileUnknown, f.deliver(t, "u", chargeRefunded("evt_u", "pi_missing", "1")))
	f.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything)
}
