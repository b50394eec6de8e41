package services

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/baharkarakas/paygate/internal/models"
	"github.com/baharkarakas/paygate/internal/notify"
	"github.com/baharkarakas/paygate/internal/processor"
)

func invoiceReq() CreateInvoiceRequest {
	return CreateInvoiceRequest{
		BusinessID:   "biz",
		CustomerName: "Wanjiru",
		Currency:     "kes",
		Items: []InvoiceItemInput{
			{Description: "Widget", Quantity: 2, UnitPrice: dec("25.00")},
			{Description: "Setup", Quantity: 1, UnitPrice: dec("12.50")},
		},
		TaxRate: dec("16"),
	}
}

func (f *fixture) sentInvoice(t *testing.T) models.Invoice {
	t.Helper()
	inv, err := f.invoices.Create(context.Background(), invoiceReq())
	require.NoError(t, err)
	inv, err = f.invoices.Send(context.Background(), inv.ID)
	require.NoError(t, err)
	return inv
}

func TestInvoiceService_Create(t *testing.T) {
	f := newFixture(t)
	inv, err := f.invoices.Create(context.Background(), invoiceReq())
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^INV-\d{8}-[0-9A-F]{8}$`), inv.Number)
	assert.Equal(t, models.InvoiceDraft, inv.Status)
	assert.Equal(t, "KES", inv.Currency)
	assert.True(t, inv.Subtotal.Equal(dec("62.50")))
	assert.True(t, inv.TaxTotal.Equal(dec("10.00")))
	assert.True(t, inv.Total.Equal(dec("72.50")))
	assert.Equal(t, []string{models.ActionCreated}, f.auditActions(inv.ID))
}

func TestInvoiceService_CreateRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := invoiceReq()
	r.BusinessID = "nope"
	_, err := f.invoices.Create(ctx, r)
	assert.Equal(t, ErrCodeBusinessNotFound, CodeOf(err))

	r = invoiceReq()
	r.Items = nil
	_, err = f.invoices.Create(ctx, r)
	assert.Equal(t, ErrCodeInvalidRequest, CodeOf(err))

	r = invoiceReq()
	r.Currency = "shilling"
	_, err = f.invoices.Create(ctx, r)
	assert.Equal(t, ErrCodeInvalidRequest, CodeOf(err))

	r = invoiceReq()
	r.Items = []InvoiceItemInput{{Description: "Free", Quantity: 1, UnitPrice: dec("0")}}
	_, err = f.invoices.Create(ctx, r)
	assert.Equal(t, ErrCodeInvalidAmount, CodeOf(err))
}

func TestInvoiceService_Transitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.sentInvoice(t)
	assert.Equal(t, models.InvoiceSent, inv.Status)

	_, err := f.invoices.Send(ctx, inv.ID)
	assert.Equal(t, ErrCodeInvalidInvoiceState, CodeOf(err))

	inv, err = f.invoices.Cancel(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceCancelled, inv.Status)

	_, err = f.invoices.Cancel(ctx, "missing")
	assert.Equal(t, ErrCodeInvoiceNotFound, CodeOf(err))
}

func TestInvoiceService_PaidByPayments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.sentInvoice(t)
	f.notifier.On("Notify", mock.Anything, "biz", eventOf(notify.PaymentSuccess)).Return().Twice()

	pay := func(amount string) (models.Transaction, error) {
		return f.payments.ProcessPayment(ctx, PaymentRequest{
			BusinessID: "biz", AppID: f.appID, Method: models.MethodCash,
			Amount: dec(amount), Currency: "KES", InvoiceID: ptr(inv.ID),
		})
	}

	first, err := pay("50")
	require.NoError(t, err)
	require.NotNil(t, first.InvoiceID)
	got, err := f.invoices.Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvoicePartiallyPaid, got.Status)
	assert.True(t, got.PaidAmount.Equal(dec("50")))
	assert.True(t, got.Balance().Equal(dec("22.50")))

	_, err = f.invoices.Cancel(ctx, inv.ID)
	assert.Equal(t, ErrCodeInvalidInvoiceState, CodeOf(err), "money already recorded")

	_, err = pay("22.50")
	require.NoError(t, err)
	got, err = f.invoices.Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvoicePaid, got.Status)
	assert.Len(t, got.Payments, 2)

	_, err = pay("1")
	assert.Equal(t, ErrCodeInvalidInvoiceState, CodeOf(err))

	// replaying a recorded payment is a no-op
	again, err := f.invoices.ApplyPayment(ctx, inv.ID, first.ID, dec("50"))
	require.NoError(t, err)
	assert.True(t, again.PaidAmount.Equal(dec("72.50")))
	assert.Len(t, again.Payments, 2)
	f.notifier.AssertExpectations(t)
}

func TestInvoiceService_PaymentChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	draft, err := f.invoices.Create(ctx, invoiceReq())
	require.NoError(t, err)

	_, err = f.payments.ProcessPayment(ctx, PaymentRequest{
		BusinessID: "biz", AppID: f.appID, Method: models.MethodCash,
		Amount: dec("10"), Currency: "KES", InvoiceID: ptr(draft.ID),
	})
	assert.Equal(t, ErrCodeInvalidInvoiceState, CodeOf(err))

	sent := f.sentInvoice(t)
	_, err = f.payments.ProcessPayment(ctx, PaymentRequest{
		BusinessID: "biz", AppID: f.appID, Method: models.MethodCash,
		Amount: dec("10"), Currency: "USD", InvoiceID: ptr(sent.ID),
	})
	assert.Equal(t, ErrCodeInvalidRequest, CodeOf(err))
}

func TestInvoiceService_PaidOnCallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.sentInvoice(t)

	f.mpesa.On("ProcessPayment", mock.Anything, mock.Anything, mock.Anything).
		Return(processor.Result{Success: true, Status: models.TxnPending, ProcessorID: "ws_inv"}, nil).Once()
	txn, err := f.payments.ProcessPayment(ctx, PaymentRequest{
		BusinessID: "biz", AppID: f.appID, Method: models.MethodMpesa,
		Amount: dec("72.50"), Currency: "KES", PhoneNumber: "254712345678", InvoiceID: ptr(inv.ID),
	})
	require.NoError(t, err)
	require.Equal(t, models.TxnProcessing, txn.Status)

	got, err := f.invoices.Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceSent, got.Status, "nothing applied before settlement")

	f.expectNotify(notify.PaymentSuccess).Once()

	_, err = f.reconciler.Reconcile(ctx, mpesaSuccess("ws_inv", "INVRC"))
	require.NoError(t, err)

	got, err = f.invoices.Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvoicePaid, got.Status)
	require.Len(t, got.Payments, 1)
	assert.Equal(t, txn.ID, got.Payments[0].TransactionID)
}

func TestInvoiceService_MarkOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	f.invoices.now = func() time.Time { return now }

	past := now.Add(-24 * time.Hour)
	future := now.Add(24 * time.Hour)
	r := invoiceReq()
	r.DueDate = &past
	due, err := f.invoices.Create(ctx, r)
	require.NoError(t, err)
	_, err = f.invoices.Send(ctx, due.ID)
	require.NoError(t, err)

	r.DueDate = &future
	notYet, err := f.invoices.Create(ctx, r)
	require.NoError(t, err)
	_, err = f.invoices.Send(ctx, notYet.ID)
	require.NoError(t, err)

	n, err := f.invoices.MarkOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.invoices.Get(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceOverdue, got.Status)
	assert.True(t, got.Payable())

	n, err = f.invoices.MarkOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	list, err := f.invoices.List(ctx, "biz", 0, 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
