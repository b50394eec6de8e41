package services

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/baharkarakas/paygate/internal/credentials"
	"github.com/baharkarakas/paygate/internal/models"
	"github.com/baharkarakas/paygate/internal/notify"
	"github.com/baharkarakas/paygate/internal/processor"
	"github.com/baharkarakas/paygate/internal/repository/memory"
)

// MockAdapter stands in for a network-backed processor. The local checks
// return the configured errors; everything else goes through the mock.
type MockAdapter struct {
	mock.Mock
	method  models.PaymentMethod
	credErr error
	reqErr  error
}

func (m *MockAdapter) Method() models.PaymentMethod { return m.method }

func (m *MockAdapter) CheckCredentials(models.Credential) error { return m.credErr }

func (m *MockAdapter) CheckRequest(processor.PaymentRequest) error { return m.reqErr }

func (m *MockAdapter) ProcessPayment(ctx context.Context, req processor.PaymentRequest, cred models.Credential) (processor.Result, error) {
	args := m.Called(ctx, req, cred)
	return args.Get(0).(processor.Result), args.Error(1)
}

func (m *MockAdapter) VerifyCredentials(ctx context.Context, cred models.Credential) (processor.Result, error) {
	args := m.Called(ctx, cred)
	return args.Get(0).(processor.Result), args.Error(1)
}

func (m *MockAdapter) HandleWebhook(ctx context.Context, payload []byte, signature string, cred models.Credential) (processor.WebhookEvent, error) {
	args := m.Called(ctx, payload, signature, cred)
	return args.Get(0).(processor.WebhookEvent), args.Error(1)
}

func (m *MockAdapter) ProcessRefund(ctx context.Context, refund models.Refund, original models.Transaction, cred models.Credential) (processor.Result, error) {
	args := m.Called(ctx, refund, original, cred)
	return args.Get(0).(processor.Result), args.Error(1)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, businessID string, ev notify.Event) {
	m.Called(ctx, businessID, ev)
}

// eventOf matches a notify.Event by type.
func eventOf(t notify.EventType) any {
	return mock.MatchedBy(func(ev notify.Event) bool { return ev.Type == t })
}

type adapterSet map[models.PaymentMethod]processor.Adapter

func (a adapterSet) For(m models.PaymentMethod) (processor.Adapter, error) {
	ad, ok := a[m]
	if !ok {
		return nil, processor.ErrUnsupportedMethod
	}
	return ad, nil
}

type fixture struct {
	store    *memory.Store
	card     *MockAdapter
	mpesa    *MockAdapter
	notifier *MockNotifier
	creds    *credentials.Store
	deps     Deps

	invoices   *InvoiceService
	payments   *PaymentService
	refunds    *RefundService
	reconciler *Reconciler
	businesses *BusinessService

	biz   models.Business
	appID string
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// newFixture builds an active business "biz" linked to "app-1" with card,
// mpesa and cash enabled at zero fees and credentials stored for card and
// mpesa.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	cipher, err := credentials.NewCipher("test-master-key", "test-salt")
	require.NoError(t, err)
	f := &fixture{
		store:    store,
		card:     &MockAdapter{method: models.MethodCard},
		mpesa:    &MockAdapter{method: models.MethodMpesa},
		notifier: new(MockNotifier),
		creds:    credentials.NewStore(store.Credentials(), cipher),
		appID:    "app-1",
	}
	f.deps = Deps{
		Apps:         store.Apps(),
		Businesses:   store.Businesses(),
		Transactions: store.Transactions(),
		Refunds:      store.Refunds(),
		Invoices:     store.Invoices(),
		AuditLogs:    store.AuditLogs(),
		Tx:           store,
		Credentials:  f.creds,
		Adapters: adapterSet{
			models.MethodCard:  f.card,
			models.MethodMpesa: f.mpesa,
			models.MethodCash:  processor.NewCash(),
		},
		Notifier: f.notifier,
		Log:      zap.NewNop(),
	}
	f.invoices = NewInvoiceService(f.deps)
	f.payments = NewPaymentService(f.deps, f.invoices)
	f.refunds = NewRefundService(f.deps)
	f.reconciler = NewReconciler(f.deps, f.invoices)
	f.businesses = NewBusinessService(f.deps)

	_, err = store.Apps().Create(ctx, models.App{ID: f.appID, Name: "pos-app", Status: models.AppActive})
	require.NoError(t, err)
	f.biz, err = store.Businesses().Create(ctx, models.Business{ID: "biz", Name: "Acme Duka", Status: models.BusinessActive})
	require.NoError(t, err)
	require.NoError(t, store.Businesses().LinkApp(ctx, "biz", f.appID, models.AppLinkActive))
	for _, m := range []models.PaymentMethod{models.MethodCard, models.MethodMpesa, models.MethodCash} {
		require.NoError(t, store.Businesses().UpsertMethod(ctx, "biz", models.MethodConfig{Method: m, Active: true}))
	}
	_, err = f.creds.Put(ctx, models.Credential{
		BusinessID: "biz", Method: models.MethodCard, Environment: models.EnvSandbox, Active: true,
		Secrets: map[string]string{models.SecretKey: "sk_test_1", models.SecretWebhook: "whsec_1"},
	})
	require.NoError(t, err)
	_, err = f.creds.Put(ctx, models.Credential{
		BusinessID: "biz", Method: models.MethodMpesa, Environment: models.EnvSandbox, Active: true,
		ShortCode: "174379", ShortCodeType: models.ShortCodePaybill,
		Secrets: map[string]string{
			models.SecretConsumerKey:    "ck",
			models.SecretConsumerSecret: "cs",
			models.SecretPasskey:        "pk",
		},
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) expectNotify(t notify.EventType) *mock.Call {
	return f.notifier.On("Notify", mock.Anything, "biz", eventOf(t)).Return()
}

// pendingMpesa creates an M-Pesa payment the processor accepted with
// checkout id ref and returns it in processing.
func (f *fixture) pendingMpesa(t *testing.T, amount, ref string) models.Transaction {
	t.Helper()
	f.mpesa.On("ProcessPayment", mock.Anything, mock.Anything, mock.Anything).Return(processor.Result{
		Success:           true,
		Status:            models.TxnPending,
		ProcessorID:       ref,
		MerchantRequestID: "mr-" + ref,
	}, nil).Once()
	txn, err := f.payments.ProcessPayment(context.Background(), PaymentRequest{
		BusinessID:  "biz",
		AppID:       f.appID,
		Method:      models.MethodMpesa,
		Amount:      dec(amount),
		Currency:    "KES",
		PhoneNumber: "254712345678",
	})
	require.NoError(t, err)
	require.Equal(t, models.TxnProcessing, txn.Status)
	return txn
}

// completedCash creates a settled cash payment.
func (f *fixture) completedCash(t *testing.T, amount string) models.Transaction {
	t.Helper()
	f.expectNotify(notify.PaymentSuccess).Once()
	txn, err := f.payments.ProcessPayment(context.Background(), PaymentRequest{
		BusinessID: "biz",
		AppID:      f.appID,
		Method:     models.MethodCash,
		Amount:     dec(amount),
		Currency:   "KES",
	})
	require.NoError(t, err)
	require.Equal(t, models.TxnCompleted, txn.Status)
	return txn
}

func (f *fixture) auditActions(entityID string) []string {
	var out []string
	for _, l := range f.store.AuditTrail() {
		if l.EntityID == entityID {
			out = append(out, l.Action)
		}
	}
	return out
}
