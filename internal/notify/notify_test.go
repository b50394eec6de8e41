package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/baharkarakas/paygate/internal/models"
	"github.com/baharkarakas/paygate/internal/repository/memory"
	"github.com/baharkarakas/paygate/internal/worker"
)

type recordingSink struct {
	mu     sync.Mutex
	name   string
	err    error
	events []Event
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Send(_ context.Context, _ models.Business, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type fullPool struct{}

func (fullPool) TrySubmit(func()) bool { return false }

func testTxn() models.Transaction {
	return models.Transaction{
		ID:         "txn-1",
		BusinessID: "biz-1",
		Amount:     decimal.RequireFromString("100.00"),
		Currency:   "KES",
		Status:     models.TxnCompleted,
	}
}

func TestDispatcher_FansOutToEverySink(t *testing.T) {
	store := memory.New()
	_, err := store.Businesses().Create(context.Background(), models.Business{ID: "biz-1", Name: "Acme"})
	require.NoError(t, err)

	pool := worker.NewPool(2, 8)
	broken := &recordingSink{name: "webhook", err: errors.New("boom")}
	ok := &recordingSink{name: "kafka"}
	d := NewDispatcher(store.Businesses(), pool, zap.NewNop(), broken, ok)

	ctx, cancel := context.WithCancel(context.Background())
	d.Notify(ctx, "biz-1", NewEvent(PaymentSuccess, testTxn(), nil))
	cancel() // request ends before delivery

	pool.Stop()
	assert.Equal(t, 1, broken.count())
	assert.Equal(t, 1, ok.count(), "one failing sink does not stop the others")
	assert.Equal(t, "txn-1", ok.events[0].TransactionID)
}

func TestDispatcher_UnknownBusiness(t *testing.T) {
	pool := worker.NewPool(1, 1)
	sink := &recordingSink{name: "kafka"}
	d := NewDispatcher(memory.New().Businesses(), pool, zap.NewNop(), sink)

	d.Notify(context.Background(), "missing", NewEvent(PaymentFailed, testTxn(), nil))
	pool.Stop()
	assert.Zero(t, sink.count())
}

func TestDispatcher_QueueFullDoesNotBlock(t *testing.T) {
	sink := &recordingSink{name: "kafka"}
	d := NewDispatcher(memory.New().Businesses(), fullPool{}, zap.NewNop(), sink)

	done := make(chan struct{})
	go func() {
		d.Notify(context.Background(), "biz-1", NewEvent(PaymentSuccess, testTxn(), nil))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked")
	}
	assert.Zero(t, sink.count())
}

func TestOutcomeEvent(t *testing.T) {
	for status, want := range map[models.TransactionStatus]EventType{
		models.TxnCompleted: PaymentSuccess,
		models.TxnFailed:    PaymentFailed,
		models.TxnCancelled: PaymentCancelled,
	} {
		got, ok := OutcomeEvent(status)
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := OutcomeEvent(models.TxnProcessing)
	assert.False(t, ok)
}

func TestWebhookSender(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var (
		gotBody []byte
		gotSig  string
		gotType string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(SignatureHeader)
		gotType = r.Header.Get(EventHeader)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.Client())
	s.now = func() time.Time { return now }
	b := models.Business{ID: "biz-1", WebhookURL: srv.URL, WebhookSecret: "shh"}

	require.NoError(t, s.Send(context.Background(), b, NewEvent(PaymentSuccess, testTxn(), nil)))
	assert.Equal(t, "payment.success", gotType)
	assert.Equal(t, Sign(gotBody, "shh", now), gotSig)
	assert.Contains(t, string(gotBody), `"transaction_id":"txn-1"`)
	assert.Contains(t, string(gotBody), `"amount":"100"`)
}

func TestWebhookSender_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.Client())
	assert.Error(t, s.Send(context.Background(), models.Business{WebhookURL: srv.URL}, NewEvent(PaymentFailed, testTxn(), nil)))

	// no URL registered: nothing to do
	assert.NoError(t, s.Send(context.Background(), models.Business{}, NewEvent(PaymentFailed, testTxn(), nil)))
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaPublisher(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, topic: "payments.events"}

	require.NoError(t, p.Send(context.Background(), models.Business{}, NewEvent(PaymentRefunded, testTxn(), map[string]any{"amount_refunded": 5000})))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("txn-1"), w.msgs[0].Key)
	assert.Contains(t, string(w.msgs[0].Value), `"type":"payment.refunded"`)
	assert.Equal(t, "event_type", w.msgs[0].Headers[0].Key)

	w.err = errors.New("broker down")
	assert.ErrorContains(t, p.Send(context.Background(), models.Business{}, NewEvent(PaymentRefunded, testTxn(), nil)), "payments.events")
}
