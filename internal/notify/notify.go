// Package notify delivers payment lifecycle events to the merchant's webhook
// and to the payments topic. Delivery is best-effort: failures are logged and
// counted, never returned to the caller.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/baharkarakas/paygate/internal/metrics"
	"github.com/baharkarakas/paygate/internal/models"
	"github.com/baharkarakas/paygate/internal/repository"
)

type EventType string

const (
	PaymentSuccess         EventType = "payment.success"
	PaymentFailed          EventType = "payment.failed"
	PaymentCancelled       EventType = "payment.cancelled"
	PaymentRefunded        EventType = "payment.refunded"
	PaymentDisputed        EventType = "payment.disputed"
	PaymentDisputeResolved EventType = "payment.dispute_resolved"
)

// OutcomeEvent picks the event type for a terminal payment status.
func OutcomeEvent(s models.TransactionStatus) (EventType, bool) {
	switch s {
	case models.TxnCompleted:
		return PaymentSuccess, true
	case models.TxnFailed:
		return PaymentFailed, true
	case models.TxnCancelled:
		return PaymentCancelled, true
	}
	return "", false
}

type Event struct {
	ID            string                   `json:"id"`
	Type          EventType                `json:"type"`
	BusinessID    string                   `json:"business_id"`
	TransactionID string                   `json:"transaction_id"`
	Amount        decimal.Decimal          `json:"amount"`
	Currency      string                   `json:"currency"`
	Status        models.TransactionStatus `json:"status"`
	OccurredAt    time.Time                `json:"occurred_at"`
	Data          map[string]any           `json:"data,omitempty"`
}

func NewEvent(t EventType, txn models.Transaction, data map[string]any) Event {
	return Event{
		ID:            uuid.NewString(),
		Type:          t,
		BusinessID:    txn.BusinessID,
		TransactionID: txn.ID,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		Status:        txn.Status,
		OccurredAt:    time.Now().UTC(),
		Data:          data,
	}
}

// Notifier is fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, businessID string, ev Event)
}

// Sink is one delivery channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, b models.Business, ev Event) error
}

// Submitter is satisfied by *worker.Pool.
type Submitter interface {
	TrySubmit(func()) bool
}

// Dispatcher hands events to the worker pool and fans them out to every sink.
type Dispatcher struct {
	businesses repository.Businesses
	pool       Submitter
	sinks      []Sink
	timeout    time.Duration
	log        *zap.Logger
}

func NewDispatcher(businesses repository.Businesses, pool Submitter, log *zap.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		businesses: businesses,
		pool:       pool,
		sinks:      sinks,
		timeout:    10 * time.Second,
		log:        log.Named("notify"),
	}
}

func (d *Dispatcher) Notify(ctx context.Context, businessID string, ev Event) {
	// the job outlives the request
	base := context.WithoutCancel(ctx)
	ok := d.pool.TrySubmit(func() {
		ctx, cancel := context.WithTimeout(base, d.timeout)
		defer cancel()
		d.deliver(ctx, businessID, ev)
	})
	if !ok {
		metrics.NotificationsFailed.WithLabelValues("queue").Inc()
		d.log.Warn("notification dropped, queue full",
			zap.String("business_id", businessID),
			zap.String("event", string(ev.Type)),
			zap.String("transaction_id", ev.TransactionID))
	}
}

func (d *Dispatcher) deliver(ctx context.Context, businessID string, ev Event) {
	b, err := d.businesses.GetByID(ctx, businessID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			metrics.NotificationsFailed.WithLabelValues("lookup").Inc()
		}
		d.log.Error("notification business lookup", zap.String("business_id", businessID), zap.Error(err))
		return
	}
	for _, s := range d.sinks {
		if err := s.Send(ctx, b, ev); err != nil {
			metrics.NotificationsFailed.WithLabelValues(s.Name()).Inc()
			d.log.Error("notification delivery failed",
				zap.String("sink", s.Name()),
				zap.String("business_id", businessID),
				zap.String("event", string(ev.Type)),
				zap.String("transaction_id", ev.TransactionID),
				zap.Error(err))
			continue
		}
		d.log.Debug("notification delivered",
			zap.String("sink", s.Name()),
			zap.String("event", string(ev.Type)),
			zap.String("transaction_id", ev.TransactionID))
	}
}
