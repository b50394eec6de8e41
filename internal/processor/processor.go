// Package processor holds the adapters that talk to payment processors.
// The set of adapters is closed: card, mobile money (M-Pesa) and cash.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/baharkarakas/paygate/internal/models"
)

var (
	ErrInvalidCredentials = errors.New("processor: invalid credentials")
	ErrInvalidRequest     = errors.New("processor: invalid request")
	ErrInvalidAmount      = errors.New("processor: invalid amount")
	ErrInvalidSignature   = errors.New("processor: invalid webhook signature")
	ErrInvalidPayload     = errors.New("processor: invalid webhook payload")
	ErrUnsupported        = errors.New("processor: operation not supported")
	ErrUnsupportedMethod  = errors.New("processor: unsupported payment method")
)

const timeoutReason = "processor timeout"

type PaymentRequest struct {
	Transaction models.Transaction
	// PaymentMethodToken is the tokenized card (pm_...) for card payments.
	PaymentMethodToken string
}

// Result is what a processor said about a payment, refund or credential
// check. Upstream failures are reported here, never as a Go error.
type Result struct {
	Success           bool
	Status            models.TransactionStatus
	ProcessorID       string
	MerchantRequestID string
	ReceiptNumber     string
	Message           string
	Details           map[string]any
}

type EventKind int

const (
	EventIgnored EventKind = iota
	EventPaymentOutcome
	EventRefunded
	EventDisputeOpened
	EventDisputeClosed
)

// WebhookEvent is an authenticated inbound notification reduced to what the
// reconciler needs.
type WebhookEvent struct {
	Kind          EventKind
	Type          string
	CorrelationID string
	Status        models.TransactionStatus
	ResultCode    string
	Description   string
	ReceiptNumber string
	Metadata      map[string]any
	Raw           map[string]any

	// EventID is the processor's delivery id; redeliveries repeat it.
	EventID string

	// Amount is the cumulative refunded amount for EventRefunded and the
	// disputed amount for EventDisputeOpened, in major units.
	Amount decimal.Decimal
}

type Adapter interface {
	Method() models.PaymentMethod
	// CheckCredentials and CheckRequest are local, side-effect free checks.
	CheckCredentials(cred models.Credential) error
	CheckRequest(req PaymentRequest) error
	ProcessPayment(ctx context.Context, req PaymentRequest, cred models.Credential) (Result, error)
	VerifyCredentials(ctx context.Context, cred models.Credential) (Result, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string, cred models.Credential) (WebhookEvent, error)
	ProcessRefund(ctx context.Context, refund models.Refund, original models.Transaction, cred models.Credential) (Result, error)
}

// Registry resolves a payment method to its adapter. It is built once.
type Registry struct {
	adapters map[models.PaymentMethod]Adapter
}

func NewRegistry(card, mobile, cash Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[models.PaymentMethod]Adapter, 3)}
	for want, a := range map[models.PaymentMethod]Adapter{
		models.MethodCard:  card,
		models.MethodMpesa: mobile,
		models.MethodCash:  cash,
	} {
		if a == nil {
			return nil, fmt.Errorf("processor: no adapter for %s", want)
		}
		if a.Method() != want {
			return nil, fmt.Errorf("processor: adapter for %s reports %s", want, a.Method())
		}
		r.adapters[want] = a
	}
	return r, nil
}

func (r *Registry) For(m models.PaymentMethod) (Adapter, error) {
	a, ok := r.adapters[m]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, m)
	}
	return a, nil
}

// failure turns a transport error into a processor-reported failure.
func failure(ctx context.Context, err error) Result {
	msg := "transport: " + err.Error()
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		msg = timeoutReason
	}
	return Result{Success: false, Status: models.TxnFailed, Message: msg}
}

func requireSecrets(cred models.Credential, names ...string) error {
	var missing []string
	for _, n := range names {
		if strings.TrimSpace(cred.Secret(n)) == "" {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidCredentials, strings.Join(missing, ", "))
	}
	return nil
}

// minorUnits converts 12.34 to 1234.
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

func fromMinorUnits(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
