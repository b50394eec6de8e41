package processor

import (
	"context"

	"github.com/baharkarakas/paygate/internal/models"
)

// Cash settles immediately and only does local bookkeeping.
type Cash struct{}

func NewCash() *Cash { return &Cash{} }

func (Cash) Method() models.PaymentMethod { return models.MethodCash }

func (Cash) CheckCredentials(models.Credential) error { return nil }

func (Cash) CheckRequest(PaymentRequest) error { return nil }

func (Cash) ProcessPayment(_ context.Context, req PaymentRequest, _ models.Credential) (Result, error) {
	return Result{
		Success:       true,
		Status:        models.TxnCompleted,
		ProcessorID:   "cash_" + req.Transaction.ID,
		ReceiptNumber: "cash_" + req.Transaction.ID,
	}, nil
}

func (Cash) VerifyCredentials(context.Context, models.Credential) (Result, error) {
	return Result{Success: true, Status: models.TxnCompleted}, nil
}

func (Cash) HandleWebhook(context.Context, []byte, string, models.Credential) (WebhookEvent, error) {
	return WebhookEvent{}, ErrUnsupported
}

func (Cash) ProcessRefund(_ context.Context, refund models.Refund, _ models.Transaction, _ models.Credential) (Result, error) {
	return Result{Success: true, Status: models.TxnCompleted, ProcessorID: "cash_refund_" + refund.ID}, nil
}
