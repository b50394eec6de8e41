package processor

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/baharkarakas/paygate/internal/models"
)

// Card talks to a Stripe-compatible REST API with the business's own keys.
type Card struct {
	baseURL   string
	client    *http.Client
	log       *zap.Logger
	now       func() time.Time
	tolerance time.Duration
}

func NewCard(baseURL string, client *http.Client, log *zap.Logger) *Card {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Card{
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    client,
		log:       log.Named("card"),
		now:       time.Now,
		tolerance: 5 * time.Minute,
	}
}

func (c *Card) Method() models.PaymentMethod { return models.MethodCard }

func (c *Card) CheckCredentials(cred models.Credential) error {
	if err := requireSecrets(cred, models.SecretKey); err != nil {
		return err
	}
	if !strings.HasPrefix(cred.Secret(models.SecretKey), "sk_") && !strings.HasPrefix(cred.Secret(models.SecretKey), "rk_") {
		return fmt.Errorf("%w: secret_key must be a secret or restricted key", ErrInvalidCredentials)
	}
	return nil
}

func (c *Card) CheckRequest(req PaymentRequest) error {
	if strings.TrimSpace(req.PaymentMethodToken) == "" {
		return fmt.Errorf("%w: payment_method_token is required for card payments", ErrInvalidRequest)
	}
	return nil
}

type stripeError struct {
	Error struct {
		Type          string `json:"type"`
		Code          string `json:"code"`
		DeclineCode   string `json:"decline_code"`
		Message       string `json:"message"`
		PaymentIntent *struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"payment_intent"`
	} `json:"error"`
}

type paymentIntent struct {
	ID               string          `json:"id"`
	Status           string          `json:"status"`
	LatestCharge     json.RawMessage `json:"latest_charge"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

type charge struct {
	ID                   string `json:"id"`
	PaymentMethodDetails struct {
		Card *struct {
			Brand    string `json:"brand"`
			Last4    string `json:"last4"`
			ExpMonth int    `json:"exp_month"`
			ExpYear  int    `json:"exp_year"`
		} `json:"card"`
	} `json:"payment_method_details"`
}

// chargeOf accepts latest_charge either as an id or as an expanded object.
func chargeOf(raw json.RawMessage) charge {
	var ch charge
	if len(raw) == 0 || string(raw) == "null" {
		return ch
	}
	if raw[0] == '"' {
		_ = json.Unmarshal(raw, &ch.ID)
		return ch
	}
	_ = json.Unmarshal(raw, &ch)
	return ch
}

func intentStatus(s string) models.TransactionStatus {
	switch s {
	case "succeeded":
		return models.TxnCompleted
	case "canceled":
		return models.TxnCancelled
	case "requires_payment_method":
		return models.TxnFailed
	default:
		// processing, requires_action, requires_capture: settled by webhook
		return models.TxnProcessing
	}
}

func (c *Card) ProcessPayment(ctx context.Context, req PaymentRequest, cred models.Credential) (Result, error) {
	if err := c.CheckCredentials(cred); err != nil {
		return Result{}, err
	}
	if err := c.CheckRequest(req); err != nil {
		return Result{}, err
	}
	txn := req.Transaction

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(minorUnits(txn.Amount), 10))
	form.Set("currency", strings.ToLower(txn.Currency))
	form.Set("payment_method", req.PaymentMethodToken)
	form.Set("confirm", "true")
	form.Set("automatic_payment_methods[enabled]", "true")
	form.Set("automatic_payment_methods[allow_redirects]", "never")
	form.Set("expand[]", "latest_charge")
	form.Set("metadata[transaction_id]", txn.ID)
	form.Set("metadata[business_id]", txn.BusinessID)
	if txn.Description != "" {
		form.Set("description", txn.Description)
	}

	status, body, err := c.post(ctx, "/v1/payment_intents", cred, "payment_"+txn.ID, form)
	if err != nil {
		return failure(ctx, err), nil
	}
	if status >= 300 {
		return c.declined(status, body), nil
	}

	var pi paymentIntent
	if err := json.Unmarshal(body, &pi); err != nil {
		return Result{Success: false, Status: models.TxnFailed, Message: "malformed processor response"}, nil
	}
	st := intentStatus(pi.Status)
	res := Result{
		Success:     st == models.TxnCompleted,
		Status:      st,
		ProcessorID: pi.ID,
		Details:     map[string]any{"intent_status": pi.Status},
	}
	ch := chargeOf(pi.LatestCharge)
	if ch.ID != "" {
		res.ReceiptNumber = ch.ID
	}
	if card := ch.PaymentMethodDetails.Card; card != nil {
		res.Details["card"] = map[string]any{
			"brand":     card.Brand,
			"last4":     card.Last4,
			"exp_month": card.ExpMonth,
			"exp_year":  card.ExpYear,
		}
	}
	if pi.LastPaymentError != nil {
		res.Message = pi.LastPaymentError.Message
	}
	return res, nil
}

func (c *Card) declined(status int, body []byte) Result {
	var se stripeError
	_ = json.Unmarshal(body, &se)
	res := Result{
		Success: false,
		Status:  models.TxnFailed,
		Message: se.Error.Message,
		Details: map[string]any{"http_status": status},
	}
	if res.Message == "" {
		res.Message = fmt.Sprintf("processor returned HTTP %d", status)
	}
	if se.Error.Code != "" {
		res.Details["code"] = se.Error.Code
	}
	if se.Error.DeclineCode != "" {
		res.Details["decline_code"] = se.Error.DeclineCode
	}
	if se.Error.PaymentIntent != nil {
		res.ProcessorID = se.Error.PaymentIntent.ID
	}
	return res
}

func (c *Card) VerifyCredentials(ctx context.Context, cred models.Credential) (Result, error) {
	if err := c.CheckCredentials(cred); err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/balance", nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Authorization", "Bearer "+cred.Secret(models.SecretKey))
	resp, err := c.client.Do(req)
	if err != nil {
		return failure(ctx, err), nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return c.declined(resp.StatusCode, body), nil
	}
	return Result{Success: true, Status: models.TxnCompleted, Message: "credentials accepted"}, nil
}

func (c *Card) ProcessRefund(ctx context.Context, refund models.Refund, original models.Transaction, cred models.Credential) (Result, error) {
	if err := c.CheckCredentials(cred); err != nil {
		return Result{}, err
	}
	if original.CorrelationID == nil || *original.CorrelationID == "" {
		return Result{Success: false, Status: models.TxnFailed, Message: "original payment has no processor reference"}, nil
	}

	form := url.Values{}
	form.Set("payment_intent", *original.CorrelationID)
	form.Set("amount", strconv.FormatInt(minorUnits(refund.Amount), 10))
	form.Set("metadata[refund_id]", refund.ID)
	form.Set("metadata[transaction_id]", original.ID)
	if refund.Reason != "" {
		form.Set("metadata[reason]", refund.Reason)
	}

	status, body, err := c.post(ctx, "/v1/refunds", cred, "refund_"+refund.ID, form)
	if err != nil {
		return failure(ctx, err), nil
	}
	if status >= 300 {
		return c.declined(status, body), nil
	}
	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return Result{Success: false, Status: models.TxnFailed, Message: "malformed processor response"}, nil
	}
	// pending refunds are accepted by the processor and settle later
	ok := out.Status == "succeeded" || out.Status == "pending"
	res := Result{
		Success:     ok,
		Status:      models.TxnCompleted,
		ProcessorID: out.ID,
		Details:     map[string]any{"refund_status": out.Status},
	}
	if !ok {
		res.Status = models.TxnFailed
		res.Message = "refund " + out.Status
	}
	return res, nil
}

func (c *Card) post(ctx context.Context, path string, cred models.Credential, idemKey string, form url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cred.Secret(models.SecretKey))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", idemKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// ---------- webhooks ----------

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID                 string          `json:"id"`
			Object             string          `json:"object"`
			Status             string          `json:"status"`
			PaymentIntent      string          `json:"payment_intent"`
			LatestCharge       json.RawMessage `json:"latest_charge"`
			CancellationReason string          `json:"cancellation_reason"`
			Reason             string          `json:"reason"`
			AmountRefunded     int64           `json:"amount_refunded"`
			Amount             int64           `json:"amount"`
			Created            int64           `json:"created"`
			EvidenceDetails    *struct {
				DueBy int64 `json:"due_by"`
			} `json:"evidence_details"`
			LastPaymentError   *struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"last_payment_error"`
		} `json:"object"`
	} `json:"data"`
}

// VerifySignature checks a Stripe-Signature header ("t=...,v1=...") against
// secret, in constant time, and rejects stale timestamps.
func (c *Card) VerifySignature(payload []byte, header, secret string) error {
	var (
		ts   string
		sigs [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			if b, err := hex.DecodeString(v); err == nil {
				sigs = append(sigs, b)
			}
		}
	}
	if ts == "" || len(sigs) == 0 {
		return ErrInvalidSignature
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	if age := c.now().Sub(time.Unix(sec, 0)); age > c.tolerance || age < -c.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := mac.Sum(nil)
	for _, s := range sigs {
		if hmac.Equal(expected, s) {
			return nil
		}
	}
	return ErrInvalidSignature
}

func (c *Card) HandleWebhook(_ context.Context, payload []byte, signature string, cred models.Credential) (WebhookEvent, error) {
	if err := requireSecrets(cred, models.SecretWebhook); err != nil {
		return WebhookEvent{}, err
	}
	if err := c.VerifySignature(payload, signature, cred.Secret(models.SecretWebhook)); err != nil {
		return WebhookEvent{}, err
	}

	var ev stripeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var raw map[string]any
	_ = json.Unmarshal(payload, &raw)

	obj := ev.Data.Object
	out := WebhookEvent{Type: ev.Type, EventID: ev.ID, Raw: raw, Metadata: map[string]any{"event_id": ev.ID}}

	switch ev.Type {
	case "payment_intent.succeeded":
		out.Kind = EventPaymentOutcome
		out.CorrelationID = obj.ID
		out.Status = models.TxnCompleted
		out.ResultCode = obj.Status
		out.ReceiptNumber = chargeOf(obj.LatestCharge).ID
	case "payment_intent.payment_failed":
		out.Kind = EventPaymentOutcome
		out.CorrelationID = obj.ID
		out.Status = models.TxnFailed
		out.ResultCode = obj.Status
		out.Description = "payment failed"
		if obj.LastPaymentError != nil {
			out.Description = obj.LastPaymentError.Message
			if obj.LastPaymentError.Code != "" {
				out.ResultCode = obj.LastPaymentError.Code
			}
		}
	case "payment_intent.canceled":
		out.Kind = EventPaymentOutcome
		out.CorrelationID = obj.ID
		out.Status = models.TxnCancelled
		out.ResultCode = obj.Status
		out.Description = obj.CancellationReason
	case "charge.refunded":
		out.Kind = EventRefunded
		out.CorrelationID = obj.PaymentIntent
		out.ReceiptNumber = obj.ID
		out.Amount = fromMinorUnits(obj.AmountRefunded)
		out.Metadata["amount_refunded"] = obj.AmountRefunded
	case "charge.dispute.created":
		out.Kind = EventDisputeOpened
		out.CorrelationID = obj.PaymentIntent
		out.Amount = fromMinorUnits(obj.Amount)
		out.Metadata["dispute_id"] = obj.ID
		out.Metadata["reason"] = obj.Reason
		out.Metadata["status"] = obj.Status
		out.Metadata["created"] = obj.Created
		if obj.EvidenceDetails != nil {
			out.Metadata["evidence_due_by"] = obj.EvidenceDetails.DueBy
		}
	case "charge.dispute.closed":
		out.Kind = EventDisputeClosed
		out.CorrelationID = obj.PaymentIntent
		out.Metadata["dispute_id"] = obj.ID
		out.Metadata["status"] = obj.Status
	default:
		out.Kind = EventIgnored
		c.log.Debug("ignoring card event", zap.String("type", ev.Type))
	}

	if out.Kind != EventIgnored && out.CorrelationID == "" {
		return WebhookEvent{}, fmt.Errorf("%w: %s without payment intent", ErrInvalidPayload, ev.Type)
	}
	return out, nil
}
