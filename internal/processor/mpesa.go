package processor

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/baharkarakas/paygate/internal/models"
)

// Daraja expects timestamps in Nairobi time.
var eat = time.FixedZone("EAT", 3*60*60)

const (
	mpesaTimestampLayout = "20060102150405"
	tokenRefreshMargin   = 60 * time.Second
)

// MobileMoney drives M-Pesa STK push through the Daraja API. Outcomes
// arrive later on the callback URL and are settled by the reconciler.
type MobileMoney struct {
	sandboxURL    string
	productionURL string
	callbackBase  string
	client        *http.Client
	cache         TokenCache
	log           *zap.Logger
	now           func() time.Time
}

// NewMobileMoney builds the adapter. cache may be nil, in which case a fresh
// token is requested for every call. callbackBase is the public URL prefix
// that callbacks are posted to; the business id is appended to it.
func NewMobileMoney(sandboxURL, productionURL, callbackBase string, client *http.Client, cache TokenCache, log *zap.Logger) *MobileMoney {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &MobileMoney{
		sandboxURL:    strings.TrimRight(sandboxURL, "/"),
		productionURL: strings.TrimRight(productionURL, "/"),
		callbackBase:  strings.TrimRight(callbackBase, "/"),
		client:        client,
		cache:         cache,
		log:           log.Named("mpesa"),
		now:           time.Now,
	}
}

func (m *MobileMoney) Method() models.PaymentMethod { return models.MethodMpesa }

func (m *MobileMoney) CheckCredentials(cred models.Credential) error {
	if err := requireSecrets(cred, models.SecretConsumerKey, models.SecretConsumerSecret, models.SecretPasskey); err != nil {
		return err
	}
	if strings.TrimSpace(cred.ShortCode) == "" {
		return fmt.Errorf("%w: missing shortcode", ErrInvalidCredentials)
	}
	switch cred.ShortCodeType {
	case "", models.ShortCodePaybill, models.ShortCodeTill:
	default:
		return fmt.Errorf("%w: shortcode type must be paybill or till", ErrInvalidCredentials)
	}
	return nil
}

func (m *MobileMoney) CheckRequest(req PaymentRequest) error {
	if err := wholeShillings(req.Transaction.Amount); err != nil {
		return err
	}
	if _, err := NormalizePhone(req.Transaction.PhoneNumber); err != nil {
		return err
	}
	return nil
}

// wholeShillings rejects amounts Daraja cannot carry: it only accepts whole KES.
func wholeShillings(amount decimal.Decimal) error {
	if !amount.Equal(amount.Truncate(0)) {
		return fmt.Errorf("%w: M-Pesa amounts must be whole shillings, got %s", ErrInvalidAmount, amount.String())
	}
	return nil
}

// NormalizePhone turns 07XXXXXXXX / +2547XXXXXXXX into 2547XXXXXXXX.
func NormalizePhone(phone string) (string, error) {
	p := strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(phone))
	p = strings.TrimPrefix(p, "+")
	if strings.HasPrefix(p, "0") {
		p = "254" + p[1:]
	}
	if len(p) != 12 || !strings.HasPrefix(p, "254") {
		return "", fmt.Errorf("%w: phone number %q is not a valid MSISDN", ErrInvalidRequest, phone)
	}
	if _, err := strconv.ParseUint(p, 10, 64); err != nil {
		return "", fmt.Errorf("%w: phone number %q is not numeric", ErrInvalidRequest, phone)
	}
	return p, nil
}

func (m *MobileMoney) baseURL(cred models.Credential) string {
	if cred.Environment == models.EnvProduction {
		return m.productionURL
	}
	return m.sandboxURL
}

// CallbackToken authenticates callbacks for one business. It is a hex
// HMAC-SHA256 of the business id, keyed by the webhook secret, or by the
// passkey when no webhook secret is configured.
func CallbackToken(cred models.Credential) string {
	key := cred.Secret(models.SecretWebhook)
	if key == "" {
		key = cred.Secret(models.SecretPasskey)
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(cred.BusinessID))
	return hex.EncodeToString(mac.Sum(nil))
}

func (m *MobileMoney) callbackURL(cred models.Credential, suffix string) string {
	base := cred.CallbackURL
	if base == "" {
		base = m.callbackBase + "/" + url.PathEscape(cred.BusinessID) + suffix
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "token=" + CallbackToken(cred)
}

func (m *MobileMoney) token(ctx context.Context, cred models.Credential) (string, error) {
	key := "mpesa:token:" + cred.BusinessID + ":" + string(cred.Environment)
	if m.cache != nil {
		if tok, ok, err := m.cache.Get(ctx, key); err != nil {
			m.log.Warn("token cache get", zap.Error(err))
		} else if ok {
			return tok, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		m.baseURL(cred)+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", err
	}
	basic := base64.StdEncoding.EncodeToString(
		[]byte(cred.Secret(models.SecretConsumerKey) + ":" + cred.Secret(models.SecretConsumerSecret)))
	req.Header.Set("Authorization", "Basic "+basic)

	resp, err := m.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &authError{status: resp.StatusCode, body: string(body)}
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	if out.AccessToken == "" {
		return "", &authError{status: resp.StatusCode, body: "empty access token"}
	}

	if m.cache != nil {
		secs, err := strconv.Atoi(out.ExpiresIn)
		if err != nil || secs <= 0 {
			secs = 3599
		}
		if ttl := time.Duration(secs)*time.Second - tokenRefreshMargin; ttl > 0 {
			if err := m.cache.Set(ctx, key, out.AccessToken, ttl); err != nil {
				m.log.Warn("token cache set", zap.Error(err))
			}
		}
	}
	return out.AccessToken, nil
}

type authError struct {
	status int
	body   string
}

func (e *authError) Error() string {
	return fmt.Sprintf("auth rejected (HTTP %d): %s", e.status, e.body)
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`
}

// Password is base64(shortcode + passkey + timestamp).
func Password(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}

func (m *MobileMoney) ProcessPayment(ctx context.Context, req PaymentRequest, cred models.Credential) (Result, error) {
	if err := m.CheckCredentials(cred); err != nil {
		return Result{}, err
	}
	if err := wholeShillings(req.Transaction.Amount); err != nil {
		return Result{}, err
	}
	phone, err := NormalizePhone(req.Transaction.PhoneNumber)
	if err != nil {
		return Result{}, err
	}
	txn := req.Transaction

	tok, err := m.token(ctx, cred)
	if err != nil {
		return failure(ctx, err), nil
	}

	ts := m.now().In(eat).Format(mpesaTimestampLayout)
	txType := "CustomerPayBillOnline"
	if cred.ShortCodeType == models.ShortCodeTill {
		txType = "CustomerBuyGoodsOnline"
	}
	ref := txn.AccountReference
	if ref == "" {
		ref = txn.ID
	}
	desc := txn.Description
	if desc == "" {
		desc = "Payment"
	}
	body := stkPushRequest{
		BusinessShortCode: cred.ShortCode,
		Password:          Password(cred.ShortCode, cred.Secret(models.SecretPasskey), ts),
		Timestamp:         ts,
		TransactionType:   txType,
		Amount:            txn.Amount.IntPart(),
		PartyA:            phone,
		PartyB:            cred.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       m.callbackURL(cred, ""),
		AccountReference:  truncate(ref, 12),
		TransactionDesc:   truncate(desc, 13),
	}

	var out stkPushResponse
	status, err := m.postJSON(ctx, m.baseURL(cred)+"/mpesa/stkpush/v1/processrequest", tok, body, &out)
	if err != nil {
		return failure(ctx, err), nil
	}
	if status != http.StatusOK || out.ResponseCode != "0" || out.CheckoutRequestID == "" {
		msg := out.ErrorMessage
		if msg == "" {
			msg = out.ResponseDescription
		}
		if msg == "" {
			msg = fmt.Sprintf("stk push rejected (HTTP %d)", status)
		}
		return Result{
			Success: false,
			Status:  models.TxnFailed,
			Message: msg,
			Details: map[string]any{"error_code": out.ErrorCode, "response_code": out.ResponseCode},
		}, nil
	}

	return Result{
		Success:           true,
		Status:            models.TxnProcessing,
		ProcessorID:       out.CheckoutRequestID,
		MerchantRequestID: out.MerchantRequestID,
		Message:           out.CustomerMessage,
		Details:           map[string]any{"response_description": out.ResponseDescription},
	}, nil
}

func (m *MobileMoney) VerifyCredentials(ctx context.Context, cred models.Credential) (Result, error) {
	if err := m.CheckCredentials(cred); err != nil {
		return Result{}, err
	}
	if _, err := m.token(ctx, cred); err != nil {
		return failure(ctx, err), nil
	}
	return Result{Success: true, Status: models.TxnCompleted, Message: "credentials accepted"}, nil
}

// ProcessRefund submits a transaction reversal. Reversals need initiator
// credentials on top of the STK push ones.
func (m *MobileMoney) ProcessRefund(ctx context.Context, refund models.Refund, original models.Transaction, cred models.Credential) (Result, error) {
	if err := m.CheckCredentials(cred); err != nil {
		return Result{}, err
	}
	if err := requireSecrets(cred, models.SecretInitiatorName, models.SecretSecurityCredential); err != nil {
		return Result{}, err
	}
	if err := wholeShillings(refund.Amount); err != nil {
		return Result{}, err
	}
	if original.ReceiptNumber == nil || *original.ReceiptNumber == "" {
		return Result{Success: false, Status: models.TxnFailed, Message: "original payment has no M-Pesa receipt"}, nil
	}

	tok, err := m.token(ctx, cred)
	if err != nil {
		return failure(ctx, err), nil
	}
	resultURL := m.callbackURL(cred, "/reversal")
	remarks := refund.Reason
	if remarks == "" {
		remarks = "Refund"
	}
	body := map[string]any{
		"Initiator":              cred.Secret(models.SecretInitiatorName),
		"SecurityCredential":     cred.Secret(models.SecretSecurityCredential),
		"CommandID":              "TransactionReversal",
		"TransactionID":          *original.ReceiptNumber,
		"Amount":                 refund.Amount.IntPart(),
		"ReceiverParty":          cred.ShortCode,
		"RecieverIdentifierType": "11",
		"ResultURL":              resultURL,
		"QueueTimeOutURL":        resultURL,
		"Remarks":                truncate(remarks, 100),
		"Occasion":               refund.ID,
	}
	var out struct {
		ConversationID           string `json:"ConversationID"`
		OriginatorConversationID string `json:"OriginatorConversationID"`
		ResponseCode             string `json:"ResponseCode"`
		ResponseDescription      string `json:"ResponseDescription"`
		ErrorMessage             string `json:"errorMessage"`
	}
	status, err := m.postJSON(ctx, m.baseURL(cred)+"/mpesa/reversal/v1/request", tok, body, &out)
	if err != nil {
		return failure(ctx, err), nil
	}
	if status != http.StatusOK || out.ResponseCode != "0" {
		msg := out.ErrorMessage
		if msg == "" {
			msg = out.ResponseDescription
		}
		return Result{Success: false, Status: models.TxnFailed, Message: msg}, nil
	}
	return Result{
		Success:     true,
		Status:      models.TxnCompleted,
		ProcessorID: out.ConversationID,
		Details: map[string]any{
			"originator_conversation_id": out.OriginatorConversationID,
			"response_description":       out.ResponseDescription,
		},
	}, nil
}

func (m *MobileMoney) postJSON(ctx context.Context, endpoint, token string, in, out any) (int, error) {
	buf, err := json.Marshal(in)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			m.log.Warn("undecodable daraja response", zap.Int("status", resp.StatusCode), zap.ByteString("body", raw))
		}
	}
	return resp.StatusCode, nil
}

// ---------- callbacks ----------

// ResultCode accepts both 0 and "0" from the callback body.
type ResultCode string

func (c *ResultCode) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || string(b) == "null":
		*c = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = ResultCode(s)
	default:
		f, err := strconv.ParseFloat(string(b), 64)
		if err != nil {
			return fmt.Errorf("ResultCode: %w", err)
		}
		if f == 0 {
			*c = "0"
		} else {
			*c = ResultCode(b)
		}
	}
	return nil
}

func (c ResultCode) Success() bool { return c == "0" }

type stkCallback struct {
	MerchantRequestID string     `json:"MerchantRequestID"`
	CheckoutRequestID string     `json:"CheckoutRequestID"`
	ResultCode        ResultCode `json:"ResultCode"`
	ResultDesc        string     `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item []struct {
			Name  string `json:"Name"`
			Value any    `json:"Value"`
		} `json:"Item"`
	} `json:"CallbackMetadata"`
}

type stkEnvelope struct {
	Body struct {
		StkCallback *stkCallback `json:"stkCallback"`
	} `json:"Body"`
}

// ParseCallback decodes the STK push callback envelope. Numbers are kept as
// json.Number so phone numbers and receipts survive intact.
func ParseCallback(payload []byte) (WebhookEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var env stkEnvelope
	if err := dec.Decode(&env); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	cb := env.Body.StkCallback
	if cb == nil || cb.CheckoutRequestID == "" {
		return WebhookEvent{}, fmt.Errorf("%w: missing Body.stkCallback.CheckoutRequestID", ErrInvalidPayload)
	}

	meta := map[string]any{}
	if cb.CallbackMetadata != nil {
		for _, it := range cb.CallbackMetadata.Item {
			if it.Name != "" {
				meta[it.Name] = it.Value
			}
		}
	}

	raw := map[string]any{}
	dec = json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	_ = dec.Decode(&raw)

	ev := WebhookEvent{
		Kind:          EventPaymentOutcome,
		Type:          "stk_callback",
		CorrelationID: cb.CheckoutRequestID,
		ResultCode:    string(cb.ResultCode),
		Description:   cb.ResultDesc,
		Metadata:      meta,
		Raw:           raw,
	}
	if cb.MerchantRequestID != "" {
		ev.Metadata["MerchantRequestID"] = cb.MerchantRequestID
	}
	if cb.ResultCode.Success() {
		ev.Status = models.TxnCompleted
		if v, ok := meta["MpesaReceiptNumber"]; ok && v != nil {
			ev.ReceiptNumber = fmt.Sprint(v)
		}
	} else {
		ev.Status = models.TxnFailed
	}
	return ev, nil
}

// HandleWebhook authenticates the callback token carried on the callback
// URL and parses the envelope.
func (m *MobileMoney) HandleWebhook(_ context.Context, payload []byte, signature string, cred models.Credential) (WebhookEvent, error) {
	if cred.Secret(models.SecretWebhook) == "" && cred.Secret(models.SecretPasskey) == "" {
		return WebhookEvent{}, fmt.Errorf("%w: no key to verify callbacks", ErrInvalidCredentials)
	}
	want := []byte(CallbackToken(cred))
	if !hmac.Equal(want, []byte(signature)) {
		return WebhookEvent{}, ErrInvalidSignature
	}
	return ParseCallback(payload)
}
