package handlers

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/baharkarakas/paygate/internal/api/httpx"
	"github.com/baharkarakas/paygate/internal/models"
	"github.com/baharkarakas/paygate/internal/services"
)

const maxCallbackBody = 256 << 10

// CallbackHandler receives processor notifications. These routes carry no
// bearer token; each adapter authenticates its own payloads.
type CallbackHandler struct {
	Reconciler *services.Reconciler
	Log        *zap.Logger
}

func NewCallbackHandler(rc *services.Reconciler, log *zap.Logger) *CallbackHandler {
	return &CallbackHandler{Reconciler: rc, Log: log.Named("callbacks")}
}

type darajaAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

var accepted = darajaAck{ResultCode: 0, ResultDesc: "Accepted"}

// Mpesa acknowledges every callback it could judge, including forged,
// unknown and duplicate ones; Daraja would only resend them. Storage failures
// answer 500 so the outcome is delivered again.
func (h *CallbackHandler) Mpesa(w http.ResponseWriter, r *http.Request) {
	bizID := chi.URLParam(r, "businessID")
	log := h.Log.With(zap.String("business_id", bizID))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		log.Error("read mpesa callback", zap.Error(err))
		httpx.WriteJSON(w, http.StatusOK, accepted)
		return
	}
	res, err := h.Reconciler.HandleWebhook(r.Context(), models.MethodMpesa, bizID, body, r.URL.Query().Get("token"))
	if err != nil {
		code := services.CodeOf(err)
		log.Error("mpesa callback not applied",
			zap.String("code", string(code)),
			zap.Error(err))
		if code == services.ErrCodeInternal {
			httpx.WriteServiceError(w, err)
			return
		}
	} else {
		log.Info("mpesa callback", zap.String("result", string(res)))
	}
	httpx.WriteJSON(w, http.StatusOK, accepted)
}

// MpesaReversal records reversal results. The refund row is already final
// when the reversal was accepted, so these are informational.
func (h *CallbackHandler) MpesaReversal(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	h.Log.Info("mpesa reversal result",
		zap.String("business_id", chi.URLParam(r, "businessID")),
		zap.ByteString("payload", body))
	httpx.WriteJSON(w, http.StatusOK, accepted)
}

// Card handles Stripe-style webhooks. Bad signatures and payloads get a 400;
// storage failures get a 500 so the sender retries.
func (h *CallbackHandler) Card(w http.ResponseWriter, r *http.Request) {
	bizID := chi.URLParam(r, "businessID")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "unreadable body", nil)
		return
	}
	res, err := h.Reconciler.HandleWebhook(r.Context(), models.MethodCard, bizID, body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		code := services.CodeOf(err)
		h.Log.Warn("card webhook rejected",
			zap.String("business_id", bizID),
			zap.String("code", string(code)),
			zap.Error(err))
		if code == services.ErrCodeInternal {
			httpx.WriteServiceError(w, err)
			return
		}
		httpx.WriteError(w, http.StatusBadRequest, string(code), "webhook rejected", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"received": true, "result": res})
}
