package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/baharkarakas/paygate/internal/api/httpx"
	"github.com/baharkarakas/paygate/internal/api/validate"
	"github.com/baharkarakas/paygate/internal/middleware"
	"github.com/baharkarakas/paygate/internal/models"
	"github.com/baharkarakas/paygate/internal/services"
)

// BusinessHandler serves the setup surface. Every route except Create sits
// behind middleware.RequireBusinessAccess on {id}.
type BusinessHandler struct {
	Businesses *services.BusinessService
}

func NewBusinessHandler(b *services.BusinessService) *BusinessHandler {
	return &BusinessHandler{Businesses: b}
}

// Create registers a business and links the calling app to it.
func (h *BusinessHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req services.CreateBusinessRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	b, err := h.Businesses.Create(r.Context(), req)
	if err != nil {
		httpx.WriteServiceError(w, err)
		return
	}
	appID, _ := middleware.AppID(r.Context())
	if err := h.Businesses.LinkApp(r.Context(), b.ID, appID, models.AppLinkActive); err != nil {
		httpx.WriteServiceError(w, err)
		return
	}
	b, err = h.Businesses.Get(r.Context(), b.ID)
	if err != nil {
		httpx.WriteServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, b)
}

func (h *BusinessHandler) Get(w http.ResponseWriter, r *http.Request) {
	b, err := h.Businesses.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, b)
}

type linkAppReq struct {
	AppID  string               `json:"app_id"`
	Status models.AppLinkStatus `json:"status"`
}

func (h *BusinessHandler) LinkApp(w http.ResponseWriter, r *http.Request) {
	var req linkAppReq
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	errs := (validate.Errs{}).Add(validate.Required("app_id", req.AppID))
	if req.Status != "" {
		errs = errs.Add(validate.OneOf("status", string(req.Status), string(models.AppLinkActive), string(models.AppLinkInactive)))
	}
	if len(errs) > 0 {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "validation failed", errs)
		return
	}
	if err := h.Businesses.LinkApp(r.Context(), chi.URLParam(r, "id"), req.AppID, req.Status); err != nil {
		httpx.WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type methodReq struct {
	FeePercentage decimal.Decimal `json:"fee_percentage"`
	FeeFixed      decimal.Decimal `json:"fee_fixed"`
	Active        bool            `json:"active"`
}

func (h *BusinessHandler) UpsertMethod(w http.ResponseWriter, r *http.Request) {
	var req methodReq
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	err := h.Businesses.UpsertMethod(r.Context(), chi.URLParam(r, "id"), models.MethodConfig{
		Method:        models.PaymentMethod(chi.URLParam(r, "method")),
		FeePercentage: req.FeePercentage,
		FeeFixed:      req.FeeFixed,
		Active:        req.Active,
	})
	if err != nil {
		httpx.WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type webhookReq struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

func (h *BusinessHandler) SetWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookReq
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	if err := h.Businesses.SetWebhook(r.Context(), chi.URLParam(r, "id"), req.URL, req.Secret); err != nil {
		httpx.WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *BusinessHandler) PutCredentials(w http.ResponseWriter, r *http.Request) {
	var req services.CredentialsRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	cred, err := h.Businesses.PutCredentials(r.Context(), chi.URLParam(r, "id"), models.PaymentMethod(chi.URLParam(r, "method")), req)
	if err != nil {
		httpx.WriteServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cred)
}

func (h *BusinessHandler) DeleteCredentials(w http.ResponseWriter, r *http.Request) {
	if err := h.Businesses.DeleteCredentials(r.Context(), chi.URLParam(r, "id"), models.PaymentMethod(chi.URLParam(r, "method"))); err != nil {
		httpx.WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type verifyResp struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}

func (h *BusinessHandler) VerifyCredentials(w http.ResponseWriter, r *http.Request) {
	res, err := h.Businesses.VerifyCredentials(r.Context(), chi.URLParam(r, "id"), models.PaymentMethod(chi.URLParam(r, "method")))
	if err != nil {
		httpx.WriteServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, verifyResp{Valid: res.Success, Message: res.Message})
}
