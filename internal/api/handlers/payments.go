package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/baharkarakas/paygate/internal/api/httpx"
	"github.com/baharkarakas/paygate/internal/api/validate"
	"github.com/baharkarakas/paygate/internal/middleware"
	"github.com/baharkarakas/paygate/internal/models"
	repo "github.com/baharkarakas/paygate/internal/repository"
	"github.com/baharkarakas/paygate/internal/services"
)

type PaymentHandler struct {
	Payments   *services.PaymentService
	Businesses *services.BusinessService
}

func NewPaymentHandler(p *services.PaymentService, b *services.BusinessService) *PaymentHandler {
	return &PaymentHandler{Payments: p, Businesses: b}
}

// Create runs a payment. Once a ledger entry exists the response is 201
// whatever its status; the client reads status from the body.
func (h *PaymentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req services.PaymentRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	appID, _ := middleware.AppID(r.Context())
	req.AppID = appID

	txn, err := h.Payments.ProcessPayment(r.Context(), req)
	if err != nil {
		httpx.WriteServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, txn)
}

func (h *PaymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	txn, err := h.Payments.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteServiceError(w, err)
		return
	}
	if !authorized(w, r, h.Businesses, txn.BusinessID) {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, txn)
}

func (h *PaymentHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	bizID := q.Get("business_id")
	if ef := validate.Required("business_id", bizID); ef != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "validation failed", validate.Errs{*ef})
		return
	}
	if !authorized(w, r, h.Businesses, bizID) {
		return
	}
	limit, offset := validate.Paging(q.Get("limit"), q.Get("offset"), 50, 100)
	txns, err := h.Payments.List(r.Context(), bizID, repo.TransactionFilter{
		Status: models.TransactionStatus(q.Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		httpx.WriteServiceError(w, err)
		return
	}
	if txns == nil {
		txns = []models.Transaction{}
	}
	httpx.WriteJSON(w, http.StatusOK, txns)
}

// authorized writes the error response itself when the calling app has no
// active link to businessID.
func authorized(w http.ResponseWriter, r *http.Request, b *services.BusinessService, businessID string) bool {
	appID, _ := middleware.AppID(r.Context())
	if _, err := b.RequireAppAccess(r.Context(), businessID, appID); err != nil {
		httpx.WriteServiceError(w, err)
		return false
	}
	return true
}
