package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/baharkarakas/paygate/internal/api/httpx"
	"github.com/baharkarakas/paygate/internal/api/validate"
	"github.com/baharkarakas/paygate/internal/services"
)

type RefundHandler struct {
	Refunds    *services.RefundService
	Payments   *services.PaymentService
	Businesses *services.BusinessService
}

func NewRefundHandler(rf *services.RefundService, p *services.PaymentService, b *services.BusinessService) *RefundHandler {
	return &RefundHandler{Refunds: rf, Payments: p, Businesses: b}
}

func (h *RefundHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req services.RefundRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	if ef := validate.Required("transaction_id", req.TransactionID); ef != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "validation failed", validate.Errs{*ef})
		return
	}
	txn, err := h.Payments.Get(r.Context(), req.TransactionID)
	if err != nil {
		httpx.WriteServiceError(w, err)
		return
	}
	if !authorized(w, r, h.Businesses, txn.BusinessID) {
		return
	}
	req.BusinessID = txn.BusinessID

	rf, err := h.Refunds.ProcessRefund(r.Context(), req)
	if err != nil {
		httpx.WriteServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, rf)
}

func (h *RefundHandler) Get(w http.ResponseWriter, r *http.Request) {
	rf, err := h.Refunds.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteServiceError(w, err)
		return
	}
	if !authorized(w, r, h.Businesses, rf.BusinessID) {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rf)
}
