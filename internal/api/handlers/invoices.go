package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/baharkarakas/paygate/internal/api/httpx"
	"github.com/baharkarakas/paygate/internal/api/validate"
	"github.com/baharkarakas/paygate/internal/models"
	"github.com/baharkarakas/paygate/internal/services"
)

type InvoiceHandler struct {
	Invoices   *services.InvoiceService
	Businesses *services.BusinessService
}

func NewInvoiceHandler(i *services.InvoiceService, b *services.BusinessService) *InvoiceHandler {
	return &InvoiceHandler{Invoices: i, Businesses: b}
}

func (h *InvoiceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req services.CreateInvoiceRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	if !authorized(w, r, h.Businesses, req.BusinessID) {
		return
	}
	inv, err := h.Invoices.Create(r.Context(), req)
	if err != nil {
		httpx.WriteServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, inv)
}

// load fetches the invoice in the URL and checks the caller may see it.
func (h *InvoiceHandler) load(w http.ResponseWriter, r *http.Request) (models.Invoice, bool) {
	inv, err := h.Invoices.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteServiceError(w, err)
		return models.Invoice{}, false
	}
	if !authorized(w, r, h.Businesses, inv.BusinessID) {
		return models.Invoice{}, false
	}
	return inv, true
}

func (h *InvoiceHandler) Get(w http.ResponseWriter, r *http.Request) {
	if inv, ok := h.load(w, r); ok {
		httpx.WriteJSON(w, http.StatusOK, inv)
	}
}

func (h *InvoiceHandler) List(w http.ResponseWriter, r *http.Request) {
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
	out, err := h.Invoices.List(r.Context(), bizID, limit, offset)
	if err != nil {
		httpx.WriteServiceError(w, err)
		return
	}
	if out == nil {
		out = []models.Invoice{}
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (h *InvoiceHandler) Send(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Invoices.Send)
}

func (h *InvoiceHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Invoices.Cancel)
}

func (h *InvoiceHandler) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (models.Invoice, error)) {
	inv, ok := h.load(w, r)
	if !ok {
		return
	}
	out, err := fn(r.Context(), inv.ID)
	if err != nil {
		httpx.WriteServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}
