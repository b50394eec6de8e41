package handlers

import (
	"net/http"

	"github.com/baharkarakas/paygate/internal/api/httpx"
	"github.com/baharkarakas/paygate/internal/api/validate"
	"github.com/baharkarakas/paygate/internal/services"
)

type AuthHandler struct {
	Apps *services.AppService
}

func NewAuthHandler(apps *services.AppService) *AuthHandler {
	return &AuthHandler{Apps: apps}
}

type tokenReq struct {
	AppID     string `json:"app_id"`
	AppSecret string `json:"app_secret"`
}

// Token exchanges app credentials for an access/refresh pair.
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req tokenReq
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	if errs := (validate.Errs{}).Add(
		validate.Required("app_id", req.AppID),
		validate.Required("app_secret", req.AppSecret),
	); len(errs) > 0 {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "validation failed", errs)
		return
	}
	pair, err := h.Apps.Authenticate(r.Context(), req.AppID, req.AppSecret)
	if err != nil {
		httpx.WriteServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, pair)
}

type refreshReq struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshReq
	if err := httpx.DecodeJSON(w, r, &req); err != nil || req.RefreshToken == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "refresh_token required", nil)
		return
	}
	pair, err := h.Apps.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		httpx.WriteServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, pair)
}
