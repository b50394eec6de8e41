package middleware

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/baharkarakas/paygate/internal/api/httpx"
	"github.com/baharkarakas/paygate/internal/models"
)

// AccessChecker is satisfied by *services.BusinessService.
type AccessChecker interface {
	RequireAppAccess(ctx context.Context, businessID, appID string) (models.Business, error)
}

// RequireBusinessAccess lets a request through only when the authenticated
// app holds an active link to the business named by the URL parameter.
func RequireBusinessAccess(checker AccessChecker, param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			appID, ok := AppID(r.Context())
			if !ok {
				httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing app identity", nil)
				return
			}
			if _, err := checker.RequireAppAccess(r.Context(), chi.URLParam(r, param), appID); err != nil {
				httpx.WriteServiceError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
