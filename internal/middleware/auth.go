package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/baharkarakas/paygate/internal/api/httpx"
	"github.com/baharkarakas/paygate/internal/auth"
)

type ctxKey string

const ctxAppIDKey ctxKey = "aid"

// AppID returns the authenticated app set by Auth.
func AppID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxAppIDKey).(string)
	return v, ok && v != ""
}

func WithAppID(ctx context.Context, appID string) context.Context {
	return context.WithValue(ctx, ctxAppIDKey, appID)
}

type AuthMiddleware struct {
	TM *auth.TokenManager
}

func NewAuthMiddleware(tm *auth.TokenManager) *AuthMiddleware {
	return &AuthMiddleware{TM: tm}
}

// Auth accepts only access tokens: Authorization: Bearer <JWT>.
func (m *AuthMiddleware) Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ah := r.Header.Get("Authorization")
		if len(ah) < 7 || !strings.EqualFold(ah[:7], "bearer ") {
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token", nil)
			return
		}
		claims, err := m.TM.ParseAccess(strings.TrimSpace(ah[7:]))
		if err != nil {
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid access token", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAppID(r.Context(), claims.AppID)))
	})
}
