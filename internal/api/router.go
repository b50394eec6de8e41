package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/baharkarakas/paygate/internal/api/handlers"
	"github.com/baharkarakas/paygate/internal/auth"
	"github.com/baharkarakas/paygate/internal/metrics"
	"github.com/baharkarakas/paygate/internal/middleware"
	"github.com/baharkarakas/paygate/internal/services"
	"github.com/baharkarakas/paygate/internal/tracing"
)

type RouterDeps struct {
	Log        *zap.Logger
	RateRPS    int
	Tokens     *auth.TokenManager
	Apps       *services.AppService
	Businesses *services.BusinessService
	Payments   *services.PaymentService
	Refunds    *services.RefundService
	Invoices   *services.InvoiceService
	Reconciler *services.Reconciler
}

func NewRouter(d RouterDeps) http.Handler {
	authH := handlers.NewAuthHandler(d.Apps)
	bizH := handlers.NewBusinessHandler(d.Businesses)
	payH := handlers.NewPaymentHandler(d.Payments, d.Businesses)
	refH := handlers.NewRefundHandler(d.Refunds, d.Payments, d.Businesses)
	invH := handlers.NewInvoiceHandler(d.Invoices, d.Businesses)
	cbH := handlers.NewCallbackHandler(d.Reconciler, d.Log)
	authMW := middleware.NewAuthMiddleware(d.Tokens)

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recover(d.Log), tracing.Middleware, middleware.HTTPMetrics)
	r.Use(middleware.RateLimit(d.RateRPS))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	// health & metrics
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) })
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// ---------- auth ----------
		r.Post("/auth/token", authH.Token)
		r.Post("/auth/refresh", authH.Refresh)

		// ---------- processor callbacks (no bearer token) ----------
		r.Post("/callbacks/mpesa/{businessID}", cbH.Mpesa)
		r.Post("/callbacks/mpesa/{businessID}/reversal", cbH.MpesaReversal)
		r.Post("/webhooks/card/{businessID}", cbH.Card)

		r.Group(func(r chi.Router) {
			r.Use(authMW.Auth)

			// ---------- businesses ----------
			r.Post("/businesses", bizH.Create)
			r.Route("/businesses/{id}", func(r chi.Router) {
				r.Use(middleware.RequireBusinessAccess(d.Businesses, "id"))
				r.Get("/", bizH.Get)
				r.Post("/apps", bizH.LinkApp)
				r.Put("/methods/{method}", bizH.UpsertMethod)
				r.Put("/webhook", bizH.SetWebhook)
				r.Put("/credentials/{method}", bizH.PutCredentials)
				r.Delete("/credentials/{method}", bizH.DeleteCredentials)
				r.Post("/credentials/{method}/verify", bizH.VerifyCredentials)
			})

			// ---------- payments ----------
			r.Post("/payments", payH.Create)
			r.Get("/payments", payH.List)
			r.Get("/payments/{id}", payH.Get)

			// ---------- refunds ----------
			r.Post("/refunds", refH.Create)
			r.Get("/refunds/{id}", refH.Get)

			// ---------- invoices ----------
			r.Post("/invoices", invH.Create)
			r.Get("/invoices", invH.List)
			r.Get("/invoices/{id}", invH.Get)
			r.Post("/invoices/{id}/send", invH.Send)
			r.Post("/invoices/{id}/cancel", invH.Cancel)
		})
	})

	return r
}
