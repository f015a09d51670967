package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jcmexdev/iap-proxy/internal/gateway/httpx/middlewares"
)

func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middlewares.AttachRequestMetadata)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handler.Health)
	r.Post("/products/query", handler.QueryProducts)
	r.Post("/purchases", handler.CreatePurchase)
	r.Get("/purchases/{id}", handler.GetPurchase)
	r.Post("/restores", handler.RestoreTransactions)
	r.Post("/transactions/force-finish", handler.ForceFinish)
	r.Post("/receipts/verify", handler.VerifyReceipt)
	if handler.resumer != nil {
		r.Post("/sandbox/resume", handler.ResumeSandbox)
	}
	return r
}
