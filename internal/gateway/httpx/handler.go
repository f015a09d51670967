package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jcmexdev/iap-proxy/internal/gateway/core/ports"
	"github.com/jcmexdev/iap-proxy/internal/gateway/httpx/middlewares"
	"github.com/jcmexdev/iap-proxy/internal/iap"
	"github.com/jcmexdev/iap-proxy/internal/ledger"
	"github.com/jcmexdev/iap-proxy/internal/observer"
	"github.com/jcmexdev/iap-proxy/internal/purchase"
	"github.com/jcmexdev/iap-proxy/internal/query"
	"github.com/jcmexdev/iap-proxy/internal/receipt"
	"github.com/jcmexdev/iap-proxy/internal/storekit"
)

// Handler turns the callback-based client API into request/response calls.
// Every call waits at most timeout; a purchase that times out keeps running.
type Handler struct {
	client      ports.IAP
	purchaseLog ledger.Repository
	resumer     ports.Resumer // nil outside the sandbox
	environment receipt.Environment
	password    string
	timeout     time.Duration
}

type HandlerConfig struct {
	Environment receipt.Environment
	Password    string
	Timeout     time.Duration
}

// NewHandler wires the client, the purchase log read by GET /purchases/{id}
// and, for the sandbox only, a resumer.
func NewHandler(client ports.IAP, purchaseLog ledger.Repository, resumer ports.Resumer, cfg HandlerConfig) *Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Environment == "" {
		cfg.Environment = receipt.EnvironmentProduction
	}
	return &Handler{
		client:      client,
		purchaseLog: purchaseLog,
		resumer:     resumer,
		environment: cfg.Environment,
		password:    cfg.Password,
		timeout:     cfg.Timeout,
	}
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: iap.Version})
}

func (h *Handler) QueryProducts(w http.ResponseWriter, r *http.Request) {
	var req QueryProductsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	results := make(chan query.Result, 1)
	h.client.QueryProducts(ctx, req.Identifiers, func(res query.Result) { results <- res })

	select {
	case res := <-results:
		switch {
		case errors.Is(res.Err, query.ErrEmptyIdentifiers):
			writeError(w, http.StatusBadRequest, "empty_identifiers", res.Err.Error())
		case res.Err != nil:
			writeError(w, http.StatusBadGateway, "product_query_failed", res.Err.Error())
		default:
			products := res.Products
			if products == nil {
				products = []storekit.Product{}
			}
			writeJSON(w, http.StatusOK, QueryProductsResponse{Products: products, InvalidIdentifiers: res.InvalidIdentifiers})
		}
	case <-ctx.Done():
		writeError(w, http.StatusGatewayTimeout, "timeout", ctx.Err().Error())
	}
}

// CreatePurchase runs a purchase flow and answers with its terminal result.
func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	var req CreatePurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	slog.InfoContext(r.Context(), "creating purchase",
		"request_id", middlewares.RequestID(r.Context()), "product_id", req.ProductID, "quantity", req.Quantity)

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	// The flow is detached from ctx; only the wait below is bounded.
	flow := h.client.PurchaseProduct(ctx, req.ProductID, req.Quantity, req.ApplicationUsername, nil)

	select {
	case res := <-flow.Done():
		resp := PurchaseResponse{
			FlowID:      res.FlowID,
			RequestID:   res.RequestID,
			State:       string(res.State),
			Transaction: res.Transaction,
		}
		if res.Err != nil {
			resp.Error = res.Err.Error()
		}
		writeJSON(w, purchaseStatus(res.Err), resp)
	case <-ctx.Done():
		writeJSON(w, http.StatusGatewayTimeout, ErrorResponse{Error: "timeout", Message: "purchase still in progress", FlowID: flow.ID()})
	}
}

func purchaseStatus(err error) int {
	var perr *observer.PurchaseError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, purchase.ErrEmptyProductIdentifier):
		return http.StatusBadRequest
	case errors.Is(err, purchase.ErrPaymentNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, purchase.ErrInvalidProductIdentifier):
		return http.StatusNotFound
	case errors.Is(err, purchase.ErrProductQueryFailed):
		return http.StatusBadGateway
	case errors.As(err, &perr):
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

// GetPurchase returns the latest purchase log entry of a flow.
func (h *Handler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	flowID := chi.URLParam(r, "id")
	if flowID == "" {
		writeError(w, http.StatusBadRequest, "flow_id_required", "")
		return
	}

	entry, err := h.purchaseLog.GetLatest(r.Context(), flowID)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "purchase_not_found", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "purchase_log_error", err.Error())
		return
	}

	var messages []string
	if err := json.Unmarshal([]byte(entry.ErrorMessages), &messages); err != nil || messages == nil {
		messages = []string{}
	}
	writeJSON(w, http.StatusOK, PurchaseLogResponse{
		FlowID:        entry.OperationID,
		Status:        string(entry.Status),
		CurrentStep:   entry.CurrentStep,
		ErrorMessages: messages,
		TraceID:       entry.TraceID,
		UpdatedAt:     entry.UpdatedAt.Format(time.RFC3339Nano),
	})
}

func (h *Handler) RestoreTransactions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	outcomes := make(chan observer.RestoreOutcome, 1)
	h.client.RestoreCompletedTransactions(ctx, func(o observer.RestoreOutcome) { outcomes <- o })

	select {
	case o := <-outcomes:
		if o.Err != nil {
			writeError(w, http.StatusBadGateway, "restore_failed", o.Err.Error())
			return
		}
		writeJSON(w, http.StatusOK, TransactionsResponse{Transactions: o.Transactions, Failed: o.Failed})
	case <-ctx.Done():
		writeError(w, http.StatusGatewayTimeout, "timeout", ctx.Err().Error())
	}
}

// ForceFinish answers once the queue delivers its next batch, or at once when
// the client delivers orphans immediately. A timed-out request is withdrawn so
// its orphans go to the next one.
func (h *Handler) ForceFinish(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	delivered := make(chan []*storekit.Transaction, 1)
	withdraw := h.client.ForceFinishPendingTransactions(ctx, func(txs []*storekit.Transaction) { delivered <- txs })

	select {
	case txs := <-delivered:
		writeForceFinished(w, txs)
	case <-ctx.Done():
		withdraw()
		// Delivery may have raced the timeout.
		select {
		case txs := <-delivered:
			writeForceFinished(w, txs)
		default:
			writeError(w, http.StatusGatewayTimeout, "timeout", ctx.Err().Error())
		}
	}
}

func writeForceFinished(w http.ResponseWriter, txs []*storekit.Transaction) {
	if txs == nil {
		txs = []*storekit.Transaction{}
	}
	writeJSON(w, http.StatusOK, TransactionsResponse{Transactions: txs})
}

func (h *Handler) VerifyReceipt(w http.ResponseWriter, r *http.Request) {
	var req VerifyReceiptRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
	}

	env := h.environment
	if req.Environment != "" {
		parsed, err := receipt.ParseEnvironment(req.Environment)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_environment", err.Error())
			return
		}
		env = parsed
	}
	password := h.password
	if req.Password != "" {
		password = req.Password
	}
	var duration time.Duration
	if req.ValidDuration != "" {
		d, err := time.ParseDuration(req.ValidDuration)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_duration", err.Error())
			return
		}
		duration = d
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	rec, err := h.client.VerifyReceipt(ctx, env, password)
	var invalid *receipt.InvalidReceiptError
	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusUnprocessableEntity, VerifyReceiptResponse{Status: int(invalid.Status), Receipt: invalid.Receipt})
		return
	case errors.Is(err, receipt.ErrNoReceiptData):
		writeError(w, http.StatusNotFound, "no_receipt_data", err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, "receipt_verification_failed", err.Error())
		return
	}

	resp := VerifyReceiptResponse{Status: int(receipt.StatusValid), Receipt: rec}
	if req.ProductID != "" {
		if req.Subscription {
			validUntil := time.Now()
			if req.ValidUntil != nil {
				validUntil = *req.ValidUntil
			}
			sub := h.client.VerifySubscription(req.ProductID, rec, validUntil, duration)
			resp.Subscription = &Subscription{Status: string(sub.Status)}
			if !sub.ExpiresAt.IsZero() {
				resp.Subscription.ExpiresAt = &sub.ExpiresAt
			}
		} else {
			resp.Purchase = string(h.client.VerifyPurchase(req.ProductID, rec))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ResumeSandbox(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ResumeResponse{Redelivered: h.resumer.Resume()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}
