package httpx

import (
	"time"

	"github.com/jcmexdev/iap-proxy/internal/storekit"
)

type QueryProductsRequest struct {
	Identifiers []string `json:"identifiers"`
}

type QueryProductsResponse struct {
	Products           []storekit.Product `json:"products"`
	InvalidIdentifiers []string           `json:"invalid_identifiers"`
}

type CreatePurchaseRequest struct {
	ProductID           string `json:"product_id"`
	Quantity            int    `json:"quantity"`
	ApplicationUsername string `json:"application_username"`
}

type PurchaseResponse struct {
	FlowID      string                `json:"flow_id"`
	RequestID   string                `json:"request_id,omitempty"`
	State       string                `json:"state"`
	Transaction *storekit.Transaction `json:"transaction,omitempty"`
	Error       string                `json:"error,omitempty"`
}

type PurchaseLogResponse struct {
	FlowID        string   `json:"flow_id"`
	Status        string   `json:"status"`
	CurrentStep   string   `json:"current_step,omitempty"`
	ErrorMessages []string `json:"error_messages"`
	TraceID       string   `json:"trace_id,omitempty"`
	UpdatedAt     string   `json:"updated_at"`
}

type TransactionsResponse struct {
	Transactions []*storekit.Transaction `json:"transactions"`
	Failed       []*storekit.Transaction `json:"failed,omitempty"`
}

// VerifyReceiptRequest optionally asks for a product to be looked up in the
// verified receipt. Subscription with ValidDuration computes the expiry from
// the original purchase date.
type VerifyReceiptRequest struct {
	Environment   string     `json:"environment"`
	Password      string     `json:"password"`
	ProductID     string     `json:"product_id"`
	Subscription  bool       `json:"subscription"`
	ValidUntil    *time.Time `json:"valid_until"`
	ValidDuration string     `json:"valid_duration"`
}

type VerifyReceiptResponse struct {
	Status       int            `json:"status"`
	Receipt      map[string]any `json:"receipt,omitempty"`
	Purchase     string         `json:"purchase,omitempty"`
	Subscription *Subscription  `json:"subscription,omitempty"`
}

type Subscription struct {
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type ResumeResponse struct {
	Redelivered int `json:"redelivered"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	FlowID  string `json:"flow_id,omitempty"`
}
