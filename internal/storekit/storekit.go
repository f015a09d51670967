// Package storekit describes the platform payment framework this module
// proxies: the payment queue, the product information service and the
// receipt refresh request. The platform itself is an external service; only
// its contracts live here.
package storekit

import (
	"fmt"
	"time"
)

// ProductKind tells consumables apart from products that can be restored.
type ProductKind string

const (
	KindConsumable    ProductKind = "consumable"
	KindNonConsumable ProductKind = "non_consumable"
	KindSubscription  ProductKind = "subscription"
)

// Product is the immutable product information returned by the platform.
type Product struct {
	ID           string      `json:"id" yaml:"id"`
	Title        string      `json:"title" yaml:"title"`
	Description  string      `json:"description,omitempty" yaml:"description"`
	Price        float64     `json:"price" yaml:"price"`
	CurrencyCode string      `json:"currency_code" yaml:"currency_code"`
	Kind         ProductKind `json:"kind,omitempty" yaml:"kind"`
}

// Restorable reports whether the platform redelivers the product on restore.
func (p Product) Restorable() bool {
	return p.Kind == KindNonConsumable || p.Kind == KindSubscription
}

type TransactionState int

const (
	StatePurchasing TransactionState = iota
	StatePurchased
	StateFailed
	StateRestored
	StateDeferred
)

func (s TransactionState) String() string {
	switch s {
	case StatePurchasing:
		return "purchasing"
	case StatePurchased:
		return "purchased"
	case StateFailed:
		return "failed"
	case StateRestored:
		return "restored"
	case StateDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

func (s TransactionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *TransactionState) UnmarshalText(b []byte) error {
	for _, st := range []TransactionState{StatePurchasing, StatePurchased, StateFailed, StateRestored, StateDeferred} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("storekit: unknown transaction state %q", b)
}

// IsTerminal is true for the states that must be acknowledged with
// PaymentQueue.FinishTransaction.
func (s TransactionState) IsTerminal() bool {
	return s == StatePurchased || s == StateRestored || s == StateFailed
}

// Payment is a request to buy a product. ApplicationUsername is an opaque
// value owned by the host application. RequestID correlates the payment with
// the local operation that submitted it; the queue echoes it back unchanged.
type Payment struct {
	ProductID           string `json:"product_id"`
	Quantity            int    `json:"quantity"`
	ApplicationUsername string `json:"application_username,omitempty"`
	RequestID           string `json:"request_id,omitempty"`
}

// Transaction is one payment's progress through the queue.
type Transaction struct {
	ID         string           `json:"id"`
	OriginalID string           `json:"original_id,omitempty"`
	Payment    Payment          `json:"payment"`
	State      TransactionState `json:"state"`
	Err        error            `json:"-"`
	Date       time.Time        `json:"date"`
}

// TransactionObserver receives the queue's asynchronous events. Calls may
// arrive on any goroutine.
type TransactionObserver interface {
	UpdatedTransactions(transactions []*Transaction)
	RemovedTransactions(transactions []*Transaction)
	RestoreCompletedTransactionsFinished()
	RestoreCompletedTransactionsFailed(err error)
}

// PaymentQueue is the platform's shared payment queue.
type PaymentQueue interface {
	AddObserver(o TransactionObserver)
	RemoveObserver(o TransactionObserver)
	Add(p Payment)
	RestoreCompletedTransactions()
	FinishTransaction(t *Transaction)
	CanMakePayments() bool
}

// ProductsResponse is the product information service's verdict.
type ProductsResponse struct {
	Products           []Product
	InvalidIdentifiers []string
}

// ProductRequester looks up product information. done is called exactly once,
// asynchronously.
type ProductRequester interface {
	RequestProducts(ids []string, done func(ProductsResponse, error))
}

// ReceiptRefresher asks the platform for a fresh receipt. done is called
// exactly once, asynchronously.
type ReceiptRefresher interface {
	RefreshReceipt(properties map[string]any, done func(error))
}
