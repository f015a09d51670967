package ports

import (
	"context"
	"time"

	"github.com/jcmexdev/iap-proxy/internal/observer"
	"github.com/jcmexdev/iap-proxy/internal/purchase"
	"github.com/jcmexdev/iap-proxy/internal/query"
	"github.com/jcmexdev/iap-proxy/internal/receipt"
	"github.com/jcmexdev/iap-proxy/internal/storekit"
)

// IAP is the part of iap.Client the HTTP surface drives.
type IAP interface {
	QueryProducts(ctx context.Context, ids []string, done func(query.Result))
	PurchaseProduct(ctx context.Context, productID string, quantity int, applicationUsername string, progress func(*storekit.Transaction)) *purchase.Flow
	RestoreCompletedTransactions(ctx context.Context, done func(observer.RestoreOutcome))
	ForceFinishPendingTransactions(ctx context.Context, done func([]*storekit.Transaction)) (cancel func())
	VerifyReceipt(ctx context.Context, env receipt.Environment, password string) (receipt.Receipt, error)
	VerifyPurchase(productID string, r receipt.Receipt) receipt.PurchaseStatus
	VerifySubscription(productID string, r receipt.Receipt, validUntil time.Time, duration time.Duration) receipt.SubscriptionResult
}

// Resumer redelivers unfinished transactions. Only the sandbox queue has one.
type Resumer interface {
	Resume() int
}
