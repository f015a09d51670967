// Package iap is the application-facing entry point: one Client per session
// bundles product queries, purchases, restores, transaction acknowledgment
// and receipt handling over a single payment queue.
package iap

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jcmexdev/iap-proxy/internal/ledger"
	"github.com/jcmexdev/iap-proxy/internal/notify"
	"github.com/jcmexdev/iap-proxy/internal/observer"
	"github.com/jcmexdev/iap-proxy/internal/purchase"
	"github.com/jcmexdev/iap-proxy/internal/query"
	"github.com/jcmexdev/iap-proxy/internal/receipt"
	"github.com/jcmexdev/iap-proxy/internal/storekit"
	"github.com/jcmexdev/iap-proxy/internal/transaction"
)

const Version = "4.0.0-alpha.0"

// ErrRefreshUnavailable is reported by RefreshReceipt when the client was
// built without a receipt refresher.
var ErrRefreshUnavailable = errors.New("iap: receipt refresh unavailable")

type Option func(*settings)

type settings struct {
	queryOpts    []query.Option
	observerOpts []observer.Option
	ledger       ledger.Repository
	verifier     *receipt.Verifier
	refresher    storekit.ReceiptRefresher
	publisher    notify.Publisher
	logger       *slog.Logger
}

func WithQueryOptions(opts ...query.Option) Option {
	return func(s *settings) { s.queryOpts = append(s.queryOpts, opts...) }
}

func WithObserverOptions(opts ...observer.Option) Option {
	return func(s *settings) { s.observerOpts = append(s.observerOpts, opts...) }
}

// WithLedger records purchase flows and acknowledgments in repo.
func WithLedger(repo ledger.Repository) Option {
	return func(s *settings) { s.ledger = repo }
}

func WithVerifier(v *receipt.Verifier) Option {
	return func(s *settings) { s.verifier = v }
}

func WithReceiptRefresher(r storekit.ReceiptRefresher) Option {
	return func(s *settings) { s.refresher = r }
}

func WithPublisher(p notify.Publisher) Option {
	return func(s *settings) { s.publisher = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

type Client struct {
	queue     storekit.PaymentQueue
	query     *query.Service
	proxy     *observer.Proxy
	purchaser *purchase.Purchaser
	verifier  *receipt.Verifier
	refresher *receipt.Refresher
	publisher notify.Publisher
	logger    *slog.Logger
}

// New subscribes a client to queue. Call Close when the session ends.
func New(queue storekit.PaymentQueue, products storekit.ProductRequester, opts ...Option) *Client {
	s := settings{publisher: notify.Nop{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(&s)
	}

	c := &Client{
		queue:     queue,
		publisher: s.publisher,
		logger:    s.logger,
	}

	c.query = query.NewService(products, append([]query.Option{query.WithLogger(s.logger)}, s.queryOpts...)...)

	observerOpts := []observer.Option{observer.WithLogger(s.logger)}
	if s.ledger != nil {
		observerOpts = append(observerOpts, observer.WithJournal(s.ledger))
	}
	c.proxy = observer.New(queue, append(observerOpts, s.observerOpts...)...)

	purchaseOpts := []purchase.Option{
		purchase.WithPermissions(queue),
		purchase.WithLogger(s.logger),
		purchase.WithResultHook(c.publishPurchase),
	}
	if s.ledger != nil {
		purchaseOpts = append(purchaseOpts, purchase.WithLedger(s.ledger))
	}
	c.purchaser = purchase.NewPurchaser(c.query, c.proxy, purchaseOpts...)

	c.verifier = s.verifier
	if c.verifier == nil {
		c.verifier = receipt.NewVerifier(receipt.FileStore{}, receipt.WithLogger(s.logger))
	}
	if s.refresher != nil {
		c.refresher = receipt.NewRefresher(s.refresher, s.logger)
	}
	return c
}

func (c *Client) Close() {
	c.proxy.Close()
}

// QueryProducts resolves ids; done receives the query result.
func (c *Client) QueryProducts(ctx context.Context, ids []string, done func(query.Result)) {
	c.query.Query(ctx, ids, func(r query.Result) {
		event := notify.ProductQuerySuccess
		if r.Err != nil {
			event = notify.ProductQueryFailed
		}
		c.publish(ctx, notify.New(event, map[string]any{
			"products":            r.Products,
			"invalid_identifiers": r.InvalidIdentifiers,
		}, r.Err))
		done(r)
	})
}

func (c *Client) CanMakePayments() bool {
	return c.queue.CanMakePayments()
}

// PurchaseProduct starts a purchase flow. Quantity below 1 buys one.
func (c *Client) PurchaseProduct(ctx context.Context, productID string, quantity int, applicationUsername string, progress func(*storekit.Transaction)) *purchase.Flow {
	if quantity < 1 {
		quantity = 1
	}
	return c.purchaser.Purchase(ctx, purchase.Request{
		ProductID:           productID,
		Quantity:            quantity,
		ApplicationUsername: applicationUsername,
	}, progress)
}

func (c *Client) RestoreCompletedTransactions(ctx context.Context, done func(observer.RestoreOutcome)) {
	transaction.NewRestoreRequest(c.proxy).Complete(ctx, func(o observer.RestoreOutcome) {
		event := notify.TransactionRestoreSuccess
		if o.Err != nil {
			event = notify.TransactionRestoreFailed
		}
		c.publish(ctx, notify.New(event, map[string]any{
			"transactions": o.Transactions,
			"failed":       o.Failed,
		}, o.Err))
		done(o)
	})
}

// FinishTransaction acknowledges t. Terminal transactions delivered by the
// queue are acknowledged during dispatch, so calling it for them is a no-op;
// it only matters for transactions the client obtained some other way.
func (c *Client) FinishTransaction(t *storekit.Transaction) {
	c.proxy.FinishTransaction(t)
}

// ForceFinishPendingTransactions hands the orphans to done. Call cancel when
// giving up on the result so the orphans are kept for a later request.
func (c *Client) ForceFinishPendingTransactions(ctx context.Context, done func([]*storekit.Transaction)) (cancel func()) {
	return transaction.NewForceFinishRequest(c.proxy).Complete(func(txs []*storekit.Transaction) {
		c.publish(ctx, notify.New(notify.TransactionForceFinishComplete, txs, nil))
		done(txs)
	})
}

func (c *Client) VerifyReceipt(ctx context.Context, env receipt.Environment, password string) (receipt.Receipt, error) {
	return c.verifier.Verify(ctx, env, password)
}

func (c *Client) VerifyPurchase(productID string, r receipt.Receipt) receipt.PurchaseStatus {
	return receipt.VerifyPurchase(productID, r)
}

func (c *Client) VerifySubscription(productID string, r receipt.Receipt, validUntil time.Time, duration time.Duration) receipt.SubscriptionResult {
	return receipt.VerifySubscription(productID, r, validUntil, duration)
}

func (c *Client) RefreshReceipt(ctx context.Context, properties map[string]any, done func(error)) {
	if c.refresher == nil {
		c.publish(ctx, notify.New(notify.ReceiptRefreshFailed, nil, ErrRefreshUnavailable))
		done(ErrRefreshUnavailable)
		return
	}
	c.refresher.Refresh(ctx, properties, func(err error) {
		event := notify.ReceiptRefreshSuccess
		if err != nil {
			event = notify.ReceiptRefreshFailed
		}
		c.publish(ctx, notify.New(event, nil, err))
		done(err)
	})
}

// Orphans and UnclaimedFailures expose the proxy's accumulators.
func (c *Client) Orphans() []*storekit.Transaction { return c.proxy.Orphans() }

func (c *Client) UnclaimedFailures() []*storekit.Transaction { return c.proxy.UnclaimedFailures() }

func (c *Client) publishPurchase(r purchase.Result) {
	event := notify.ProductPurchaseSuccess
	if r.Err != nil {
		event = notify.ProductPurchaseFailed
	}
	c.publish(context.Background(), notify.New(event, purchaseNotice{
		FlowID:      r.FlowID,
		RequestID:   r.RequestID,
		Transaction: r.Transaction,
	}, r.Err))
}

type purchaseNotice struct {
	FlowID      string                `json:"flow_id"`
	RequestID   string                `json:"request_id,omitempty"`
	Transaction *storekit.Transaction `json:"transaction,omitempty"`
}

func (c *Client) publish(ctx context.Context, n notify.Notification) {
	if err := c.publisher.Publish(context.WithoutCancel(ctx), n); err != nil {
		c.logger.WarnContext(ctx, "failed to publish notification", "event", n.Event, "error", err)
	}
}
