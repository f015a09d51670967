// Package observer multiplexes concurrent purchase, restore and force-finish
// operations over the platform's single shared payment queue.
//
// The Proxy subscribes to the queue for its whole lifetime and routes every
// delivered transaction to the operation that submitted it, using the
// payment's RequestID. The ApplicationUsername of a payment is never
// interpreted.
//
// Dispatch for each transaction in an updated batch:
//
//	state        matched purchase        no match
//	purchased    complete(success)       orphan
//	restored     complete(success)       restore session, else orphan
//	failed       complete(failure)       restore session failures, else unclaimed failure
//	purchasing   progress()              -
//	deferred     progress()              -
//
// Every terminal transaction is acknowledged exactly once, whether or not an
// operation claimed it. A removed event does not make a transaction eligible
// for a second acknowledgment.
package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/jcmexdev/iap-proxy/internal/ledger"
	"github.com/jcmexdev/iap-proxy/internal/storekit"
)

var (
	// ErrTransactionFailed stands in when the queue reports a failed
	// transaction without an error of its own.
	ErrTransactionFailed = errors.New("observer: transaction failed")
	// ErrTransactionRemoved completes a purchase whose transaction left the
	// queue before reaching a terminal state.
	ErrTransactionRemoved = errors.New("observer: transaction removed before completion")
)

// PurchaseError is the failure delivered to a purchase completion.
type PurchaseError struct {
	ProductID string
	Err       error
}

func (e *PurchaseError) Error() string {
	return fmt.Sprintf("observer: purchase of %s failed: %v", e.ProductID, e.Err)
}
func (e *PurchaseError) Unwrap() error { return e.Err }

// RestoreError is the failure delivered to a restore completion.
type RestoreError struct {
	Err error
}

func (e *RestoreError) Error() string { return fmt.Sprintf("observer: restore failed: %v", e.Err) }
func (e *RestoreError) Unwrap() error { return e.Err }

type PurchaseOutcome struct {
	RequestID   string
	Transaction *storekit.Transaction
	Err         error
}

// RestoreOutcome carries the restored transactions in delivery order. Failed
// lists failed transactions that arrived during the session without belonging
// to any purchase.
type RestoreOutcome struct {
	Transactions []*storekit.Transaction
	Failed       []*storekit.Transaction
	Err          error
}

// PurchaseHandlers are the callbacks of one in-flight purchase. Progress may
// fire any number of times; Completion fires exactly once.
type PurchaseHandlers struct {
	Progress   func(*storekit.Transaction)
	Completion func(PurchaseOutcome)
}

type Option func(*Proxy)

func WithLogger(l *slog.Logger) Option {
	return func(p *Proxy) { p.logger = l }
}

// WithJournal appends one FINISHED entry per acknowledged transaction.
func WithJournal(r ledger.Repository) Option {
	return func(p *Proxy) { p.journal = r }
}

// WithImmediateForceFinish delivers already accumulated orphans as soon as
// ForceFinishPendingTransactions is called instead of on the next batch.
func WithImmediateForceFinish() Option {
	return func(p *Proxy) { p.immediateForceFinish = true }
}

type forceFinishRequest struct {
	done func([]*storekit.Transaction)
}

type restoreSession struct {
	done     func(RestoreOutcome)
	restored []*storekit.Transaction
	failed   []*storekit.Transaction
}

// Proxy is the transaction observer. Create one per application session with
// New and release it with Close.
type Proxy struct {
	queue                storekit.PaymentQueue
	journal              ledger.Repository
	logger               *slog.Logger
	immediateForceFinish bool

	// mu guards everything below. Callbacks run after it is released.
	mu          sync.Mutex
	purchases   map[string]PurchaseHandlers
	restore     *restoreSession
	forceFinish *forceFinishRequest
	orphans     []*storekit.Transaction
	unclaimed   []*storekit.Transaction
	finished    *ackSet
}

var _ storekit.TransactionObserver = (*Proxy)(nil)

// New subscribes a proxy to queue.
func New(queue storekit.PaymentQueue, opts ...Option) *Proxy {
	p := &Proxy{
		queue:     queue,
		logger:    slog.Default(),
		purchases: make(map[string]PurchaseHandlers),
		finished:  newAckSet(maxAcknowledged),
	}
	for _, opt := range opts {
		opt(p)
	}
	queue.AddObserver(p)
	return p
}

// Close unsubscribes from the queue. Pending callbacks are abandoned.
func (p *Proxy) Close() {
	p.queue.RemoveObserver(p)
}

// Purchase registers handlers under a fresh request id and submits the
// payment without blocking. It returns the request id.
func (p *Proxy) Purchase(ctx context.Context, product storekit.Product, quantity int, applicationUsername string, handlers PurchaseHandlers) string {
	if quantity < 1 {
		quantity = 1
	}
	id := uuid.NewString()

	p.mu.Lock()
	p.purchases[id] = handlers
	p.mu.Unlock()

	payment := storekit.Payment{
		ProductID:           product.ID,
		Quantity:            quantity,
		ApplicationUsername: applicationUsername,
		RequestID:           id,
	}
	p.logger.InfoContext(ctx, "submitting payment", "request_id", id, "product_id", product.ID, "quantity", quantity)

	go p.queue.Add(payment)
	return id
}

// RestoreCompletedTransactions starts a restore session. Only one session
// exists at a time: a second call replaces the first caller's callback, which
// then never fires.
func (p *Proxy) RestoreCompletedTransactions(ctx context.Context, done func(RestoreOutcome)) {
	p.mu.Lock()
	if p.restore != nil {
		p.logger.WarnContext(ctx, "restore already in progress, previous caller abandoned")
		p.restore.done = done
	} else {
		p.restore = &restoreSession{done: done}
	}
	p.mu.Unlock()

	go p.queue.RestoreCompletedTransactions()
}

// FinishTransaction acknowledges t with the queue. Transactions delivered to
// the proxy are acknowledged during dispatch already, so calls for them, and
// any repeated call, are ignored.
func (p *Proxy) FinishTransaction(t *storekit.Transaction) {
	p.finish(t)
}

// ForceFinishPendingTransactions asks for the orphaned transactions. They are
// delivered after the next updated batch unless the proxy was built with
// WithImmediateForceFinish and orphans are already waiting.
//
// The returned cancel withdraws a request that has not been delivered yet;
// the orphans then stay for the next request. Calling it after delivery, or
// after a later request replaced this one, does nothing.
func (p *Proxy) ForceFinishPendingTransactions(done func([]*storekit.Transaction)) (cancel func()) {
	p.mu.Lock()
	if p.immediateForceFinish && len(p.orphans) > 0 {
		orphans := p.orphans
		p.orphans = nil
		p.mu.Unlock()
		done(orphans)
		return func() {}
	}
	req := &forceFinishRequest{done: done}
	p.forceFinish = req
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.forceFinish == req {
			p.forceFinish = nil
		}
	}
}

// UpdatedTransactions is the queue's event delivery entry point.
func (p *Proxy) UpdatedTransactions(batch []*storekit.Transaction) {
	var (
		calls []func()
		acks  []*storekit.Transaction
	)

	p.mu.Lock()
	for _, t := range batch {
		id := t.Payment.RequestID
		handlers, matched := p.purchases[id]
		matched = matched && id != ""

		switch t.State {
		case storekit.StatePurchased, storekit.StateRestored:
			switch {
			case matched:
				delete(p.purchases, id)
				calls = append(calls, complete(handlers, PurchaseOutcome{RequestID: id, Transaction: t}))
			case t.State == storekit.StateRestored && p.restore != nil:
				p.restore.restored = append(p.restore.restored, t)
			default:
				p.orphans = append(p.orphans, t)
			}
			acks = append(acks, t)

		case storekit.StateFailed:
			switch {
			case matched:
				delete(p.purchases, id)
				cause := t.Err
				if cause == nil {
					cause = ErrTransactionFailed
				}
				err := &PurchaseError{ProductID: t.Payment.ProductID, Err: cause}
				calls = append(calls, complete(handlers, PurchaseOutcome{RequestID: id, Transaction: t, Err: err}))
			case p.restore != nil:
				p.restore.failed = append(p.restore.failed, t)
			default:
				p.unclaimed = append(p.unclaimed, t)
				p.logger.Warn("failed transaction not claimed by any operation",
					"transaction_id", t.ID, "product_id", t.Payment.ProductID, "error", t.Err)
			}
			acks = append(acks, t)

		case storekit.StatePurchasing, storekit.StateDeferred:
			if matched && handlers.Progress != nil {
				progress, tx := handlers.Progress, t
				calls = append(calls, func() { progress(tx) })
			}
		}
	}

	var forceFinish func()
	if p.forceFinish != nil {
		done, orphans := p.forceFinish.done, p.orphans
		p.forceFinish, p.orphans = nil, nil
		if orphans == nil {
			orphans = []*storekit.Transaction{}
		}
		forceFinish = func() { done(orphans) }
	}
	p.mu.Unlock()

	for _, call := range calls {
		call()
	}
	for _, t := range acks {
		p.finish(t)
	}
	if forceFinish != nil {
		forceFinish()
	}
}

// RemovedTransactions drops any purchase still waiting on a removed
// transaction. Acknowledged transactions stay remembered.
func (p *Proxy) RemovedTransactions(batch []*storekit.Transaction) {
	var calls []func()

	p.mu.Lock()
	for _, t := range batch {
		id := t.Payment.RequestID
		if handlers, ok := p.purchases[id]; ok && id != "" {
			delete(p.purchases, id)
			err := &PurchaseError{ProductID: t.Payment.ProductID, Err: ErrTransactionRemoved}
			calls = append(calls, complete(handlers, PurchaseOutcome{RequestID: id, Transaction: t, Err: err}))
		}
	}
	p.mu.Unlock()

	for _, call := range calls {
		call()
	}
}

func (p *Proxy) RestoreCompletedTransactionsFinished() {
	session := p.takeRestore()
	if session == nil {
		return
	}
	restored := session.restored
	if restored == nil {
		restored = []*storekit.Transaction{}
	}
	p.logger.Info("restore finished", "restored", len(restored), "failed", len(session.failed))
	session.done(RestoreOutcome{Transactions: restored, Failed: session.failed})
}

func (p *Proxy) RestoreCompletedTransactionsFailed(err error) {
	session := p.takeRestore()
	if session == nil {
		return
	}
	p.logger.Warn("restore failed", "error", err, "discarded", len(session.restored))
	session.done(RestoreOutcome{Err: &RestoreError{Err: err}})
}

// Pending reports how many purchases are waiting for a terminal transaction.
func (p *Proxy) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.purchases)
}

// Orphans returns the orphaned transactions accumulated so far.
func (p *Proxy) Orphans() []*storekit.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*storekit.Transaction(nil), p.orphans...)
}

// UnclaimedFailures returns failed transactions no operation claimed.
func (p *Proxy) UnclaimedFailures() []*storekit.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*storekit.Transaction(nil), p.unclaimed...)
}

func (p *Proxy) takeRestore() *restoreSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.restore
	p.restore = nil
	return s
}

func (p *Proxy) finish(t *storekit.Transaction) {
	p.mu.Lock()
	first := p.finished.mark(t)
	p.mu.Unlock()
	if !first {
		return
	}

	p.queue.FinishTransaction(t)
	p.record(t)
}

func (p *Proxy) record(t *storekit.Transaction) {
	if p.journal == nil {
		return
	}

	opID := t.Payment.RequestID
	if opID == "" {
		opID = t.ID
	}
	payload, err := json.Marshal(t)
	if err != nil {
		p.logger.Error("failed to encode finished transaction", "transaction_id", t.ID, "error", err)
	}

	var errs []string
	if t.Err != nil {
		errs = append(errs, t.Err.Error())
	}

	ctx := context.Background()
	entry := ledger.NewEntry(ctx, opID, ledger.StatusFinished, "Finish_Transaction", string(payload), errs)
	if err := p.journal.Save(ctx, entry); err != nil {
		p.logger.Error("failed to record finished transaction", "transaction_id", t.ID, "error", err)
	}
}

func complete(h PurchaseHandlers, outcome PurchaseOutcome) func() {
	return func() {
		if h.Completion != nil {
			h.Completion(outcome)
		}
	}
}
