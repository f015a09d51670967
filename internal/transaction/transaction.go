// Package transaction holds the restore and force-finish requests. Both are
// thin wrappers over the observer proxy and keep no state of their own.
package transaction

import (
	"context"

	"github.com/jcmexdev/iap-proxy/internal/observer"
	"github.com/jcmexdev/iap-proxy/internal/storekit"
)

type Restorer interface {
	RestoreCompletedTransactions(ctx context.Context, done func(observer.RestoreOutcome))
}

type ForceFinisher interface {
	ForceFinishPendingTransactions(done func([]*storekit.Transaction)) (cancel func())
}

// RestoreRequest asks the queue to redeliver every restorable purchase.
type RestoreRequest struct {
	proxy Restorer
}

func NewRestoreRequest(proxy Restorer) *RestoreRequest {
	return &RestoreRequest{proxy: proxy}
}

// Complete starts the restore. done fires once, unless a later restore
// replaces this one first.
func (r *RestoreRequest) Complete(ctx context.Context, done func(observer.RestoreOutcome)) {
	r.proxy.RestoreCompletedTransactions(ctx, done)
}

// Wait starts the restore and blocks until it finishes or ctx is done.
func (r *RestoreRequest) Wait(ctx context.Context) (observer.RestoreOutcome, error) {
	out := make(chan observer.RestoreOutcome, 1)
	r.Complete(ctx, func(o observer.RestoreOutcome) { out <- o })
	select {
	case o := <-out:
		return o, o.Err
	case <-ctx.Done():
		return observer.RestoreOutcome{}, ctx.Err()
	}
}

// ForceFinishRequest collects transactions that no operation claimed.
type ForceFinishRequest struct {
	proxy ForceFinisher
}

func NewForceFinishRequest(proxy ForceFinisher) *ForceFinishRequest {
	return &ForceFinishRequest{proxy: proxy}
}

// Complete registers done. cancel withdraws the request while it is still
// waiting for a batch.
func (r *ForceFinishRequest) Complete(done func([]*storekit.Transaction)) (cancel func()) {
	return r.proxy.ForceFinishPendingTransactions(done)
}

// Wait blocks until the orphans are delivered or ctx is done. On ctx expiry
// the request is withdrawn and the orphans stay with the proxy.
func (r *ForceFinishRequest) Wait(ctx context.Context) ([]*storekit.Transaction, error) {
	out := make(chan []*storekit.Transaction, 1)
	cancel := r.Complete(func(txs []*storekit.Transaction) { out <- txs })
	select {
	case txs := <-out:
		return txs, nil
	case <-ctx.Done():
		cancel()
		select {
		case txs := <-out:
			return txs, nil
		default:
			return nil, ctx.Err()
		}
	}
}
