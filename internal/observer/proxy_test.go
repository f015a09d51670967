package observer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/iap-proxy/internal/ledger"
	"github.com/jcmexdev/iap-proxy/internal/storekit"
	"github.com/jcmexdev/iap-proxy/internal/storekit/sandbox"
)

const wait = 2 * time.Second

// fakeQueue records what the proxy sends and lets tests deliver events by hand.
type fakeQueue struct {
	mu        sync.Mutex
	observers []storekit.TransactionObserver
	finished  map[string]int
	calls     int
	payments  chan storekit.Payment
	restores  chan struct{}
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		finished: make(map[string]int),
		payments: make(chan storekit.Payment, 16),
		restores: make(chan struct{}, 16),
	}
}

func (q *fakeQueue) AddObserver(o storekit.TransactionObserver) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observers = append(q.observers, o)
}

func (q *fakeQueue) RemoveObserver(o storekit.TransactionObserver) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, existing := range q.observers {
		if existing == o {
			q.observers = append(q.observers[:i], q.observers[i+1:]...)
			return
		}
	}
}

func (q *fakeQueue) Add(p storekit.Payment)         { q.payments <- p }
func (q *fakeQueue) RestoreCompletedTransactions() { q.restores <- struct{}{} }
func (q *fakeQueue) CanMakePayments() bool         { return true }

func (q *fakeQueue) FinishTransaction(t *storekit.Transaction) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.finished[t.ID]++
	q.calls++
}

func (q *fakeQueue) finishCalls() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls
}

func (q *fakeQueue) finishCount(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finished[id]
}

func (q *fakeQueue) observerCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.observers)
}

func receivePayment(t *testing.T, q *fakeQueue) storekit.Payment {
	t.Helper()
	select {
	case p := <-q.payments:
		return p
	case <-time.After(wait):
		t.Fatal("payment was never submitted")
		return storekit.Payment{}
	}
}

func receiveRestore(t *testing.T, q *fakeQueue) {
	t.Helper()
	select {
	case <-q.restores:
	case <-time.After(wait):
		t.Fatal("restore was never requested")
	}
}

func tx(id string, state storekit.TransactionState, p storekit.Payment) *storekit.Transaction {
	return &storekit.Transaction{ID: id, Payment: p, State: state, Date: time.Now().UTC()}
}

var coins = storekit.Product{ID: "com.app.coins100", Title: "100 Coins", Price: 0.99, CurrencyCode: "USD"}

func TestPurchase_SuccessRoutesByRequestID(t *testing.T) {
	q := newFakeQueue()
	p := New(q)

	var progress []storekit.TransactionState
	outcomes := make(chan PurchaseOutcome, 1)
	id := p.Purchase(context.Background(), coins, 1, "player-7", PurchaseHandlers{
		Progress:   func(t *storekit.Transaction) { progress = append(progress, t.State) },
		Completion: func(o PurchaseOutcome) { outcomes <- o },
	})

	payment := receivePayment(t, q)
	assert.Equal(t, id, payment.RequestID)
	assert.Equal(t, "player-7", payment.ApplicationUsername)
	assert.Equal(t, coins.ID, payment.ProductID)

	p.UpdatedTransactions([]*storekit.Transaction{tx("t1", storekit.StatePurchasing, payment)})
	assert.Equal(t, 1, p.Pending())
	assert.Zero(t, q.finishCount("t1"))

	p.UpdatedTransactions([]*storekit.Transaction{tx("t1", storekit.StatePurchased, payment)})

	o := <-outcomes
	require.NoError(t, o.Err)
	assert.Equal(t, id, o.RequestID)
	assert.Equal(t, "t1", o.Transaction.ID)
	assert.Equal(t, []storekit.TransactionState{storekit.StatePurchasing}, progress)
	assert.Equal(t, 1, q.finishCount("t1"))
	assert.Zero(t, p.Pending())
	assert.Empty(t, p.Orphans())
}

func TestPurchase_QuantityNormalised(t *testing.T) {
	q := newFakeQueue()
	p := New(q)

	p.Purchase(context.Background(), coins, 0, "", PurchaseHandlers{})

	assert.Equal(t, 1, receivePayment(t, q).Quantity)
}

func TestPurchase_FailureWrapsQueueError(t *testing.T) {
	q := newFakeQueue()
	p := New(q)

	outcomes := make(chan PurchaseOutcome, 2)
	handlers := PurchaseHandlers{Completion: func(o PurchaseOutcome) { outcomes <- o }}

	p.Purchase(context.Background(), coins, 1, "", handlers)
	declined := receivePayment(t, q)
	p.Purchase(context.Background(), coins, 1, "", handlers)
	silent := receivePayment(t, q)

	cardDeclined := errors.New("card declined")
	failed := tx("t1", storekit.StateFailed, declined)
	failed.Err = cardDeclined
	p.UpdatedTransactions([]*storekit.Transaction{failed, tx("t2", storekit.StateFailed, silent)})

	first, second := <-outcomes, <-outcomes

	var perr *PurchaseError
	require.ErrorAs(t, first.Err, &perr)
	assert.Equal(t, coins.ID, perr.ProductID)
	assert.ErrorIs(t, first.Err, cardDeclined)
	assert.ErrorIs(t, second.Err, ErrTransactionFailed)

	assert.Equal(t, 1, q.finishCount("t1"))
	assert.Equal(t, 1, q.finishCount("t2"))
	assert.Empty(t, p.UnclaimedFailures())
}

func TestUpdatedTransactions_AcknowledgesOnce(t *testing.T) {
	q := newFakeQueue()
	p := New(q)

	completions := 0
	p.Purchase(context.Background(), coins, 1, "", PurchaseHandlers{Completion: func(PurchaseOutcome) { completions++ }})
	payment := receivePayment(t, q)

	purchased := tx("t1", storekit.StatePurchased, payment)
	p.UpdatedTransactions([]*storekit.Transaction{purchased})
	p.UpdatedTransactions([]*storekit.Transaction{purchased})
	p.FinishTransaction(purchased)

	assert.Equal(t, 1, completions)
	assert.Equal(t, 1, q.finishCount("t1"))

	p.RemovedTransactions([]*storekit.Transaction{purchased})
	p.FinishTransaction(purchased)
	assert.Equal(t, 1, q.finishCount("t1"))
}

func TestUpdatedTransactions_ExactlyOnceAcknowledgment(t *testing.T) {
	payment := storekit.Payment{ProductID: coins.ID, Quantity: 1}

	tests := []struct {
		name      string
		run       func(p *Proxy)
		wantCalls int
	}{
		{
			name: "terminal transactions without ids",
			run: func(p *Proxy) {
				p.UpdatedTransactions([]*storekit.Transaction{
					tx("", storekit.StateFailed, payment),
					tx("", storekit.StateFailed, payment),
				})
				p.UpdatedTransactions([]*storekit.Transaction{tx("", storekit.StatePurchased, payment)})
			},
			wantCalls: 3,
		},
		{
			name: "same transaction without id delivered twice",
			run: func(p *Proxy) {
				failed := tx("", storekit.StateFailed, payment)
				p.UpdatedTransactions([]*storekit.Transaction{failed})
				p.UpdatedTransactions([]*storekit.Transaction{failed})
			},
			wantCalls: 1,
		},
		{
			name: "manual finish after dispatch",
			run: func(p *Proxy) {
				purchased := tx("t1", storekit.StatePurchased, payment)
				p.UpdatedTransactions([]*storekit.Transaction{purchased})
				p.FinishTransaction(purchased)
			},
			wantCalls: 1,
		},
		{
			name: "redelivery after removal",
			run: func(p *Proxy) {
				purchased := tx("t1", storekit.StatePurchased, payment)
				p.UpdatedTransactions([]*storekit.Transaction{purchased})
				p.RemovedTransactions([]*storekit.Transaction{purchased})
				p.UpdatedTransactions([]*storekit.Transaction{purchased})
				p.UpdatedTransactions([]*storekit.Transaction{tx("t1", storekit.StatePurchased, payment)})
				p.FinishTransaction(purchased)
			},
			wantCalls: 1,
		},
		{
			name: "non-terminal states are never acknowledged",
			run: func(p *Proxy) {
				p.UpdatedTransactions([]*storekit.Transaction{
					tx("p1", storekit.StatePurchasing, payment),
					tx("d1", storekit.StateDeferred, payment),
				})
			},
			wantCalls: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newFakeQueue()
			p := New(q)

			tt.run(p)

			assert.Equal(t, tt.wantCalls, q.finishCalls())
		})
	}
}

func TestAckSet_ForgetsOldestWhenFull(t *testing.T) {
	s := newAckSet(2)
	first := &storekit.Transaction{ID: "a"}
	second := &storekit.Transaction{}
	third := &storekit.Transaction{ID: "c"}

	assert.True(t, s.mark(first))
	assert.True(t, s.mark(second))
	assert.False(t, s.mark(&storekit.Transaction{ID: "a"}))
	assert.True(t, s.mark(third))

	assert.Len(t, s.order, 2)
	assert.NotContains(t, s.ids, "a")
	assert.False(t, s.mark(second))
	assert.False(t, s.mark(third))
}

func TestForceFinish_CancelKeepsOrphans(t *testing.T) {
	q := newFakeQueue()
	p := New(q)

	called := false
	cancel := p.ForceFinishPendingTransactions(func([]*storekit.Transaction) { called = true })
	cancel()

	p.UpdatedTransactions([]*storekit.Transaction{tx("old-1", storekit.StatePurchased, storekit.Payment{ProductID: coins.ID})})
	assert.False(t, called)
	require.Len(t, p.Orphans(), 1)

	var got []*storekit.Transaction
	p.ForceFinishPendingTransactions(func(txs []*storekit.Transaction) { got = txs })
	p.UpdatedTransactions(nil)
	require.Len(t, got, 1)
	assert.Equal(t, "old-1", got[0].ID)

	// A stale cancel does not withdraw a newer request.
	var again []*storekit.Transaction
	p.ForceFinishPendingTransactions(func(txs []*storekit.Transaction) { again = txs })
	cancel()
	p.UpdatedTransactions(nil)
	assert.NotNil(t, again)
}

func TestUpdatedTransactions_OrphansAndDeferredForceFinish(t *testing.T) {
	q := newFakeQueue()
	p := New(q)

	resumed := tx("old-1", storekit.StatePurchased, storekit.Payment{ProductID: coins.ID, Quantity: 1, RequestID: "from-a-previous-run"})
	restored := tx("old-2", storekit.StateRestored, storekit.Payment{ProductID: "com.app.pro", Quantity: 1})
	p.UpdatedTransactions([]*storekit.Transaction{resumed, restored})

	require.Len(t, p.Orphans(), 2)
	assert.Equal(t, 1, q.finishCount("old-1"))
	assert.Equal(t, 1, q.finishCount("old-2"))

	var delivered [][]*storekit.Transaction
	p.ForceFinishPendingTransactions(func(txs []*storekit.Transaction) { delivered = append(delivered, txs) })
	assert.Empty(t, delivered, "delivery waits for the next batch")

	p.UpdatedTransactions(nil)

	require.Len(t, delivered, 1)
	require.Len(t, delivered[0], 2)
	assert.Equal(t, "old-1", delivered[0][0].ID)
	assert.Equal(t, "old-2", delivered[0][1].ID)
	assert.Empty(t, p.Orphans())

	p.UpdatedTransactions(nil)
	assert.Len(t, delivered, 1, "callback is cleared after delivery")
}

func TestForceFinish_Immediate(t *testing.T) {
	q := newFakeQueue()
	p := New(q, WithImmediateForceFinish())

	p.UpdatedTransactions([]*storekit.Transaction{tx("old-1", storekit.StatePurchased, storekit.Payment{ProductID: coins.ID})})

	var got []*storekit.Transaction
	p.ForceFinishPendingTransactions(func(txs []*storekit.Transaction) { got = txs })
	require.Len(t, got, 1)
	assert.Empty(t, p.Orphans())

	// Without orphans the request still waits for a batch.
	got = nil
	p.ForceFinishPendingTransactions(func(txs []*storekit.Transaction) { got = txs })
	assert.Nil(t, got)
	p.UpdatedTransactions(nil)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestRestore_DeliversInOrder(t *testing.T) {
	q := newFakeQueue()
	p := New(q)

	outcomes := make(chan RestoreOutcome, 2)
	p.RestoreCompletedTransactions(context.Background(), func(o RestoreOutcome) { outcomes <- o })
	receiveRestore(t, q)

	batch := []*storekit.Transaction{
		tx("r1", storekit.StateRestored, storekit.Payment{ProductID: "a"}),
		tx("r2", storekit.StateRestored, storekit.Payment{ProductID: "b"}),
	}
	p.UpdatedTransactions(batch)
	p.UpdatedTransactions([]*storekit.Transaction{tx("r3", storekit.StateRestored, storekit.Payment{ProductID: "c"})})
	p.RestoreCompletedTransactionsFinished()

	o := <-outcomes
	require.NoError(t, o.Err)
	require.Len(t, o.Transactions, 3)
	for i, id := range []string{"r1", "r2", "r3"} {
		assert.Equal(t, id, o.Transactions[i].ID)
		assert.Equal(t, 1, q.finishCount(id))
	}
	assert.Empty(t, p.Orphans())

	// The session is gone: a late signal or restored transaction goes nowhere.
	p.RestoreCompletedTransactionsFinished()
	p.UpdatedTransactions([]*storekit.Transaction{tx("r4", storekit.StateRestored, storekit.Payment{ProductID: "d"})})
	assert.Len(t, outcomes, 0)
	assert.Len(t, p.Orphans(), 1)
}

func TestRestore_EmptySession(t *testing.T) {
	q := newFakeQueue()
	p := New(q)

	var got RestoreOutcome
	p.RestoreCompletedTransactions(context.Background(), func(o RestoreOutcome) { got = o })
	receiveRestore(t, q)
	p.RestoreCompletedTransactionsFinished()

	assert.NoError(t, got.Err)
	assert.NotNil(t, got.Transactions)
	assert.Empty(t, got.Transactions)
}

func TestRestore_SecondRequestAbandonsFirst(t *testing.T) {
	q := newFakeQueue()
	p := New(q)

	firstCalls, secondCalls := 0, 0
	p.RestoreCompletedTransactions(context.Background(), func(RestoreOutcome) { firstCalls++ })
	p.RestoreCompletedTransactions(context.Background(), func(RestoreOutcome) { secondCalls++ })
	receiveRestore(t, q)
	receiveRestore(t, q)

	p.UpdatedTransactions([]*storekit.Transaction{tx("r1", storekit.StateRestored, storekit.Payment{ProductID: "a"})})
	p.RestoreCompletedTransactionsFinished()
	p.RestoreCompletedTransactionsFinished()

	assert.Zero(t, firstCalls)
	assert.Equal(t, 1, secondCalls)
}

func TestRestore_Failed(t *testing.T) {
	q := newFakeQueue()
	p := New(q)

	var got RestoreOutcome
	p.RestoreCompletedTransactions(context.Background(), func(o RestoreOutcome) { got = o })
	receiveRestore(t, q)

	p.UpdatedTransactions([]*storekit.Transaction{tx("r1", storekit.StateRestored, storekit.Payment{ProductID: "a"})})
	offline := errors.New("offline")
	p.RestoreCompletedTransactionsFailed(offline)

	var rerr *RestoreError
	require.ErrorAs(t, got.Err, &rerr)
	assert.ErrorIs(t, got.Err, offline)
	assert.Empty(t, got.Transactions)
	assert.Equal(t, 1, q.finishCount("r1"))
}

func TestFailedTransaction_DuringRestoreAndUnclaimed(t *testing.T) {
	q := newFakeQueue()
	p := New(q)

	stray := tx("f1", storekit.StateFailed, storekit.Payment{ProductID: "a"})
	p.UpdatedTransactions([]*storekit.Transaction{stray})
	require.Len(t, p.UnclaimedFailures(), 1)
	assert.Equal(t, 1, q.finishCount("f1"))

	var got RestoreOutcome
	p.RestoreCompletedTransactions(context.Background(), func(o RestoreOutcome) { got = o })
	receiveRestore(t, q)

	p.UpdatedTransactions([]*storekit.Transaction{
		tx("r1", storekit.StateRestored, storekit.Payment{ProductID: "b"}),
		tx("f2", storekit.StateFailed, storekit.Payment{ProductID: "c"}),
	})
	p.RestoreCompletedTransactionsFinished()

	require.Len(t, got.Transactions, 1)
	require.Len(t, got.Failed, 1)
	assert.Equal(t, "f2", got.Failed[0].ID)
	assert.Len(t, p.UnclaimedFailures(), 1)
	assert.Equal(t, 1, q.finishCount("f2"))
}

func TestRemovedTransactions_CompletesPendingPurchase(t *testing.T) {
	q := newFakeQueue()
	p := New(q)

	outcomes := make(chan PurchaseOutcome, 2)
	p.Purchase(context.Background(), coins, 1, "", PurchaseHandlers{Completion: func(o PurchaseOutcome) { outcomes <- o }})
	payment := receivePayment(t, q)

	removed := tx("t1", storekit.StatePurchasing, payment)
	p.RemovedTransactions([]*storekit.Transaction{removed})
	p.RemovedTransactions([]*storekit.Transaction{removed})

	o := <-outcomes
	assert.ErrorIs(t, o.Err, ErrTransactionRemoved)
	assert.Len(t, outcomes, 0)
	assert.Zero(t, p.Pending())
}

func TestCallbacksMayReenterProxy(t *testing.T) {
	q := newFakeQueue()
	p := New(q)

	done := make(chan int, 1)
	p.Purchase(context.Background(), coins, 1, "", PurchaseHandlers{
		Completion: func(o PurchaseOutcome) {
			p.FinishTransaction(o.Transaction)
			done <- p.Pending()
		},
	})
	payment := receivePayment(t, q)
	p.UpdatedTransactions([]*storekit.Transaction{tx("t1", storekit.StatePurchased, payment)})

	assert.Zero(t, <-done)
	assert.Equal(t, 1, q.finishCount("t1"))
}

func TestJournalRecordsAcknowledgments(t *testing.T) {
	q := newFakeQueue()
	journal := ledger.NewMemoryRepository()
	p := New(q, WithJournal(journal))

	id := p.Purchase(context.Background(), coins, 1, "", PurchaseHandlers{})
	payment := receivePayment(t, q)
	p.UpdatedTransactions([]*storekit.Transaction{
		tx("t1", storekit.StatePurchased, payment),
		tx("orphan", storekit.StateRestored, storekit.Payment{ProductID: "a"}),
	})

	entry, err := journal.GetLatest(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFinished, entry.Status)
	assert.Contains(t, entry.Payload, `"state":"purchased"`)

	entry, err = journal.GetLatest(context.Background(), "orphan")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFinished, entry.Status)
}

func TestClose_Unsubscribes(t *testing.T) {
	q := newFakeQueue()
	p := New(q)
	require.Equal(t, 1, q.observerCount())

	p.Close()
	assert.Zero(t, q.observerCount())
}

func TestSandbox_CoinsPurchase(t *testing.T) {
	catalog := sandbox.NewCatalog(coins)
	q := sandbox.NewQueue(catalog)
	p := New(q)
	defer p.Close()

	outcomes := make(chan PurchaseOutcome, 1)
	p.Purchase(context.Background(), coins, 1, "", PurchaseHandlers{Completion: func(o PurchaseOutcome) { outcomes <- o }})

	var o PurchaseOutcome
	select {
	case o = <-outcomes:
	case <-time.After(wait):
		t.Fatal("purchase never completed")
	}
	require.NoError(t, o.Err)
	assert.Equal(t, storekit.StatePurchased, o.Transaction.State)
	assert.Eventually(t, func() bool { return q.Finished(o.Transaction.ID) == 1 }, wait, 5*time.Millisecond)
}

func TestSandbox_ConcurrentPurchasesDoNotInterfere(t *testing.T) {
	const n = 20

	products := make([]storekit.Product, n)
	for i := range products {
		products[i] = storekit.Product{ID: fmt.Sprintf("com.app.item%d", i), Title: "item"}
	}
	catalog := sandbox.NewCatalog(products...)
	catalog.MarkFailing("com.app.item0")
	q := sandbox.NewQueue(catalog)
	p := New(q)
	defer p.Close()

	type result struct {
		want string
		got  PurchaseOutcome
	}
	results := make(chan result, n)

	var wg sync.WaitGroup
	for _, product := range products {
		wg.Add(1)
		go func(product storekit.Product) {
			defer wg.Done()
			p.Purchase(context.Background(), product, 1, "", PurchaseHandlers{
				Completion: func(o PurchaseOutcome) { results <- result{want: product.ID, got: o} },
			})
		}(product)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		select {
		case r := <-results:
			assert.Equal(t, r.want, r.got.Transaction.Payment.ProductID)
			if r.want == "com.app.item0" {
				assert.Error(t, r.got.Err)
			} else {
				assert.NoError(t, r.got.Err)
			}
			id := r.got.Transaction.ID
			assert.Eventually(t, func() bool { return q.Finished(id) == 1 }, wait, 5*time.Millisecond)
		case <-time.After(wait):
			t.Fatalf("only %d of %d purchases completed", i, n)
		}
	}
	assert.Zero(t, p.Pending())
}
