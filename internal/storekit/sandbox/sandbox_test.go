package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/iap-proxy/internal/storekit"
)

var (
	coins = storekit.Product{ID: "coins", Title: "Coins", Price: 0.99, CurrencyCode: "USD", Kind: storekit.KindConsumable}
	pro   = storekit.Product{ID: "pro", Title: "Pro", Price: 4.99, CurrencyCode: "USD", Kind: storekit.KindNonConsumable}
)

// recorder is a TransactionObserver that keeps everything it is told.
type recorder struct {
	mu            sync.Mutex
	updated       []*storekit.Transaction
	removed       []*storekit.Transaction
	restoreDone   int
	restoreFailed []error
}

func (r *recorder) UpdatedTransactions(txs []*storekit.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, txs...)
}

func (r *recorder) RemovedTransactions(txs []*storekit.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, txs...)
}

func (r *recorder) RestoreCompletedTransactionsFinished() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restoreDone++
}

func (r *recorder) RestoreCompletedTransactionsFailed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restoreFailed = append(r.restoreFailed, err)
}

func (r *recorder) states() []storekit.TransactionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]storekit.TransactionState, len(r.updated))
	for i, t := range r.updated {
		out[i] = t.State
	}
	return out
}

func TestParseCatalog(t *testing.T) {
	c, err := ParseCatalog([]byte(`
products:
  - id: coins
    title: Coins
    price: 0.99
  - id: pro
    title: Pro
    price: 4.99
    currency_code: EUR
    kind: non_consumable
  - id: broken
    fail: true
max_quantity: 3
fail_restore: true
`))
	require.NoError(t, err)

	p, ok := c.Product("coins")
	require.True(t, ok)
	assert.Equal(t, "USD", p.CurrencyCode)
	assert.Equal(t, storekit.KindConsumable, p.Kind)

	p, ok = c.Product("pro")
	require.True(t, ok)
	assert.Equal(t, "EUR", p.CurrencyCode)
	assert.True(t, p.Restorable())

	assert.True(t, c.shouldFail("broken"))
	assert.True(t, c.shouldFail("missing"))
	assert.False(t, c.shouldFail("coins"))

	q := NewQueue(c)
	assert.Equal(t, 3, q.maxQuantity)
	assert.ErrorIs(t, q.restoreErr, ErrRestoreUnavailable)
}

func TestParseCatalog_Errors(t *testing.T) {
	_, err := ParseCatalog([]byte("products:\n  - title: nameless\n"))
	assert.Error(t, err)

	_, err = ParseCatalog([]byte("products: ["))
	assert.Error(t, err)
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("products:\n  - id: coins\n"), 0o600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	_, ok := c.Product("coins")
	assert.True(t, ok)

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestCatalog_RequestProducts(t *testing.T) {
	c := NewCatalog(coins, pro)

	done := make(chan storekit.ProductsResponse, 1)
	c.RequestProducts([]string{"coins", "nope"}, func(resp storekit.ProductsResponse, err error) {
		assert.NoError(t, err)
		done <- resp
	})
	resp := <-done

	require.Len(t, resp.Products, 1)
	assert.Equal(t, "coins", resp.Products[0].ID)
	assert.Equal(t, []string{"nope"}, resp.InvalidIdentifiers)
	assert.Equal(t, 1, c.Requests())

	c.SetLookupError(errors.New("offline"))
	errCh := make(chan error, 1)
	c.RequestProducts([]string{"coins"}, func(_ storekit.ProductsResponse, err error) { errCh <- err })
	assert.EqualError(t, <-errCh, "offline")
}

func TestQueue_PurchaseLifecycle(t *testing.T) {
	q := NewQueue(NewCatalog(coins))
	rec := &recorder{}
	q.AddObserver(rec)

	q.Add(storekit.Payment{ProductID: "coins", Quantity: 1, RequestID: "r1"})
	q.Wait()

	assert.Equal(t, []storekit.TransactionState{storekit.StatePurchasing, storekit.StatePurchased}, rec.states())
	final := rec.updated[1]
	assert.Equal(t, "r1", final.Payment.RequestID)
	assert.Len(t, q.Payments(), 1)

	q.FinishTransaction(final)
	q.Wait()
	assert.Equal(t, 1, q.Finished(final.ID))
	require.Len(t, rec.removed, 1)
	assert.Equal(t, final.ID, rec.removed[0].ID)
	assert.Equal(t, 0, q.Resume())
}

func TestQueue_Failures(t *testing.T) {
	c := NewCatalog(coins)
	q := NewQueue(c, WithMaxQuantity(2))
	rec := &recorder{}
	q.AddObserver(rec)

	q.Add(storekit.Payment{ProductID: "coins", Quantity: 3})
	q.Wait()
	q.Add(storekit.Payment{ProductID: "missing", Quantity: 1})
	q.Wait()

	states := rec.states()
	require.Len(t, states, 4)
	assert.Equal(t, storekit.StateFailed, states[1])
	assert.Equal(t, storekit.StateFailed, states[3])
	assert.Error(t, rec.updated[1].Err)
}

func TestQueue_Restore(t *testing.T) {
	q := NewQueue(NewCatalog(coins, pro))
	rec := &recorder{}
	q.AddObserver(rec)

	q.Add(storekit.Payment{ProductID: "coins", Quantity: 1})
	q.Add(storekit.Payment{ProductID: "pro", Quantity: 1, RequestID: "r-pro"})
	q.Wait()

	q.RestoreCompletedTransactions()
	q.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.restoreDone)
	restored := rec.updated[len(rec.updated)-1]
	assert.Equal(t, storekit.StateRestored, restored.State)
	assert.Equal(t, "pro", restored.Payment.ProductID)
	assert.Empty(t, restored.Payment.RequestID)
	assert.NotEmpty(t, restored.OriginalID)
}

func TestQueue_FailingRestore(t *testing.T) {
	boom := errors.New("not signed in")
	q := NewQueue(NewCatalog(pro), WithFailingRestore(boom))
	rec := &recorder{}
	q.AddObserver(rec)

	q.RestoreCompletedTransactions()
	q.Wait()

	assert.Equal(t, []error{boom}, rec.restoreFailed)
	assert.Zero(t, rec.restoreDone)
}

func TestQueue_ResumeRedeliversUnfinished(t *testing.T) {
	q := NewQueue(NewCatalog(coins))
	rec := &recorder{}
	q.AddObserver(rec)

	q.Add(storekit.Payment{ProductID: "coins", Quantity: 1})
	q.Wait()

	assert.Equal(t, 1, q.Resume())
	q.Wait()
	states := rec.states()
	assert.Equal(t, storekit.StatePurchased, states[len(states)-1])
}

func TestQueue_RemoveObserverAndPaymentsDisabled(t *testing.T) {
	q := NewQueue(NewCatalog(coins), WithPaymentsDisabled())
	rec := &recorder{}
	q.AddObserver(rec)
	q.RemoveObserver(rec)

	assert.False(t, q.CanMakePayments())

	q.Inject(&storekit.Transaction{ID: "x", State: storekit.StatePurchased})
	assert.Empty(t, rec.states())
	assert.Equal(t, 1, q.Resume())
	q.Wait()
}

func TestCatalog_RefreshReceipt(t *testing.T) {
	c := NewCatalog()
	errCh := make(chan error, 1)
	c.RefreshReceipt(nil, func(err error) { errCh <- err })
	assert.NoError(t, <-errCh)

	c.SetRefreshError(errors.New("cancelled"))
	c.RefreshReceipt(nil, func(err error) { errCh <- err })
	assert.EqualError(t, <-errCh, "cancelled")
}
