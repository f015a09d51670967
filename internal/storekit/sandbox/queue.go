package sandbox

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jcmexdev/iap-proxy/internal/storekit"
)

const defaultMaxQuantity = 10

// ErrRestoreUnavailable is delivered to observers when restore is disabled.
var ErrRestoreUnavailable = errors.New("sandbox: restore completed transactions unavailable")

type QueueOption func(*Queue)

// WithPaymentsDisabled makes CanMakePayments report false.
func WithPaymentsDisabled() QueueOption {
	return func(q *Queue) { q.canPay = false }
}

// WithFailingRestore makes every restore end with err.
func WithFailingRestore(err error) QueueOption {
	return func(q *Queue) { q.restoreErr = err }
}

func WithMaxQuantity(n int) QueueOption {
	return func(q *Queue) { q.maxQuantity = n }
}

// Queue is the sandbox payment queue. Each payment goes through
// purchasing and then one terminal state, delivered on a background
// goroutine. Purchased restorable products are remembered for restores.
type Queue struct {
	catalog *Catalog

	mu          sync.Mutex
	observers   []storekit.TransactionObserver
	payments    []storekit.Payment
	open        map[string]*storekit.Transaction
	finished    map[string]int
	owned       []*storekit.Transaction
	canPay      bool
	restoreErr  error
	maxQuantity int

	wg sync.WaitGroup
}

var _ storekit.PaymentQueue = (*Queue)(nil)

func NewQueue(catalog *Catalog, opts ...QueueOption) *Queue {
	q := &Queue{
		catalog:     catalog,
		open:        make(map[string]*storekit.Transaction),
		finished:    make(map[string]int),
		canPay:      true,
		maxQuantity: catalog.maxQuantity,
	}
	if catalog.failRestore {
		q.restoreErr = ErrRestoreUnavailable
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.maxQuantity <= 0 {
		q.maxQuantity = defaultMaxQuantity
	}
	return q
}

func (q *Queue) AddObserver(o storekit.TransactionObserver) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observers = append(q.observers, o)
}

func (q *Queue) RemoveObserver(o storekit.TransactionObserver) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, existing := range q.observers {
		if existing == o {
			q.observers = append(q.observers[:i], q.observers[i+1:]...)
			return
		}
	}
}

func (q *Queue) CanMakePayments() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.canPay
}

func (q *Queue) Add(p storekit.Payment) {
	q.mu.Lock()
	q.payments = append(q.payments, p)
	q.mu.Unlock()

	id := uuid.NewString()
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()

		q.updated(&storekit.Transaction{ID: id, Payment: p, State: storekit.StatePurchasing, Date: time.Now().UTC()})

		final := &storekit.Transaction{ID: id, Payment: p, State: storekit.StatePurchased, Date: time.Now().UTC()}
		switch {
		case q.catalog.shouldFail(p.ProductID):
			final.State = storekit.StateFailed
			final.Err = fmt.Errorf("sandbox: payment declined for product %s", p.ProductID)
		case p.Quantity > q.maxQuantity:
			final.State = storekit.StateFailed
			final.Err = fmt.Errorf("sandbox: quantity %d exceeds limit %d", p.Quantity, q.maxQuantity)
		}

		q.mu.Lock()
		q.open[id] = final
		if final.State == storekit.StatePurchased {
			if product, ok := q.catalog.Product(p.ProductID); ok && product.Restorable() {
				q.owned = append(q.owned, final)
			}
		}
		q.mu.Unlock()

		q.updated(final)
	}()
}

// RestoreCompletedTransactions redelivers every owned restorable product
// as a restored transaction, then signals completion.
func (q *Queue) RestoreCompletedTransactions() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()

		q.mu.Lock()
		restoreErr := q.restoreErr
		restored := make([]*storekit.Transaction, 0, len(q.owned))
		if restoreErr == nil {
			for _, original := range q.owned {
				t := &storekit.Transaction{
					ID:         uuid.NewString(),
					OriginalID: original.ID,
					Payment:    storekit.Payment{ProductID: original.Payment.ProductID, Quantity: original.Payment.Quantity, ApplicationUsername: original.Payment.ApplicationUsername},
					State:      storekit.StateRestored,
					Date:       time.Now().UTC(),
				}
				q.open[t.ID] = t
				restored = append(restored, t)
			}
		}
		observers := q.snapshotObservers()
		q.mu.Unlock()

		if restoreErr != nil {
			for _, o := range observers {
				o.RestoreCompletedTransactionsFailed(restoreErr)
			}
			return
		}

		if len(restored) > 0 {
			q.updated(restored...)
		}
		for _, o := range observers {
			o.RestoreCompletedTransactionsFinished()
		}
	}()
}

// FinishTransaction acknowledges t and reports it removed from the queue.
func (q *Queue) FinishTransaction(t *storekit.Transaction) {
	q.mu.Lock()
	q.finished[t.ID]++
	delete(q.open, t.ID)
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for _, o := range q.observersSnapshot() {
			o.RemovedTransactions([]*storekit.Transaction{t})
		}
	}()
}

// Resume redelivers every unfinished terminal transaction in one batch, the
// way the platform does after an application relaunch.
func (q *Queue) Resume() int {
	q.mu.Lock()
	pending := make([]*storekit.Transaction, 0, len(q.open))
	for _, t := range q.open {
		pending = append(pending, t)
	}
	q.mu.Unlock()

	if len(pending) == 0 {
		return 0
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.updated(pending...)
	}()
	return len(pending)
}

// Inject delivers an arbitrary batch, for scenarios the catalog cannot
// produce on its own.
func (q *Queue) Inject(transactions ...*storekit.Transaction) {
	q.mu.Lock()
	for _, t := range transactions {
		if t.State.IsTerminal() {
			q.open[t.ID] = t
		}
	}
	q.mu.Unlock()
	q.updated(transactions...)
}

// Finished reports how many times the transaction was acknowledged.
func (q *Queue) Finished(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finished[id]
}

// Payments returns every payment submitted so far.
func (q *Queue) Payments() []storekit.Payment {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]storekit.Payment, len(q.payments))
	copy(out, q.payments)
	return out
}

// Wait blocks until every delivery in flight has been handed to the observers.
func (q *Queue) Wait() {
	q.wg.Wait()
}

func (q *Queue) updated(transactions ...*storekit.Transaction) {
	for _, o := range q.observersSnapshot() {
		o.UpdatedTransactions(transactions)
	}
}

func (q *Queue) observersSnapshot() []storekit.TransactionObserver {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotObservers()
}

// snapshotObservers must be called with q.mu held.
func (q *Queue) snapshotObservers() []storekit.TransactionObserver {
	out := make([]storekit.TransactionObserver, len(q.observers))
	copy(out, q.observers)
	return out
}
