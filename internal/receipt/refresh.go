package receipt

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jcmexdev/iap-proxy/internal/storekit"
)

// Refresher asks the platform for a fresh receipt. Each refresh stays in the
// outstanding registry until the platform answers.
type Refresher struct {
	refresher storekit.ReceiptRefresher
	logger    *slog.Logger

	mu          sync.Mutex
	nextID      uint64
	outstanding map[uint64]map[string]any
}

func NewRefresher(r storekit.ReceiptRefresher, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{refresher: r, logger: logger, outstanding: make(map[uint64]map[string]any)}
}

// Refresh calls done exactly once with the platform's verdict.
func (r *Refresher) Refresh(ctx context.Context, properties map[string]any, done func(error)) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.outstanding[id] = properties
	r.mu.Unlock()

	r.refresher.RefreshReceipt(properties, func(err error) {
		r.mu.Lock()
		delete(r.outstanding, id)
		r.mu.Unlock()

		if err != nil {
			r.logger.WarnContext(ctx, "receipt refresh failed", "error", err)
		}
		done(err)
	})
}

func (r *Refresher) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outstanding)
}
