package ledger

import (
	"context"
	"fmt"
	"sync"
)

// MemoryRepository keeps entries in process memory. It backs the gateway when
// no ledger path is configured.
type MemoryRepository struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) Save(_ context.Context, entry *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, *entry)
	return nil
}

func (r *MemoryRepository) GetLatest(_ context.Context, operationID string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].OperationID == operationID {
			e := r.entries[i]
			return &e, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, operationID)
}

// History returns the entries of one operation in the order they were saved.
func (r *MemoryRepository) History(operationID string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for _, e := range r.entries {
		if e.OperationID == operationID {
			out = append(out, e)
		}
	}
	return out
}
