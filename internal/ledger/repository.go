package ledger

import (
	"context"
	"errors"
)

// ErrNotFound is returned by GetLatest when no entry exists for an operation.
var ErrNotFound = errors.New("ledger: operation not found")

// Repository persists log entries. Save appends; it never updates a row.
type Repository interface {
	Save(ctx context.Context, entry *Entry) error
	GetLatest(ctx context.Context, operationID string) (*Entry, error)
}
