// Package sqlite is the SQLite implementation of ledger.Repository.
//
// WAL mode lets the gateway read an operation's status while purchase flows
// keep writing.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jcmexdev/iap-proxy/internal/ledger"

	// Pure-Go driver, no CGO.
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS purchase_logs (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,

    -- Purchase request id, or transaction id for unowned transactions.
    operation_id    TEXT        NOT NULL,

    status          TEXT        NOT NULL,
    current_step    TEXT        NOT NULL DEFAULT '',

    -- Written on STARTED and FINISHED rows, NULL otherwise.
    payload         TEXT,

    error_messages  TEXT        NOT NULL DEFAULT '[]',
    trace_id        TEXT        NOT NULL DEFAULT '',
    span_id         TEXT        NOT NULL DEFAULT '',

    -- RFC3339 TEXT.
    updated_at      TEXT        NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_purchase_logs_operation_id ON purchase_logs(operation_id, updated_at);
CREATE INDEX IF NOT EXISTS idx_purchase_logs_trace_id ON purchase_logs(trace_id);
`

type Repository struct {
	db *sql.DB
}

var _ ledger.Repository = (*Repository)(nil)

// Open opens (or creates) the database at path and applies the schema.
//
//	repo, err := sqlite.Open("./data/purchases.db")
func Open(path string) (*Repository, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	// One writer connection.
	db.SetMaxOpenConns(1)

	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

// Save appends entry. It is safe to call concurrently.
func (r *Repository) Save(ctx context.Context, entry *ledger.Entry) error {
	const q = `
		INSERT INTO purchase_logs
			(operation_id, status, current_step, payload, error_messages, trace_id, span_id, updated_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, q,
		entry.OperationID,
		string(entry.Status),
		entry.CurrentStep,
		nullableString(entry.Payload),
		entry.ErrorMessages,
		entry.TraceID,
		entry.SpanID,
		entry.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save purchase log for %q: %w", entry.OperationID, err)
	}
	return nil
}

// GetLatest returns the most recent entry for operationID, or an error
// wrapping ledger.ErrNotFound.
func (r *Repository) GetLatest(ctx context.Context, operationID string) (*ledger.Entry, error) {
	const q = `
		SELECT operation_id, status, current_step, COALESCE(payload,''), error_messages,
		       trace_id, span_id, updated_at
		FROM   purchase_logs
		WHERE  operation_id = ?
		ORDER  BY updated_at DESC, id DESC
		LIMIT  1`

	row := r.db.QueryRowContext(ctx, q, operationID)

	var entry ledger.Entry
	var updatedAt string
	err := row.Scan(
		&entry.OperationID,
		&entry.Status,
		&entry.CurrentStep,
		&entry.Payload,
		&entry.ErrorMessages,
		&entry.TraceID,
		&entry.SpanID,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: %w: %q", ledger.ErrNotFound, operationID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get latest for %q: %w", operationID, err)
	}

	entry.UpdatedAt, err = parseRFC3339(updatedAt)
	if err != nil {
		return nil, err
	}

	return &entry, nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return nil
}

// nullableString stores NULL for an empty payload.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
