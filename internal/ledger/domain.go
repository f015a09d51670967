// Package ledger records every state transition of a purchase flow and every
// transaction acknowledgment in an append-only log.
//
// Entries carry the OpenTelemetry trace and span ids that were active when they
// were written, so a row can be followed to the trace of the request that
// produced it.
package ledger

import "time"

// Status is the lifecycle state an entry records.
type Status string

const (
	StatusStarted   Status = "STARTED"
	StatusStepDone  Status = "STEP_DONE"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	// StatusFinished marks a transaction acknowledged with the payment queue.
	StatusFinished Status = "FINISHED"
)

// Entry is a single row of the purchase log.
type Entry struct {
	// OperationID is the purchase request id, or the transaction id for
	// transactions that belong to no purchase.
	OperationID string

	Status      Status
	CurrentStep string

	// Payload is JSON. Purchase flows write it on STARTED only.
	Payload string

	// ErrorMessages is a JSON array of error strings.
	ErrorMessages string

	TraceID   string
	SpanID    string
	UpdatedAt time.Time
}
