package purchase

import (
	"context"
	"log/slog"

	"github.com/jcmexdev/iap-proxy/internal/ledger"
)

// Step is a single unit of work in a purchase flow. Purchases have nothing to
// roll back: a failed step ends the flow.
type Step interface {
	Name() string
	Execute(ctx context.Context) error
}

// Orchestrator runs steps in order and appends every transition to the
// purchase log under one operation id. A nil repository disables logging.
type Orchestrator struct {
	id     string
	repo   ledger.Repository
	logger *slog.Logger

	// onStep runs before each step executes.
	onStep func(Step)
}

func NewOrchestrator(id string, repo ledger.Repository, logger *slog.Logger, onStep func(Step)) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{id: id, repo: repo, logger: logger, onStep: onStep}
}

// Begin records the flow's input.
func (o *Orchestrator) Begin(ctx context.Context, payload string) {
	o.save(ctx, ledger.NewEntry(ctx, o.id, ledger.StatusStarted, "", payload, nil))
}

// Run executes steps sequentially and stops at the first failure, which is
// recorded and returned.
func (o *Orchestrator) Run(ctx context.Context, steps ...Step) error {
	for _, step := range steps {
		if o.onStep != nil {
			o.onStep(step)
		}

		o.logger.DebugContext(ctx, "executing step", "flow_id", o.id, "step", step.Name())
		if err := step.Execute(ctx); err != nil {
			o.logger.WarnContext(ctx, "step failed", "flow_id", o.id, "step", step.Name(), "error", err)
			o.save(ctx, ledger.NewEntry(ctx, o.id, ledger.StatusFailed, step.Name(), "", []string{step.Name() + " failed: " + err.Error()}))
			return err
		}
		o.save(ctx, ledger.NewEntry(ctx, o.id, ledger.StatusStepDone, step.Name(), "", nil))
	}
	return nil
}

// Complete records a successful flow.
func (o *Orchestrator) Complete(ctx context.Context, lastStep string) {
	o.logger.InfoContext(ctx, "purchase flow completed", "flow_id", o.id)
	o.save(ctx, ledger.NewEntry(ctx, o.id, ledger.StatusCompleted, lastStep, "", nil))
}

func (o *Orchestrator) save(ctx context.Context, entry *ledger.Entry) {
	if o.repo == nil {
		return
	}
	if err := o.repo.Save(ctx, entry); err != nil {
		o.logger.ErrorContext(ctx, "failed to write purchase log", "flow_id", o.id, "status", entry.Status, "error", err)
	}
}
