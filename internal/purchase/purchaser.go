// Package purchase orchestrates one logical purchase: validate the product
// identifier, resolve it through the product query service, then submit it to
// the transaction observer proxy and wait for its terminal transaction.
package purchase

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jcmexdev/iap-proxy/internal/ledger"
	"github.com/jcmexdev/iap-proxy/internal/storekit"
)

type State string

const (
	StateCreated              State = "created"
	StateValidatingIdentifier State = "validating_identifier"
	StateQueryingProduct      State = "querying_product"
	StateSubmittingPayment    State = "submitting_payment"
	StatePurchased            State = "purchased"
	StateFailed               State = "failed"
)

type Request struct {
	ProductID           string `json:"product_id"`
	Quantity            int    `json:"quantity"`
	ApplicationUsername string `json:"application_username,omitempty"`
}

// Result is the single value a Flow delivers. Err is one of the package's
// sentinel errors (possibly wrapped) or the proxy's *observer.PurchaseError.
type Result struct {
	FlowID      string
	RequestID   string
	Transaction *storekit.Transaction
	State       State
	Err         error
}

// Flow is one running purchase.
type Flow struct {
	id   string
	done chan Result

	mu    sync.RWMutex
	state State
}

func (f *Flow) ID() string { return f.id }

func (f *Flow) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// Done receives exactly one Result and is never closed.
func (f *Flow) Done() <-chan Result { return f.done }

func (f *Flow) setState(s State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func (f *Flow) finish(r Result, hook func(Result)) {
	if r.Err != nil {
		r.State = StateFailed
	} else {
		r.State = StatePurchased
	}
	r.FlowID = f.id
	f.setState(r.State)
	if hook != nil {
		hook(r)
	}
	f.done <- r
}

type Option func(*Purchaser)

// WithPermissions makes every purchase fail with ErrPaymentNotAllowed while
// the checker reports that payments are disabled.
func WithPermissions(pc PermissionChecker) Option {
	return func(p *Purchaser) { p.permissions = pc }
}

func WithLedger(repo ledger.Repository) Option {
	return func(p *Purchaser) { p.repo = repo }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Purchaser) { p.logger = l }
}

// WithResultHook runs hook with every flow's result before it is delivered.
func WithResultHook(hook func(Result)) Option {
	return func(p *Purchaser) { p.onResult = hook }
}

type Purchaser struct {
	querier     Querier
	submitter   Submitter
	permissions PermissionChecker
	repo        ledger.Repository
	logger      *slog.Logger
	onResult    func(Result)
}

func NewPurchaser(querier Querier, submitter Submitter, opts ...Option) *Purchaser {
	p := &Purchaser{
		querier:   querier,
		submitter: submitter,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Purchase starts a flow for req. Validation runs before Purchase returns, so
// an empty identifier or a disabled payment queue is already on Done. The
// remaining steps run in the background and outlive ctx's cancellation.
func (p *Purchaser) Purchase(ctx context.Context, req Request, progress func(*storekit.Transaction)) *Flow {
	flow := &Flow{id: uuid.NewString(), done: make(chan Result, 1), state: StateCreated}

	ctx, span := otel.Tracer("iap-proxy/purchase").Start(ctx, "purchase.Purchase")
	span.SetAttributes(
		attribute.String("flow_id", flow.id),
		attribute.String("product_id", req.ProductID),
		attribute.Int("quantity", req.Quantity),
	)

	orch := NewOrchestrator(flow.id, p.repo, p.logger, func(s Step) {
		if st, ok := s.(interface{ State() State }); ok {
			flow.setState(st.State())
		}
	})

	payload, _ := json.Marshal(req)
	orch.Begin(ctx, string(payload))

	end := func(r Result) {
		if r.Err != nil {
			span.RecordError(r.Err)
			span.SetStatus(codes.Error, "purchase failed")
		}
		span.End()
		flow.finish(r, p.onResult)
	}

	if err := orch.Run(ctx, NewValidateIdentifierStep(req.ProductID, p.permissions)); err != nil {
		end(Result{Err: err})
		return flow
	}

	queryStep := NewQueryProductStep(p.querier, req.ProductID)
	submitStep := NewSubmitPaymentStep(p.submitter, queryStep, req.Quantity, req.ApplicationUsername, progress)

	go func(ctx context.Context) {
		err := orch.Run(ctx, queryStep, submitStep)
		if err == nil {
			orch.Complete(ctx, submitStep.Name())
		}
		end(Result{RequestID: submitStep.requestID, Transaction: submitStep.transaction, Err: err})
	}(context.WithoutCancel(ctx))

	return flow
}
