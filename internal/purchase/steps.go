package purchase

import (
	"context"
	"errors"
	"fmt"

	"github.com/jcmexdev/iap-proxy/internal/observer"
	"github.com/jcmexdev/iap-proxy/internal/query"
	"github.com/jcmexdev/iap-proxy/internal/storekit"
)

var (
	ErrUnknownFatal             = errors.New("purchase: unknown fatal error")
	ErrPaymentNotAllowed        = errors.New("purchase: payments are not allowed")
	ErrProductQueryFailed       = errors.New("purchase: product query failed")
	ErrEmptyProductIdentifier   = errors.New("purchase: empty product identifier")
	ErrInvalidProductIdentifier = errors.New("purchase: invalid product identifier")
)

// Querier resolves product identifiers.
type Querier interface {
	Query(ctx context.Context, ids []string, done func(query.Result))
}

// Submitter hands a resolved product to the payment queue.
type Submitter interface {
	Purchase(ctx context.Context, product storekit.Product, quantity int, applicationUsername string, handlers observer.PurchaseHandlers) string
}

type PermissionChecker interface {
	CanMakePayments() bool
}

// --- ValidateIdentifierStep ---

type ValidateIdentifierStep struct {
	productID   string
	permissions PermissionChecker
}

func NewValidateIdentifierStep(productID string, permissions PermissionChecker) *ValidateIdentifierStep {
	return &ValidateIdentifierStep{productID: productID, permissions: permissions}
}

func (s *ValidateIdentifierStep) Name() string { return "Validate_Identifier_Step" }
func (s *ValidateIdentifierStep) State() State { return StateValidatingIdentifier }

func (s *ValidateIdentifierStep) Execute(context.Context) error {
	if s.productID == "" {
		return ErrEmptyProductIdentifier
	}
	if s.permissions != nil && !s.permissions.CanMakePayments() {
		return ErrPaymentNotAllowed
	}
	return nil
}

// --- QueryProductStep ---

type QueryProductStep struct {
	querier   Querier
	productID string
	product   storekit.Product
}

func NewQueryProductStep(querier Querier, productID string) *QueryProductStep {
	return &QueryProductStep{querier: querier, productID: productID}
}

func (s *QueryProductStep) Name() string { return "Query_Product_Step" }
func (s *QueryProductStep) State() State { return StateQueryingProduct }

func (s *QueryProductStep) Execute(ctx context.Context) error {
	results := make(chan query.Result, 1)
	s.querier.Query(ctx, []string{s.productID}, func(r query.Result) { results <- r })

	var r query.Result
	select {
	case r = <-results:
	case <-ctx.Done():
		return ctx.Err()
	}

	switch {
	case r.Err != nil:
		return fmt.Errorf("%w: %w", ErrProductQueryFailed, r.Err)
	case len(r.InvalidIdentifiers) > 0:
		return fmt.Errorf("%w: %s", ErrInvalidProductIdentifier, s.productID)
	case len(r.Products) == 0:
		return ErrUnknownFatal
	}
	s.product = r.Products[0]
	return nil
}

// --- SubmitPaymentStep ---

type SubmitPaymentStep struct {
	submitter           Submitter
	product             *QueryProductStep
	quantity            int
	applicationUsername string
	progress            func(*storekit.Transaction)

	requestID   string
	transaction *storekit.Transaction
}

// NewSubmitPaymentStep submits the product resolved by product once it has run.
func NewSubmitPaymentStep(submitter Submitter, product *QueryProductStep, quantity int, applicationUsername string, progress func(*storekit.Transaction)) *SubmitPaymentStep {
	return &SubmitPaymentStep{
		submitter:           submitter,
		product:             product,
		quantity:            quantity,
		applicationUsername: applicationUsername,
		progress:            progress,
	}
}

func (s *SubmitPaymentStep) Name() string { return "Submit_Payment_Step" }
func (s *SubmitPaymentStep) State() State { return StateSubmittingPayment }

func (s *SubmitPaymentStep) Execute(ctx context.Context) error {
	outcomes := make(chan observer.PurchaseOutcome, 1)
	s.requestID = s.submitter.Purchase(ctx, s.product.product, s.quantity, s.applicationUsername, observer.PurchaseHandlers{
		Progress:   s.progress,
		Completion: func(o observer.PurchaseOutcome) { outcomes <- o },
	})

	select {
	case o := <-outcomes:
		s.transaction = o.Transaction
		return o.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}
