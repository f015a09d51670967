// Package query resolves product identifiers against the platform's product
// information service, answering from a local cache when it can.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jcmexdev/iap-proxy/internal/storekit"
)

var ErrEmptyIdentifiers = errors.New("query: empty product identifiers")

// QueryError wraps a failure reported by the product information service.
type QueryError struct {
	Err error
}

func (e *QueryError) Error() string { return fmt.Sprintf("query: product request failed: %v", e.Err) }
func (e *QueryError) Unwrap() error { return e.Err }

// Result is delivered exactly once per Query call. Err is either
// ErrEmptyIdentifiers or a *QueryError.
type Result struct {
	Products           []storekit.Product
	InvalidIdentifiers []string
	Err                error
}

// RefetchPolicy decides what is sent to the product information service when
// part of a request is missing from the cache.
type RefetchPolicy int

const (
	// RefetchAll re-queries the full requested set, cached identifiers included.
	RefetchAll RefetchPolicy = iota
	// RefetchMissing queries only the identifiers absent from the cache and
	// merges the cached products into the result.
	RefetchMissing
)

func ParseRefetchPolicy(s string) (RefetchPolicy, error) {
	switch s {
	case "", "all":
		return RefetchAll, nil
	case "missing":
		return RefetchMissing, nil
	default:
		return RefetchAll, fmt.Errorf("query: unknown refetch policy %q", s)
	}
}

type Option func(*Service)

func WithCache(c Cache) Option {
	return func(s *Service) { s.cache = c }
}

func WithRefetchPolicy(p RefetchPolicy) Option {
	return func(s *Service) { s.policy = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// Service is the product query service. It is safe for concurrent use.
type Service struct {
	requester storekit.ProductRequester
	cache     Cache
	policy    RefetchPolicy
	logger    *slog.Logger

	mu       sync.Mutex
	nextID   uint64
	inflight map[uint64][]string
}

func NewService(requester storekit.ProductRequester, opts ...Option) *Service {
	s := &Service{
		requester: requester,
		cache:     NewMemoryCache(),
		policy:    RefetchAll,
		logger:    slog.Default(),
		inflight:  make(map[uint64][]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Query resolves ids and calls done exactly once. done runs synchronously on
// an empty request or a full cache hit, otherwise on the goroutine the
// product information service answers on.
func (s *Service) Query(ctx context.Context, ids []string, done func(Result)) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		done(Result{Err: ErrEmptyIdentifiers})
		return
	}

	ctx, span := otel.Tracer("iap-proxy/query").Start(ctx, "query.Query")
	span.SetAttributes(attribute.StringSlice("product_ids", ids))

	cached := make([]storekit.Product, 0, len(ids))
	var missing []string
	for _, id := range ids {
		if p, ok := s.cache.Get(ctx, id); ok {
			cached = append(cached, p)
		} else {
			missing = append(missing, id)
		}
	}

	if len(missing) == 0 {
		span.SetAttributes(attribute.Bool("cache_hit", true))
		span.End()
		done(Result{Products: cached, InvalidIdentifiers: []string{}})
		return
	}

	lookup := ids
	if s.policy == RefetchMissing {
		lookup = missing
	}

	reqID := s.register(lookup)
	s.logger.DebugContext(ctx, "requesting products", "request", reqID, "product_ids", lookup, "cached", len(cached))

	s.requester.RequestProducts(lookup, func(resp storekit.ProductsResponse, err error) {
		defer span.End()
		s.unregister(reqID)

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "product request failed")
			s.logger.WarnContext(ctx, "product request failed", "request", reqID, "error", err)
			done(Result{Err: &QueryError{Err: err}})
			return
		}

		s.cache.Put(ctx, resp.Products...)
		// Products the service no longer knows leave the cache.
		s.cache.Evict(ctx, resp.InvalidIdentifiers...)

		products := resp.Products
		if s.policy == RefetchMissing {
			products = append(cached, resp.Products...)
		}
		invalid := resp.InvalidIdentifiers
		if invalid == nil {
			invalid = []string{}
		}
		done(Result{Products: products, InvalidIdentifiers: invalid})
	})
}

// InFlight reports how many product requests are still outstanding.
func (s *Service) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func (s *Service) register(ids []string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.inflight[s.nextID] = ids
	return s.nextID
}

func (s *Service) unregister(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
