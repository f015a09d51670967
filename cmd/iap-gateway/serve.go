package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jcmexdev/iap-proxy/internal/gateway/httpx"
	"github.com/jcmexdev/iap-proxy/internal/iap"
	"github.com/jcmexdev/iap-proxy/internal/ledger"
	"github.com/jcmexdev/iap-proxy/internal/ledger/sqlite"
	"github.com/jcmexdev/iap-proxy/internal/notify"
	"github.com/jcmexdev/iap-proxy/internal/observer"
	"github.com/jcmexdev/iap-proxy/internal/pkg/cache"
	"github.com/jcmexdev/iap-proxy/internal/pkg/config"
	"github.com/jcmexdev/iap-proxy/internal/pkg/telemetry"
	"github.com/jcmexdev/iap-proxy/internal/query"
	"github.com/jcmexdev/iap-proxy/internal/receipt"
	"github.com/jcmexdev/iap-proxy/internal/storekit"
	"github.com/jcmexdev/iap-proxy/internal/storekit/sandbox"
)

func serveCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway against the sandbox payment queue",
		Long: `Run the HTTP gateway.

Examples:
  iap-gateway serve --catalog catalog.yaml
  iap-gateway serve --redis-addr localhost:6379 --nats-url nats://localhost:4222 --ledger-path iap.db`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *cfg)
		},
	}
}

func runServe(parent context.Context, cfg config.Config) error {
	level, _ := telemetry.ParseLevel(cfg.LogLevel)
	logger := telemetry.InitLogger(level)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.SetupTracer(ctx, cfg.ServiceName, cfg.OTLPEndpoint, cfg.Environment)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("tracer shutdown error", "error", err)
		}
	}()

	catalog, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}
	queue := sandbox.NewQueue(catalog)

	repo, closeLedger, err := openLedger(cfg.LedgerPath)
	if err != nil {
		return err
	}
	defer closeLedger()

	policy, _ := query.ParseRefetchPolicy(cfg.QueryRefetch)
	queryOpts := []query.Option{query.WithRefetchPolicy(policy)}
	if pc := productCache(ctx, cfg, logger); pc != nil {
		queryOpts = append(queryOpts, query.WithCache(pc))
	}

	var observerOpts []observer.Option
	if cfg.ForceFinishImmediate {
		observerOpts = append(observerOpts, observer.WithImmediateForceFinish())
	}

	env, _ := receipt.ParseEnvironment(cfg.Environment)
	verifier := receipt.NewVerifier(receipt.FileStore{Path: cfg.ReceiptPath},
		receipt.WithTimeout(cfg.ReceiptTimeout),
		receipt.WithLogger(logger),
	)

	opts := []iap.Option{
		iap.WithLogger(logger),
		iap.WithLedger(repo),
		iap.WithVerifier(verifier),
		iap.WithReceiptRefresher(catalog),
		iap.WithQueryOptions(queryOpts...),
		iap.WithObserverOptions(observerOpts...),
	}
	if cfg.NATSURL != "" {
		publisher, err := notify.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject, logger)
		if err != nil {
			return err
		}
		defer publisher.Close()
		opts = append(opts, iap.WithPublisher(publisher))
	}

	client := iap.New(queue, catalog, opts...)
	defer client.Close()

	handler := httpx.NewHandler(client, repo, queue, httpx.HandlerConfig{
		Environment: env,
		Password:    cfg.ReceiptPassword,
		Timeout:     cfg.RequestTimeout,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpx.NewRouter(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("iap gateway running", "addr", cfg.HTTPAddr, "environment", env, "version", iap.Version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	queue.Wait()
	return nil
}

func loadCatalog(path string) (*sandbox.Catalog, error) {
	if path != "" {
		return sandbox.LoadCatalog(path)
	}
	return sandbox.NewCatalog(
		storekit.Product{ID: "com.example.coins100", Title: "100 Coins", Price: 0.99, CurrencyCode: "USD", Kind: storekit.KindConsumable},
		storekit.Product{ID: "com.example.pro", Title: "Pro Upgrade", Price: 4.99, CurrencyCode: "USD", Kind: storekit.KindNonConsumable},
		storekit.Product{ID: "com.example.monthly", Title: "Monthly", Price: 2.99, CurrencyCode: "USD", Kind: storekit.KindSubscription},
	), nil
}

// openLedger falls back to the in-memory log when no path is configured.
func openLedger(path string) (ledger.Repository, func(), error) {
	if path == "" {
		return ledger.NewMemoryRepository(), func() {}, nil
	}
	repo, err := sqlite.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return repo, func() { _ = repo.Close() }, nil
}

// productCache returns nil when redis is unset or unreachable, which keeps the
// query service on its in-memory cache.
func productCache(ctx context.Context, cfg config.Config, logger *slog.Logger) query.Cache {
	if cfg.RedisAddr == "" {
		return nil
	}
	store := cache.NewRedisCache(cache.Options{
		Addr:      cfg.RedisAddr,
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		Namespace: "iap",
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := cache.Ping(pingCtx, store); err != nil {
		logger.Warn("redis unavailable, using in-memory product cache", "addr", cfg.RedisAddr, "error", err)
		return nil
	}
	return query.NewRedisCache(store, logger)
}
