// Package config loads the gateway configuration from the environment, an
// optional .env file and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/jcmexdev/iap-proxy/internal/pkg/telemetry"
	"github.com/jcmexdev/iap-proxy/internal/query"
	"github.com/jcmexdev/iap-proxy/internal/receipt"
)

type Config struct {
	HTTPAddr             string
	Environment          string
	ReceiptPath          string
	ReceiptPassword      string
	ReceiptTimeout       time.Duration
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	NATSURL              string
	NATSSubject          string
	LedgerPath           string
	CatalogPath          string
	OTLPEndpoint         string
	ServiceName          string
	LogLevel             string
	QueryRefetch         string
	ForceFinishImmediate bool
	RequestTimeout       time.Duration
}

// Load reads envFiles (default .env) into the process environment without
// overriding variables already set, then builds the Config. Missing files are
// skipped.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return FromEnv()
}

func FromEnv() (Config, error) {
	var err error
	c := Config{
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		Environment:     getEnv("IAP_ENVIRONMENT", string(receipt.EnvironmentSandbox)),
		ReceiptPath:     getEnv("RECEIPT_PATH", ""),
		ReceiptPassword: getEnv("RECEIPT_PASSWORD", ""),
		RedisAddr:       getEnv("REDIS_ADDR", ""),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		NATSURL:         getEnv("NATS_URL", ""),
		NATSSubject:     getEnv("NATS_SUBJECT", "iap.events"),
		LedgerPath:      getEnv("LEDGER_PATH", ""),
		CatalogPath:     getEnv("CATALOG_PATH", ""),
		OTLPEndpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:     getEnv("OTEL_SERVICE_NAME", "iap-gateway"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		QueryRefetch:    getEnv("QUERY_REFETCH", "all"),
	}

	if c.ReceiptTimeout, err = getDuration("RECEIPT_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if c.RequestTimeout, err = getDuration("REQUEST_TIMEOUT", 30*time.Second); err != nil {
		return Config{}, err
	}
	if c.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return Config{}, err
	}
	if c.ForceFinishImmediate, err = getBool("FORCE_FINISH_IMMEDIATE", false); err != nil {
		return Config{}, err
	}
	return c, nil
}

// BindFlags registers a flag per setting, defaulting to the current values.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "HTTP listen address")
	fs.StringVar(&c.Environment, "environment", c.Environment, "receipt verification environment (production|sandbox)")
	fs.StringVar(&c.ReceiptPath, "receipt-path", c.ReceiptPath, "path of the local receipt file")
	fs.StringVar(&c.ReceiptPassword, "receipt-password", c.ReceiptPassword, "shared secret sent with auto-renewable receipts")
	fs.DurationVar(&c.ReceiptTimeout, "receipt-timeout", c.ReceiptTimeout, "timeout of a receipt verification call")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis address for the shared product cache (empty: in-memory)")
	fs.IntVar(&c.RedisDB, "redis-db", c.RedisDB, "redis database")
	fs.StringVar(&c.NATSURL, "nats-url", c.NATSURL, "nats url for lifecycle notifications (empty: disabled)")
	fs.StringVar(&c.NATSSubject, "nats-subject", c.NATSSubject, "nats subject prefix")
	fs.StringVar(&c.LedgerPath, "ledger-path", c.LedgerPath, "sqlite purchase log path (empty: in-memory)")
	fs.StringVar(&c.CatalogPath, "catalog", c.CatalogPath, "sandbox product catalog (YAML)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug|info|warn|error")
	fs.StringVar(&c.QueryRefetch, "query-refetch", c.QueryRefetch, "partial cache hit policy (all|missing)")
	fs.BoolVar(&c.ForceFinishImmediate, "force-finish-immediate", c.ForceFinishImmediate, "deliver accumulated orphans without waiting for the next batch")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "per-request timeout")
}

func (c Config) Validate() error {
	var errs []error
	if _, err := receipt.ParseEnvironment(c.Environment); err != nil {
		errs = append(errs, err)
	}
	if _, err := query.ParseRefetchPolicy(c.QueryRefetch); err != nil {
		errs = append(errs, err)
	}
	if _, err := telemetry.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("config: request timeout must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}
