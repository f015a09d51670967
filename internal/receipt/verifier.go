// Package receipt reads the local receipt, verifies it against the remote
// verification endpoint and inspects verified receipts for purchases and
// subscriptions.
package receipt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	ProductionURL = "https://buy.itunes.apple.com/verifyReceipt"
	SandboxURL    = "https://sandbox.itunes.apple.com/verifyReceipt"
)

// Receipt is the decoded verification response.
type Receipt map[string]any

type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentSandbox    Environment = "sandbox"
)

func ParseEnvironment(s string) (Environment, error) {
	switch Environment(s) {
	case "", EnvironmentProduction:
		return EnvironmentProduction, nil
	case EnvironmentSandbox:
		return EnvironmentSandbox, nil
	default:
		return "", fmt.Errorf("receipt: unknown environment %q", s)
	}
}

type Option func(*Verifier)

func WithTimeout(d time.Duration) Option {
	return func(v *Verifier) { v.client.SetTimeout(d) }
}

// WithURL points env at another endpoint.
func WithURL(env Environment, url string) Option {
	return func(v *Verifier) { v.urls[env] = url }
}

func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

// Verifier posts the local receipt to the verification endpoint. It never
// retries, not even when the endpoint reports the other environment.
type Verifier struct {
	store  Store
	client *resty.Client
	urls   map[Environment]string
	logger *slog.Logger
}

func NewVerifier(store Store, opts ...Option) *Verifier {
	v := &Verifier{
		store:  store,
		client: resty.New().SetTimeout(10 * time.Second),
		urls: map[Environment]string{
			EnvironmentProduction: ProductionURL,
			EnvironmentSandbox:    SandboxURL,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

type verifyRequest struct {
	ReceiptData string `json:"receipt-data"`
	Password    string `json:"password,omitempty"`
}

// Verify returns the decoded receipt for status 0. Other statuses come back as
// *InvalidReceiptError; transport and decoding failures wrap ErrResponse.
func (v *Verifier) Verify(ctx context.Context, env Environment, password string) (Receipt, error) {
	ctx, span := otel.Tracer("iap-proxy/receipt").Start(ctx, "receipt.Verify")
	defer span.End()
	span.SetAttributes(attribute.String("environment", string(env)))

	r, err := v.verify(ctx, env, password)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "receipt verification failed")
		v.logger.WarnContext(ctx, "receipt verification failed", "environment", env, "error", err)
	}
	return r, err
}

func (v *Verifier) verify(ctx context.Context, env Environment, password string) (Receipt, error) {
	url, ok := v.urls[env]
	if !ok {
		return nil, fmt.Errorf("receipt: unknown environment %q", env)
	}

	data, err := v.store.Read(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(verifyRequest{
		ReceiptData: base64.StdEncoding.EncodeToString(data),
		Password:    password,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequestBodyEncode, err)
	}

	resp, err := v.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResponse, err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, fmt.Errorf("%w: http status %d", ErrResponse, resp.StatusCode())
	}

	raw := bytes.TrimSpace(resp.Body())
	if len(raw) == 0 {
		return nil, ErrNoRemoteReceiptData
	}

	var receipt Receipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResponse, err)
	}

	code, ok := receipt["status"].(float64)
	if !ok {
		return nil, fmt.Errorf("%w: missing status", ErrResponse)
	}

	status := StatusFromCode(int(code))
	if !status.IsValid() {
		return nil, &InvalidReceiptError{Receipt: receipt, Status: status}
	}
	return receipt, nil
}
