package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jcmexdev/iap-proxy/internal/pkg/config"
	"github.com/jcmexdev/iap-proxy/internal/pkg/telemetry"
	"github.com/jcmexdev/iap-proxy/internal/receipt"
)

func verifyReceiptCmd(cfg *config.Config) *cobra.Command {
	var (
		productID    string
		subscription bool
		duration     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "verify-receipt",
		Short: "Verify the local receipt once and print the result as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			level, _ := telemetry.ParseLevel(cfg.LogLevel)
			logger := telemetry.InitLogger(level)

			env, _ := receipt.ParseEnvironment(cfg.Environment)
			verifier := receipt.NewVerifier(receipt.FileStore{Path: cfg.ReceiptPath},
				receipt.WithTimeout(cfg.ReceiptTimeout),
				receipt.WithLogger(logger),
			)

			r, err := verifier.Verify(cmd.Context(), env, cfg.ReceiptPassword)
			if err != nil {
				return err
			}

			out := map[string]any{"receipt": r}
			switch {
			case productID != "" && subscription:
				out["subscription"] = receipt.VerifySubscription(productID, r, time.Now(), duration)
			case productID != "":
				out["purchase"] = receipt.VerifyPurchase(productID, r)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	cmd.Flags().StringVar(&productID, "product", "", "product to look up in the verified receipt")
	cmd.Flags().BoolVar(&subscription, "subscription", false, "treat --product as a subscription")
	cmd.Flags().DurationVar(&duration, "valid-duration", 0, "subscription length counted from the original purchase date")
	return cmd
}
