package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jcmexdev/iap-proxy/internal/iap"
	"github.com/jcmexdev/iap-proxy/internal/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:          "iap-gateway",
		Short:        "HTTP gateway over the in-app purchase payment queue",
		Version:      iap.Version,
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return cfg.Validate()
		},
	}
	cfg.BindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(serveCmd(&cfg))
	rootCmd.AddCommand(verifyReceiptCmd(&cfg))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
