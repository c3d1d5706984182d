package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	var opts rootOptions
	rootCmd := &cobra.Command{
		Use:           "studioctl",
		Short:         "Studio administration: pricing, ledgers, refunds and gifts",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.as, "as", "", "Act as this principal email (defaults to ADMIN_EMAIL)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override LOG_LEVEL")

	rootCmd.AddCommand(pricingCmd(&opts))
	rootCmd.AddCommand(ledgerCmd(&opts))
	rootCmd.AddCommand(refundCmd(&opts))
	rootCmd.AddCommand(giftCmd(&opts))
	rootCmd.AddCommand(tokenCmd(&opts))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
