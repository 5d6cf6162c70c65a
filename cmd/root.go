package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "checkout",
	Short: "Checkout payment-session service",
	Long:  "Campus food-ordering checkout service: PayPay payment sessions, reconciliation, and order notification jobs.",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
