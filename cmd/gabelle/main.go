package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gabelle",
	Short: "Gabelle — Credit Accounting Engine",
	Long:  "Gabelle is a multi-tenant credit accounting service: per-organization prepaid credit balances, atomic deduction with overage into a purchased pool, a metered tool gateway, and Stripe billing for credit packs and period overage.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: configs/gabelle.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
