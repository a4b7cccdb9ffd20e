package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pawctl",
		Short:         "Operate the PawHero credit ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(migrateCmd())
	root.AddCommand(balanceCmd())
	root.AddCommand(ledgerCmd())
	root.AddCommand(grantCmd())
	root.AddCommand(auditCmd())
	root.AddCommand(promoteCmd())
	root.AddCommand(tokenCmd())
	return root
}
