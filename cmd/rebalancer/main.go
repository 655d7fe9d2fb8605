package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	dryRun       bool
	universePath string
	cancelDupes  bool
)

var rootCmd = &cobra.Command{
	Use:   "rebalancer",
	Short: "Satellite rebalancing agent",
	Long: `rebalancer keeps a core index allocation and a set of momentum
satellites, one per thematic bucket, under the competition trading rules.
Every order passes the pre-trade validator and is driven through the
execution protocol one at a time.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one decision-and-execution pass",
	RunE:  runPass,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Sync the ledger with the broker and resolve uncertain submissions",
	RunE:  runReconcile,
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit the open order queue for duplicates and rule breaks",
	Long: `Audit lists open orders, groups exact duplicates and flags orders that
break the universe or quantity rules.

Examples:
  rebalancer audit
  rebalancer audit --cancel   # cancel every duplicate after the oldest copy`,
	RunE: runAudit,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the ledger dashboard",
	RunE:  runStatus,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "Stop every order after the preview step")
	rootCmd.PersistentFlags().StringVar(&universePath, "universe", "", "Universe YAML file (default: built-in lineup)")
	auditCmd.Flags().BoolVar(&cancelDupes, "cancel", false, "Cancel duplicate orders")

	rootCmd.AddCommand(runCmd, reconcileCmd, auditCmd, statusCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
