package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations and list the ledger",
	Long: `Open the store, applying any pending schema migration, and list every
migration recorded in its ledger. Every other command migrates on open too;
this one only reports what was applied.`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every local row",
	Long: `Delete all rows of every table, pending changes included, and forget the
last pull times and cached dashboard metrics so the next sync downloads
everything again. The schema is kept.

Requires --yes.`,
	Example: `  tally reset --yes`,
	Args:    cobra.NoArgs,
	RunE:    runReset,
}

var resetConfirm bool

func init() {
	resetCmd.Flags().BoolVar(&resetConfirm, "yes", false, "Confirm deletion (required)")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.store.Migrations(cmd.Context())
	if err != nil {
		return err
	}
	if outputJSON {
		return outputAsJSON(cmd, records)
	}

	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{fmt.Sprint(r.Version), r.Name, r.AppliedAt})
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, renderTable([]string{"VERSION", "NAME", "APPLIED"}, rows))
	printSuccess(out, "Schema is at version %d", len(records))
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	if !resetConfirm {
		return errors.New("reset deletes every local row, pending changes included: pass --yes to confirm")
	}
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.store.Stats(cmd.Context())
	if err != nil {
		return err
	}
	if err := a.store.Reset(cmd.Context()); err != nil {
		return err
	}

	if outputJSON {
		return outputAsJSON(cmd, map[string]any{"store": a.cfg.Store, "discarded_pending": stats.PendingSync})
	}
	out := cmd.OutOrStdout()
	if stats.PendingSync > 0 {
		printWarning(out, "Discarded %d pending changes", stats.PendingSync)
	}
	printSuccess(out, "Store %q reset", a.cfg.Store)
	return nil
}
