package main

import (
	"fmt"
	"time"

	"github.com/hyperengineering/tally"
	"github.com/hyperengineering/tally/internal/reconcile"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store statistics",
	Long: `Display row, pending, errored and parked counts per table, the schema
version, and when each group last completed a pull.`,
	Example: `  tally status
  tally status --store acme --json`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

// StatusOutput is the JSON form of the status command.
type StatusOutput struct {
	Store    string            `json:"store"`
	Path     string            `json:"path"`
	Mode     string            `json:"mode"`
	LastPull map[string]string `json:"last_pull"`
	*tally.StoreStats
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	stats, err := a.store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}
	lastPull := make(map[string]string, len(reconcile.Groups))
	for _, group := range reconcile.Groups {
		if lastPull[group], err = a.store.Metadata.LastPull(ctx, group); err != nil {
			return err
		}
	}

	mode := "online"
	if a.cfg.IsOffline() {
		mode = "offline"
	}
	if outputJSON {
		return outputAsJSON(cmd, StatusOutput{
			Store:      a.cfg.Store,
			Path:       a.store.Path(),
			Mode:       mode,
			LastPull:   lastPull,
			StoreStats: stats,
		})
	}

	out := cmd.OutOrStdout()
	printLabel(out, "Store:  ", a.cfg.Store)
	printLabel(out, "Path:   ", a.store.Path())
	printLabel(out, "Mode:   ", mode)
	printLabel(out, "Schema: ", stats.SchemaVersion)
	printLabel(out, "Pending:", stats.PendingSync)
	fmt.Fprintln(out)

	rows := make([][]string, 0, len(stats.Tables))
	for _, t := range stats.Tables {
		rows = append(rows, []string{t.Table, fmt.Sprint(t.Rows), fmt.Sprint(t.Deleted), fmt.Sprint(t.Pending), fmt.Sprint(t.Errored), fmt.Sprint(t.Parked)})
	}
	fmt.Fprintln(out, renderTable([]string{"TABLE", "ROWS", "DELETED", "PENDING", "ERRORED", "PARKED"}, rows))
	fmt.Fprintln(out)

	now := time.Now()
	pulls := make([][]string, 0, len(reconcile.Groups))
	for _, group := range reconcile.Groups {
		pulls = append(pulls, []string{group, formatRelativeTime(lastPull[group], now)})
	}
	fmt.Fprintln(out, renderTable([]string{"GROUP", "LAST PULL"}, pulls))
	return nil
}
