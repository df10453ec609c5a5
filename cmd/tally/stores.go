package main

import (
	"fmt"

	"github.com/hyperengineering/tally"
	"github.com/hyperengineering/tally/internal/store"
	"github.com/spf13/cobra"
)

var storesCmd = &cobra.Command{
	Use:   "stores",
	Short: "List local stores",
	Long: `List the stores under ~/.tally/stores (or $TALLY_HOME/stores) with their
row and pending counts. The store selected by --store or TALLY_STORE is
marked with *.`,
	Args: cobra.NoArgs,
	RunE: runStores,
}

// StoreEntry is one store in the stores listing.
type StoreEntry struct {
	ID      string `json:"id"`
	Path    string `json:"path"`
	Rows    int    `json:"rows"`
	Pending int    `json:"pending"`
	Current bool   `json:"current"`
	Error   string `json:"error,omitempty"`
}

func runStores(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	root := store.DefaultStoreRoot()
	ids, err := store.ListStores(root)
	if err != nil {
		return err
	}

	entries := make([]StoreEntry, 0, len(ids))
	for _, id := range ids {
		e := StoreEntry{ID: id, Path: store.StoreDBPath(id), Current: id == cfg.Store}
		if err := countRows(cmd, &e); err != nil {
			e.Error = err.Error()
		}
		entries = append(entries, e)
	}

	if outputJSON {
		return outputAsJSON(cmd, map[string]any{"root": root, "stores": entries})
	}
	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		printWarning(out, "No stores found in %s", root)
		printMuted(out, "A store is created the first time a command opens it, e.g. tally sync --store <id>")
		return nil
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		mark := ""
		if e.Current {
			mark = "*"
		}
		status := fmt.Sprint(e.Pending)
		if e.Error != "" {
			status = "error: " + e.Error
		}
		rows = append(rows, []string{mark, e.ID, fmt.Sprint(e.Rows), status})
	}
	printInfo(out, "Local stores (%d):", len(entries))
	fmt.Fprintln(out, renderTable([]string{"", "STORE", "ROWS", "PENDING"}, rows))
	return nil
}

// countRows fills the row and pending counts of e from its database.
func countRows(cmd *cobra.Command, e *StoreEntry) error {
	s, err := tally.Open(cmd.Context(), e.Path)
	if err != nil {
		return err
	}
	defer s.Close()

	stats, err := s.Stats(cmd.Context())
	if err != nil {
		return err
	}
	for _, t := range stats.Tables {
		e.Rows += t.Rows - t.Deleted
	}
	e.Pending = stats.PendingSync
	return nil
}
