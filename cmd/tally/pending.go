package main

import (
	"errors"
	"fmt"

	"github.com/hyperengineering/tally"
	"github.com/spf13/cobra"
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List rows waiting to be pushed",
	Long: `List locally changed rows that have not been pushed yet, with the last
sync error of each. Parked rows are not retried until requeued.`,
	Example: `  tally pending
  tally pending --table bills
  tally pending --errors`,
	Args: cobra.NoArgs,
	RunE: runPending,
}

var requeueCmd = &cobra.Command{
	Use:   "requeue <table> <id>",
	Short: "Retry a parked or failing row",
	Long: `Clear the sync error, rejection count and parked flag of a pending row
so the next push retries it. The row may be named by id or local id.`,
	Example: `  tally requeue customers 01HZX3...`,
	Args:    cobra.ExactArgs(2),
	RunE:    runRequeue,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <table> <local-id>",
	Short: "Map a local id to its remote id",
	Long: `Print the id the remote service assigned to the row created locally
with <local-id>.`,
	Example: `  tally resolve bills 01HZX3...`,
	Args:    cobra.ExactArgs(2),
	RunE:    runResolve,
}

var (
	pendingTable  string
	pendingErrors bool
)

func init() {
	pendingCmd.Flags().StringVar(&pendingTable, "table", "", "Only list rows of this table")
	pendingCmd.Flags().BoolVar(&pendingErrors, "errors", false, "Only list rows with a sync error")
}

func runPending(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if pendingTable != "" {
		if _, err := a.store.Repo(pendingTable); err != nil {
			return err
		}
	}
	all, err := a.store.Pending(cmd.Context())
	if err != nil {
		return err
	}
	rows := []tally.PendingRow{}
	for _, r := range all {
		if pendingTable != "" && r.Table != pendingTable {
			continue
		}
		if pendingErrors && r.SyncError == "" {
			continue
		}
		rows = append(rows, r)
	}

	if outputJSON {
		return outputAsJSON(cmd, rows)
	}
	out := cmd.OutOrStdout()
	if len(rows) == 0 {
		printSuccess(out, "No pending rows.")
		return nil
	}

	cells := make([][]string, 0, len(rows))
	for _, r := range rows {
		state := ""
		switch {
		case r.Parked:
			state = "parked"
		case r.SyncAttempts > 0:
			state = fmt.Sprintf("rejected %dx", r.SyncAttempts)
		case r.Placeholder:
			state = "local only"
		}
		cells = append(cells, []string{r.Table, r.ID, string(r.SyncOp), state, r.SyncError})
	}
	printInfo(out, "%d pending rows:", len(rows))
	fmt.Fprintln(out, renderTable([]string{"TABLE", "ID", "OP", "STATE", "ERROR"}, cells))
	return nil
}

func runRequeue(cmd *cobra.Command, args []string) error {
	table, id := args[0], args[1]
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	repo, err := a.store.Repo(table)
	if err != nil {
		return err
	}
	if err := repo.Requeue(cmd.Context(), id); err != nil {
		if errors.Is(err, tally.ErrNotFound) {
			return fmt.Errorf("%s %s is not pending", table, id)
		}
		return err
	}

	if outputJSON {
		return outputAsJSON(cmd, map[string]string{"table": table, "id": id, "status": "requeued"})
	}
	printSuccess(cmd.OutOrStdout(), "Requeued %s %s; it will be pushed on the next sync", table, id)
	return nil
}

// ResolveOutput is the JSON form of the resolve command.
type ResolveOutput struct {
	Table    string `json:"table"`
	LocalID  string `json:"local_id"`
	RemoteID string `json:"remote_id,omitempty"`
	Created  bool   `json:"created"`
}

func runResolve(cmd *cobra.Command, args []string) error {
	table, local := args[0], args[1]
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	repo, err := a.store.Repo(table)
	if err != nil {
		return err
	}
	remoteID, ok, err := repo.Resolve(cmd.Context(), tally.LocalID(local))
	if err != nil {
		return fmt.Errorf("resolve %s %s: %w", table, local, err)
	}

	if outputJSON {
		return outputAsJSON(cmd, ResolveOutput{Table: table, LocalID: local, RemoteID: string(remoteID), Created: ok})
	}
	out := cmd.OutOrStdout()
	if !ok {
		printWarning(out, "%s %s has not been created remotely yet", table, local)
		return nil
	}
	fmt.Fprintf(out, "%s %s -> %s\n", table, local, remoteID)
	return nil
}
