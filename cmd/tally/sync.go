package main

import (
	"context"
	"time"

	"github.com/hyperengineering/tally/internal/reconcile"
	"github.com/spf13/cobra"
)

// syncTimeout bounds one sync command.
const syncTimeout = 5 * time.Minute

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize with the remote service",
	Long: `Push locally pending changes to the remote service and pull remote
records into the local store.

A full sync pushes first, then pulls every group, so the pull sees the
server's view of what was just pushed. --initial pulls only the groups that
have never completed a pull and caches the dashboard metrics.`,
	Example: `  tally sync            # push, then pull every group
  tally sync --push     # push pending changes only
  tally sync --pull     # pull every group only
  tally sync --initial  # first download on a new device`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var (
	syncPush    bool
	syncPull    bool
	syncInitial bool
)

func init() {
	syncCmd.Flags().BoolVar(&syncPush, "push", false, "Push local changes only")
	syncCmd.Flags().BoolVar(&syncPull, "pull", false, "Pull remote changes only")
	syncCmd.Flags().BoolVar(&syncInitial, "initial", false, "Pull groups that were never pulled")
	syncCmd.MarkFlagsMutuallyExclusive("push", "pull", "initial")
}

func runSync(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	engine, err := a.engine(cmd.Context())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), syncTimeout)
	defer cancel()

	res := &reconcile.SyncResult{}
	start := time.Now()
	syncErr := runWithSpinner(cmd.ErrOrStderr(), "Synchronizing", func() error {
		var err error
		switch {
		case syncPush:
			res.Push, err = engine.Push(ctx)
		case syncPull:
			res.Pull, err = engine.PullAll(ctx)
		case syncInitial:
			res.Pull, err = engine.InitialPull(ctx)
		default:
			var full *reconcile.SyncResult
			full, err = engine.Sync(ctx)
			if full != nil {
				res = full
			}
		}
		return err
	})
	took := time.Since(start)

	stats, err := a.store.Stats(cmd.Context())
	if err != nil {
		return err
	}
	if err := outputSync(cmd, res, stats.PendingSync, took, syncErr); err != nil {
		return err
	}
	return syncErr
}
