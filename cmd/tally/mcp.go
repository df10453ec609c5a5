package main

import (
	"errors"

	"github.com/hyperengineering/tally"
	"github.com/hyperengineering/tally/internal/reconcile"
	tallymcp "github.com/hyperengineering/tally/mcp"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP server for coding agent integration",
	Long: `Start a Model Context Protocol (MCP) server over stdio exposing the sync
tools of the configured store.

Example client configuration:

  {
    "mcpServers": {
      "tally": {
        "command": "tally",
        "args": ["mcp"],
        "env": {
          "TALLY_STORE": "acme",
          "TALLY_API_URL": "https://api.example.com",
          "TALLY_API_TOKEN": "..."
        }
      }
    }
  }

Without TALLY_API_URL the server runs in offline mode: status, pending,
requeue and resolve work, sync reports offline mode. With it, the store is
also synced in the background every TALLY_SYNC_INTERVAL unless
TALLY_AUTO_SYNC=false. Logs go to stderr or --log-file, never stdout.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	engine, err := reconcile.Connect(cmd.Context(), a.store, a.cfg, a.log)
	switch {
	case errors.Is(err, tally.ErrOffline):
		engine = nil
		a.log.Info("no remote service configured, serving in offline mode")
	case err != nil:
		return err
	case a.cfg.AutoSync:
		engine.Start()
		defer engine.Stop()
	}

	return tallymcp.NewServer(a.store, engine, version).Run()
}
