package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hyperengineering/tally"
	"github.com/hyperengineering/tally/internal/reconcile"
)

// handleStatus handles the tally_status tool call.
func (s *Server) handleStatus(ctx context.Context, _ map[string]any) (*ToolResult, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	lastPulls := make(map[string]string, len(reconcile.Groups))
	for _, group := range reconcile.Groups {
		last, err := s.store.Metadata.LastPull(ctx, group)
		if err != nil {
			return nil, err
		}
		lastPulls[group] = last
	}
	return &ToolResult{Content: formatStatus(stats, lastPulls, s.engine == nil)}, nil
}

// handlePending handles the tally_pending tool call.
func (s *Server) handlePending(ctx context.Context, args map[string]any) (*ToolResult, error) {
	table, _ := args["table"].(string)
	errorsOnly, _ := args["errors_only"].(bool)
	if table != "" {
		if _, err := s.store.Repo(table); err != nil {
			return errorResult("%v", err), nil
		}
	}

	rows, err := s.store.Pending(ctx)
	if err != nil {
		return nil, err
	}
	var listed []tally.PendingRow
	for _, r := range rows {
		if table != "" && r.Table != table {
			continue
		}
		if errorsOnly && r.SyncError == "" {
			continue
		}
		listed = append(listed, r)
	}
	return &ToolResult{Content: s.formatPending(listed)}, nil
}

// formatStatus formats store statistics for display.
func formatStatus(stats *tally.StoreStats, lastPulls map[string]string, offline bool) string {
	var sb strings.Builder
	mode := "online"
	if offline {
		mode = "offline"
	}
	sb.WriteString(fmt.Sprintf("Mode: %s | Schema version: %d | Pending: %d\n\n", mode, stats.SchemaVersion, stats.PendingSync))

	sb.WriteString(fmt.Sprintf("  %-16s %6s %8s %8s %8s %7s\n", "TABLE", "ROWS", "DELETED", "PENDING", "ERRORED", "PARKED"))
	for _, t := range stats.Tables {
		sb.WriteString(fmt.Sprintf("  %-16s %6d %8d %8d %8d %7d\n", t.Table, t.Rows, t.Deleted, t.Pending, t.Errored, t.Parked))
	}

	sb.WriteString("\nLast pull:\n")
	for _, group := range reconcile.Groups {
		last := lastPulls[group]
		if last == "" {
			last = "never"
		} else {
			last = formatRelativeTime(last)
		}
		sb.WriteString(fmt.Sprintf("  %-14s %s\n", group, last))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// formatPending lists pending rows with session references.
func (s *Server) formatPending(rows []tally.PendingRow) string {
	if len(rows) == 0 {
		return "No pending rows."
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d pending rows:\n\n", len(rows)))
	for _, r := range rows {
		ref := s.session.Track(r.Table, string(r.Local()))
		state := string(r.SyncOp)
		if r.Placeholder {
			state += ", not created remotely"
		}
		if r.Parked {
			state += ", parked"
		}
		sb.WriteString(fmt.Sprintf("[%s] %s %s (%s)\n", ref, r.Table, r.ID, state))
		if r.SyncError != "" {
			sb.WriteString(fmt.Sprintf("    Error: %s", truncate(r.SyncError, 200)))
			if r.SyncAttempts > 0 {
				sb.WriteString(fmt.Sprintf(" (rejected %d times)", r.SyncAttempts))
			}
			sb.WriteString("\n")
		}
		sb.WriteString(fmt.Sprintf("    Changed: %s\n", formatTimestamp(r.UpdatedAt)))
	}
	sb.WriteString("\nUse tally_requeue with a reference (P1, P2, ...) to retry a parked row.")
	return sb.String()
}

// formatRelativeTime formats a timestamp as relative time (e.g., "2h ago").
func formatRelativeTime(timestamp string) string {
	t, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return timestamp
	}

	duration := time.Since(t)
	switch {
	case duration < time.Minute:
		return "just now"
	case duration < time.Hour:
		return fmt.Sprintf("%dm ago", int(duration.Minutes()))
	case duration < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(duration.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(duration.Hours()/24))
	}
}

// formatTimestamp formats a timestamp for display.
func formatTimestamp(timestamp string) string {
	t, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return timestamp
	}
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}
