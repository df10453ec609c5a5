package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hyperengineering/tally/internal/reconcile"
	"github.com/spf13/cobra"
)

// outputAsJSON writes v as indented JSON to the command's stdout.
func outputAsJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError prints err to w with the API token redacted.
func outputError(w io.Writer, err error) {
	printError(w, "Error: %s", scrubSensitiveData(err.Error()))
}

// scrubSensitiveData redacts the configured API token from msg.
func scrubSensitiveData(msg string) string {
	if activeToken != "" {
		msg = strings.ReplaceAll(msg, activeToken, "[REDACTED]")
	}
	return msg
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

// formatRelativeTime formats an RFC 3339 timestamp as "5m ago". Empty
// timestamps read "never".
func formatRelativeTime(timestamp string, now time.Time) string {
	if timestamp == "" {
		return "never"
	}
	t, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return timestamp
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// SyncOutput is the JSON form of a sync run. Errors are flattened to
// strings, which the engine's result types leave out of their JSON.
type SyncOutput struct {
	Push       *PushOutput  `json:"push,omitempty"`
	Pull       []PullOutput `json:"pull,omitempty"`
	Pending    int          `json:"pending"`
	DurationMs int64        `json:"duration_ms"`
	Error      string       `json:"error,omitempty"`
}

// PushOutput is a push report with readable errors.
type PushOutput struct {
	*reconcile.PushReport
	Errors []string `json:"errors,omitempty"`
}

// PullOutput is a group pull result with a readable error.
type PullOutput struct {
	reconcile.PullResult
	Error string `json:"error,omitempty"`
}

func newSyncOutput(res *reconcile.SyncResult, pending int, took time.Duration, err error) SyncOutput {
	out := SyncOutput{Pending: pending, DurationMs: took.Milliseconds()}
	if err != nil {
		out.Error = scrubSensitiveData(err.Error())
	}
	if res.Push != nil {
		p := &PushOutput{PushReport: res.Push}
		for _, e := range res.Push.Errors {
			p.Errors = append(p.Errors, e.Error())
		}
		out.Push = p
	}
	for _, r := range res.Pull {
		p := PullOutput{PullResult: r}
		if r.Err != nil {
			p.Error = r.Err.Error()
		}
		out.Pull = append(out.Pull, p)
	}
	return out
}

// outputSync prints the outcome of a sync run.
func outputSync(cmd *cobra.Command, res *reconcile.SyncResult, pending int, took time.Duration, err error) error {
	if outputJSON {
		return outputAsJSON(cmd, newSyncOutput(res, pending, took, err))
	}

	out := cmd.OutOrStdout()
	if p := res.Push; p != nil {
		printInfo(out, "Push: %d pushed, %d settled, %d waiting, %d failed, %d rejected, %d parked",
			p.Pushed, p.Settled, p.Waiting, p.Failed, p.Rejected, p.Parked)
		for _, e := range p.Errors {
			printMuted(out, "    %s", e.Error())
		}
	}
	if len(res.Pull) > 0 {
		rows := make([][]string, 0, len(res.Pull))
		for _, r := range res.Pull {
			status := "ok"
			if r.Err != nil {
				status = "failed: " + r.Err.Error()
			}
			rows = append(rows, []string{r.Group, fmt.Sprint(r.Pages), fmt.Sprint(r.Fetched), fmt.Sprint(r.Written), status})
		}
		fmt.Fprintln(out, renderTable([]string{"GROUP", "PAGES", "FETCHED", "WRITTEN", "STATUS"}, rows))
	}

	if err != nil {
		printWarning(out, "Sync finished with errors (took %s)", took.Round(time.Millisecond))
	} else {
		printSuccess(out, "Sync complete (took %s)", took.Round(time.Millisecond))
	}
	if pending > 0 {
		printMuted(out, "Pending changes: %d", pending)
	}
	return nil
}
