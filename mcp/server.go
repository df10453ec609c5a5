// Package mcp exposes the sync engine of a tally store as MCP (Model Context
// Protocol) tools served over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hyperengineering/tally"
	"github.com/hyperengineering/tally/internal/reconcile"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Sync directions accepted by tally_sync.
const (
	DirectionPush = "push"
	DirectionPull = "pull"
	DirectionBoth = "both"
)

// Server wraps the MCP server with tally tools.
type Server struct {
	store     *tally.Store
	engine    *reconcile.Engine // nil in offline mode
	mcpServer *server.MCPServer
	session   *RowSession
}

// ToolResult represents the result of a tool call.
type ToolResult struct {
	Content string
	IsError bool
}

// ToolInfo represents a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

var tools = []ToolInfo{
	{Name: "tally_sync", Description: "Push pending local changes and/or pull remote records"},
	{Name: "tally_status", Description: "Show row counts, pending changes and last pull times of the local store"},
	{Name: "tally_pending", Description: "List rows waiting to be pushed, with their sync errors"},
	{Name: "tally_resolve", Description: "Map a local id to the id assigned by the remote service"},
	{Name: "tally_requeue", Description: "Clear the error and parked state of a pending row so it is pushed again"},
}

// NewServer creates an MCP server for store. engine may be nil when no
// remote service is configured; tally_sync then reports offline mode.
func NewServer(store *tally.Store, engine *reconcile.Engine, version string) *Server {
	s := &Server{
		store:   store,
		engine:  engine,
		session: NewRowSession(),
	}
	s.mcpServer = server.NewMCPServer("tally", version, server.WithToolCapabilities(true))
	s.registerTools()
	return s
}

// Run serves the MCP protocol on stdin and stdout.
func (s *Server) Run() error {
	return server.ServeStdio(s.mcpServer)
}

// HandleMessage processes a raw JSON-RPC message and returns a response.
func (s *Server) HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage {
	return s.mcpServer.HandleMessage(ctx, message)
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	return append([]ToolInfo(nil), tools...)
}

// CallTool executes a tool by name with the given arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	switch name {
	case "tally_sync":
		return s.handleSync(ctx, args)
	case "tally_status":
		return s.handleStatus(ctx, args)
	case "tally_pending":
		return s.handlePending(ctx, args)
	case "tally_resolve":
		return s.handleResolve(ctx, args)
	case "tally_requeue":
		return s.handleRequeue(ctx, args)
	default:
		return &ToolResult{Content: fmt.Sprintf("unknown tool: %s", name), IsError: true}, nil
	}
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("tally_sync",
		mcp.WithDescription("Synchronize the local store with the remote service. Push sends locally pending rows; pull downloads every group. Requires TALLY_API_URL and TALLY_API_TOKEN."),
		mcp.WithString("direction",
			mcp.Description("Sync direction: push, pull, or both (default: both)"),
			mcp.Enum(DirectionPush, DirectionPull, DirectionBoth),
		),
	), s.wrap(s.handleSync))

	s.mcpServer.AddTool(mcp.NewTool("tally_status",
		mcp.WithDescription("Show per-table row, pending, errored and parked counts, and the last complete pull of each group."),
	), s.wrap(s.handleStatus))

	s.mcpServer.AddTool(mcp.NewTool("tally_pending",
		mcp.WithDescription("List rows waiting to be pushed. Each row gets a session reference (P1, P2, ...) usable with tally_requeue and tally_resolve."),
		mcp.WithString("table",
			mcp.Description("Only list rows of this table (e.g. bills, customers)"),
		),
		mcp.WithBoolean("errors_only",
			mcp.Description("Only list rows with a sync error (default: false)"),
		),
	), s.wrap(s.handlePending))

	s.mcpServer.AddTool(mcp.NewTool("tally_resolve",
		mcp.WithDescription("Map the local id a row was created with to the id assigned by the remote service."),
		mcp.WithString("ref",
			mcp.Description("Session reference from tally_pending (e.g. P1)"),
		),
		mcp.WithString("table",
			mcp.Description("Table of the row, when not using ref"),
		),
		mcp.WithString("id",
			mcp.Description("Local id of the row, when not using ref"),
		),
	), s.wrap(s.handleResolve))

	s.mcpServer.AddTool(mcp.NewTool("tally_requeue",
		mcp.WithDescription("Clear the sync error, rejection count and parked flag of a pending row so the next push retries it."),
		mcp.WithString("ref",
			mcp.Description("Session reference from tally_pending (e.g. P1)"),
		),
		mcp.WithString("table",
			mcp.Description("Table of the row, when not using ref"),
		),
		mcp.WithString("id",
			mcp.Description("Id or local id of the row, when not using ref"),
		),
	), s.wrap(s.handleRequeue))
}

type handler func(ctx context.Context, args map[string]any) (*ToolResult, error)

func (s *Server) wrap(h handler) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := h(ctx, req.GetArguments())
		if err != nil {
			return nil, err
		}
		return toMCPResult(result), nil
	}
}

func toMCPResult(r *ToolResult) *mcp.CallToolResult {
	result := &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: r.Content,
			},
		},
	}
	if r.IsError {
		result.IsError = true
	}
	return result
}

func errorResult(format string, args ...any) *ToolResult {
	return &ToolResult{Content: fmt.Sprintf(format, args...), IsError: true}
}

func (s *Server) handleSync(ctx context.Context, args map[string]any) (*ToolResult, error) {
	if s.engine == nil {
		return errorResult("sync unavailable: no remote service configured (offline mode)"), nil
	}
	direction := DirectionBoth
	if d, ok := args["direction"].(string); ok && d != "" {
		direction = d
	}

	var (
		push *reconcile.PushReport
		pull []reconcile.PullResult
		err  error
	)
	switch direction {
	case DirectionPush:
		push, err = s.engine.Push(ctx)
	case DirectionPull:
		pull, err = s.engine.PullAll(ctx)
	case DirectionBoth:
		var res *reconcile.SyncResult
		res, err = s.engine.Sync(ctx)
		if res != nil {
			push, pull = res.Push, res.Pull
		}
	default:
		return errorResult("invalid direction %q: use push, pull or both", direction), nil
	}

	out := formatSync(push, pull)
	if err != nil {
		if errors.Is(err, tally.ErrStoreClosed) {
			return nil, err
		}
		return &ToolResult{Content: out + fmt.Sprintf("\nsync failed: %v", err), IsError: true}, nil
	}
	return &ToolResult{Content: out}, nil
}

// rowArg reads the row a tool call names, by session reference or by table
// and id.
func (s *Server) rowArg(args map[string]any) (RowRef, error) {
	if ref, ok := args["ref"].(string); ok && ref != "" {
		row, ok := s.session.Resolve(ref)
		if !ok {
			return RowRef{}, fmt.Errorf("unknown reference %s: list rows with tally_pending first", ref)
		}
		return row, nil
	}
	table, _ := args["table"].(string)
	id, _ := args["id"].(string)
	if table == "" || id == "" {
		return RowRef{}, errors.New("ref or table and id are required")
	}
	return RowRef{Table: table, ClientID: id}, nil
}

func (s *Server) handleResolve(ctx context.Context, args map[string]any) (*ToolResult, error) {
	row, err := s.rowArg(args)
	if err != nil {
		return errorResult("%v", err), nil
	}
	repo, err := s.store.Repo(row.Table)
	if err != nil {
		return errorResult("%v", err), nil
	}
	remoteID, ok, err := repo.Resolve(ctx, tally.LocalID(row.ClientID))
	switch {
	case errors.Is(err, tally.ErrNotFound):
		return errorResult("%s %s not found", row.Table, row.ClientID), nil
	case err != nil:
		return nil, err
	case !ok:
		return &ToolResult{Content: fmt.Sprintf("%s %s has not been created remotely yet", row.Table, row.ClientID)}, nil
	}
	return &ToolResult{Content: fmt.Sprintf("%s %s -> %s", row.Table, row.ClientID, remoteID)}, nil
}

func (s *Server) handleRequeue(ctx context.Context, args map[string]any) (*ToolResult, error) {
	row, err := s.rowArg(args)
	if err != nil {
		return errorResult("%v", err), nil
	}
	repo, err := s.store.Repo(row.Table)
	if err != nil {
		return errorResult("%v", err), nil
	}
	if err := repo.Requeue(ctx, row.ClientID); err != nil {
		if errors.Is(err, tally.ErrNotFound) {
			return errorResult("%s %s is not pending", row.Table, row.ClientID), nil
		}
		return nil, err
	}
	return &ToolResult{Content: fmt.Sprintf("Requeued %s %s; it will be pushed on the next sync.", row.Table, row.ClientID)}, nil
}

// Formatting functions

func formatSync(push *reconcile.PushReport, pull []reconcile.PullResult) string {
	var sb strings.Builder
	if push != nil {
		sb.WriteString(fmt.Sprintf("Push: %d pushed, %d settled, %d waiting, %d failed, %d rejected, %d parked\n",
			push.Pushed, push.Settled, push.Waiting, push.Failed, push.Rejected, push.Parked))
		for _, e := range push.Errors {
			sb.WriteString(fmt.Sprintf("  - %s\n", e.Error()))
		}
	}
	if len(pull) > 0 {
		sb.WriteString("Pull:\n")
		for _, r := range pull {
			if r.Err != nil {
				sb.WriteString(fmt.Sprintf("  %-14s failed after %d pages: %v\n", r.Group, r.Pages, r.Err))
				continue
			}
			sb.WriteString(fmt.Sprintf("  %-14s %d fetched, %d written\n", r.Group, r.Fetched, r.Written))
		}
	}
	if sb.Len() == 0 {
		return "Nothing to sync."
	}
	return strings.TrimRight(sb.String(), "\n")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
