package mcp_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/tally"
	"github.com/hyperengineering/tally/internal/reconcile"
	"github.com/hyperengineering/tally/internal/remote"
	"github.com/hyperengineering/tally/internal/remotetest"
	tallymcp "github.com/hyperengineering/tally/mcp"
)

func openStore(t *testing.T) *tally.Store {
	t.Helper()
	s, err := tally.Open(context.Background(), filepath.Join(t.TempDir(), "tally.db"))
	if err != nil {
		t.Fatalf("tally.Open() returned error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// onlineServer returns a server whose engine talks to an in-memory backend.
func onlineServer(t *testing.T, s *tally.Store) (*tallymcp.Server, *remotetest.Backend) {
	t.Helper()
	backend, srv := remotetest.Start(t, "tok")
	client := remote.NewHTTPClient(srv.URL, "tok", "device-1").WithRetry(0, time.Millisecond)
	engine := reconcile.New(s, client, tally.Config{LocalPath: s.Path(), Store: "test"}, nil)
	return tallymcp.NewServer(s, engine, "test"), backend
}

func call(t *testing.T, server *tallymcp.Server, name string, args map[string]any) *tallymcp.ToolResult {
	t.Helper()
	result, err := server.CallTool(context.Background(), name, args)
	if err != nil {
		t.Fatalf("CallTool(%s) returned error: %v", name, err)
	}
	return result
}

func TestServer_ToolsList(t *testing.T) {
	server := tallymcp.NewServer(openStore(t), nil, "test")

	names := make(map[string]bool)
	for _, tool := range server.ListTools() {
		names[tool.Name] = true
	}
	for _, want := range []string{"tally_sync", "tally_status", "tally_pending", "tally_resolve", "tally_requeue"} {
		if !names[want] {
			t.Errorf("tool %q not registered", want)
		}
	}
}

func TestTool_UnknownTool(t *testing.T) {
	server := tallymcp.NewServer(openStore(t), nil, "test")
	result := call(t, server, "tally_nope", nil)
	if !result.IsError {
		t.Error("unknown tool should return an error result")
	}
}

func TestTool_Sync_OfflineMode(t *testing.T) {
	server := tallymcp.NewServer(openStore(t), nil, "test")
	result := call(t, server, "tally_sync", map[string]any{})
	if !result.IsError {
		t.Error("sync in offline mode should return an error result")
	}
	if !strings.Contains(result.Content, "offline") {
		t.Errorf("error should mention offline mode, got: %s", result.Content)
	}
}

func TestTool_Sync_InvalidDirection(t *testing.T) {
	s := openStore(t)
	server, _ := onlineServer(t, s)
	result := call(t, server, "tally_sync", map[string]any{"direction": "sideways"})
	if !result.IsError {
		t.Error("invalid direction should return an error result")
	}
}

func TestTool_Sync_Push(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	server, backend := onlineServer(t, s)

	if err := s.Customers.InsertLocal(ctx, &tally.Customer{Name: "Ravi"}); err != nil {
		t.Fatal(err)
	}

	result := call(t, server, "tally_sync", map[string]any{"direction": "push"})
	if result.IsError {
		t.Fatalf("push failed: %s", result.Content)
	}
	if !strings.Contains(result.Content, "1 pushed") {
		t.Errorf("result = %q, want push counts", result.Content)
	}
	if strings.Contains(result.Content, "Pull:") {
		t.Errorf("push-only sync pulled: %s", result.Content)
	}
	if n := len(backend.Records(remote.Customers.Name)); n != 1 {
		t.Errorf("backend customers = %d, want 1", n)
	}
}

func TestTool_Sync_Both(t *testing.T) {
	s := openStore(t)
	server, backend := onlineServer(t, s)
	backend.Seed(remote.Customers.Name, remotetest.Record{"customerName": "Asha"})

	result := call(t, server, "tally_sync", nil)
	if result.IsError {
		t.Fatalf("sync failed: %s", result.Content)
	}
	for _, group := range reconcile.Groups {
		if !strings.Contains(result.Content, group) {
			t.Errorf("result missing group %s: %s", group, result.Content)
		}
	}

	customers, err := s.Customers.List(context.Background(), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(customers) != 1 {
		t.Errorf("customers = %d, want 1", len(customers))
	}
}

func TestMCPProtocol_Initialize(t *testing.T) {
	server := tallymcp.NewServer(openStore(t), nil, "1.2.3")

	initRequest := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test-client","version":"1.0.0"}}}`
	response := server.HandleMessage(context.Background(), []byte(initRequest))
	if response == nil {
		t.Fatal("HandleMessage() returned nil response for initialize request")
	}

	respBytes, err := json.Marshal(response)
	if err != nil {
		t.Fatalf("Failed to marshal response: %v", err)
	}
	var respMap map[string]any
	if err := json.Unmarshal(respBytes, &respMap); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}

	result, ok := respMap["result"].(map[string]any)
	if !ok {
		t.Fatalf("Initialize response missing result: %s", respBytes)
	}
	serverInfo, ok := result["serverInfo"].(map[string]any)
	if !ok {
		t.Fatal("Initialize result missing serverInfo")
	}
	if serverInfo["name"] != "tally" || serverInfo["version"] != "1.2.3" {
		t.Errorf("serverInfo = %v", serverInfo)
	}
}

func TestMCPProtocol_ToolCall(t *testing.T) {
	server := tallymcp.NewServer(openStore(t), nil, "test")

	request := `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"tally_status","arguments":{}}}`
	response := server.HandleMessage(context.Background(), []byte(request))
	respBytes, err := json.Marshal(response)
	if err != nil {
		t.Fatalf("Failed to marshal response: %v", err)
	}
	if !strings.Contains(string(respBytes), "Mode: offline") {
		t.Errorf("tools/call response = %s", respBytes)
	}
}
