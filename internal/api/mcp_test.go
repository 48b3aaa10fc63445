package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/recall/internal/retrieval"
)

func newTestMCPDeps(t *testing.T) (MCPDeps, *apiFixture) {
	t.Helper()
	f := newAPIFixture(t)
	return MCPDeps{Service: f.svc, DefaultOwner: "local"}, f
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func callTool(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	result, err := handler(context.Background(), makeCallToolRequest(name, args))
	if err != nil {
		t.Fatalf("%s: unexpected error: %v", name, err)
	}
	return result
}

func TestMCPTool_AddRecord(t *testing.T) {
	deps, f := newTestMCPDeps(t)

	result := callTool(t, mcpAddRecord(deps), "add_record", map[string]any{
		"content":  "Prefers Go for backend services",
		"category": "preference",
		"metadata": map[string]any{"source": "chat"},
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if !strings.Contains(toolText(t, result), "(preference)") {
		t.Errorf("text = %q", toolText(t, result))
	}

	records, total, err := f.svc.List(context.Background(), retrieval.ListFilter{OwnerID: "local"})
	if err != nil || total != 1 {
		t.Fatalf("List = %d, %v", total, err)
	}
	if records[0].Metadata["source"] != "chat" {
		t.Errorf("metadata = %v", records[0].Metadata)
	}
}

func TestMCPTool_AddRecord_Invalid(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpAddRecord(deps)

	for name, args := range map[string]map[string]any{
		"missing content":  {},
		"blank content":    {"content": "  "},
		"unknown category": {"content": "x", "category": "gossip"},
		"bad metadata":     {"content": "x", "metadata": "not an object"},
	} {
		t.Run(name, func(t *testing.T) {
			if result := callTool(t, handler, "add_record", args); !result.IsError {
				t.Errorf("expected error result, got %q", toolText(t, result))
			}
		})
	}
}

func TestMCPTool_SearchRecords(t *testing.T) {
	deps, f := newTestMCPDeps(t)
	add := mcpAddRecord(deps)
	callTool(t, add, "add_record", map[string]any{"content": "Customer prefers email communication"})
	callTool(t, add, "add_record", map[string]any{"content": "Customer prefers phone calls"})
	f.drain(t)

	result := callTool(t, mcpSearchRecords(deps), "search_records", map[string]any{
		"query": "email",
		"limit": 1,
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	var res SearchResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &res); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if res.OwnerID != "local" || len(res.Results) != 1 || !strings.Contains(res.Results[0].Content, "email") {
		t.Errorf("response = %+v", res)
	}
}

func TestMCPTool_SearchRecords_Weights(t *testing.T) {
	deps, f := newTestMCPDeps(t)
	callTool(t, mcpAddRecord(deps), "add_record", map[string]any{"content": "Customer prefers email communication"})
	f.drain(t)
	before := f.embedder.calls.Load()

	result := callTool(t, mcpSearchRecords(deps), "search_records", map[string]any{
		"query":         "email",
		"vector_weight": 0.0,
		"text_weight":   1.0,
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if f.embedder.calls.Load() != before {
		t.Error("zero vector weight still embedded the query")
	}

	result = callTool(t, mcpSearchRecords(deps), "search_records", map[string]any{"query": "  "})
	if !result.IsError {
		t.Error("blank query should be a tool error")
	}
}

func TestMCPTool_DeleteRecord(t *testing.T) {
	deps, f := newTestMCPDeps(t)
	rec := f.addRecord(t, "local", "likes tea", "preference")
	handler := mcpDeleteRecord(deps)

	result := callTool(t, handler, "delete_record", map[string]any{"id": rec.ID})
	if result.IsError || !strings.HasPrefix(toolText(t, result), "Deleted") {
		t.Fatalf("first delete = %q", toolText(t, result))
	}
	result = callTool(t, handler, "delete_record", map[string]any{"id": rec.ID})
	if result.IsError || !strings.Contains(toolText(t, result), "not found") {
		t.Errorf("second delete = %q", toolText(t, result))
	}
}

func TestMCPTool_DeleteRecord_OtherOwner(t *testing.T) {
	deps, f := newTestMCPDeps(t)
	rec := f.addRecord(t, "bob", "likes tea", "preference")

	result := callTool(t, mcpDeleteRecord(deps), "delete_record", map[string]any{"id": rec.ID})
	if !strings.Contains(toolText(t, result), "not found") {
		t.Errorf("delete as default owner = %q", toolText(t, result))
	}
	result = callTool(t, mcpDeleteRecord(deps), "delete_record", map[string]any{"id": rec.ID, "owner_id": "bob"})
	if !strings.HasPrefix(toolText(t, result), "Deleted") {
		t.Errorf("delete as bob = %q", toolText(t, result))
	}
}

func TestMCPTool_RecordStatsAndList(t *testing.T) {
	deps, f := newTestMCPDeps(t)
	f.addRecord(t, "local", "likes tea", "preference")
	f.addRecord(t, "local", "works nights", "behavior")

	result := callTool(t, mcpRecordStats(deps), "record_stats", nil)
	var st StatsView
	if err := json.Unmarshal([]byte(toolText(t, result)), &st); err != nil {
		t.Fatalf("parsing stats: %v", err)
	}
	if st.Total != 2 || st.ByCategory["behavior"] != 1 {
		t.Errorf("stats = %+v", st)
	}

	result = callTool(t, mcpListRecords(deps), "list_records", map[string]any{"category": "behavior"})
	var list RecordList
	if err := json.Unmarshal([]byte(toolText(t, result)), &list); err != nil {
		t.Fatalf("parsing list: %v", err)
	}
	if list.Total != 1 || list.Records[0].Content != "works nights" {
		t.Errorf("list = %+v", list)
	}

	result = callTool(t, mcpListRecords(deps), "list_records", map[string]any{"category": "gossip"})
	if !result.IsError {
		t.Error("unknown category should be a tool error")
	}
}

func TestNewMCPServer_RegistersTools(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	s := NewMCPServer(deps)

	resp := s.HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	for _, name := range []string{"add_record", "search_records", "delete_record", "record_stats", "list_records"} {
		if !strings.Contains(string(b), `"name":"`+name+`"`) {
			t.Errorf("tool %q not listed in %s", name, b)
		}
	}
}
