package suite

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/storeprobe/dbopen"
	"github.com/hazyhaar/storeprobe/runlog"
)

var testMCPImpl = &mcp.Implementation{Name: "storeprobe-test", Version: "0.1.0"}

func mcpSession(t *testing.T, s *Suite) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testMCPImpl, nil)
	s.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func mcpCall(t *testing.T, session *mcp.ClientSession, name string, args any) (string, bool) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text, result.IsError
}

func TestMCP_List(t *testing.T) {
	s := newSuite(t, demoConfig(t, ""), Options{})
	session := mcpSession(t, s)

	text, isErr := mcpCall(t, session, "storeprobe_list", map[string]any{"tag": "orders"})
	if isErr {
		t.Fatalf("tool error: %s", text)
	}
	var resp struct {
		Scenarios []scenarioInfo `json:"scenarios"`
	}
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Scenarios) != 2 {
		t.Fatalf("scenarios = %+v", resp.Scenarios)
	}
	if resp.Scenarios[0].ID != "order-status-advance" || resp.Scenarios[0].Steps != 11 {
		t.Errorf("first = %+v", resp.Scenarios[0])
	}
	if resp.Scenarios[1].ID != "tenant-isolation" || resp.Scenarios[1].Assertions != 2 {
		t.Errorf("second = %+v", resp.Scenarios[1])
	}

	text, isErr = mcpCall(t, session, "storeprobe_list", map[string]any{"tag": "missing"})
	if !isErr || !strings.Contains(text, "no scenario matches") {
		t.Errorf("unknown tag: %v %q", isErr, text)
	}
}

func TestMCP_RunAndHistory(t *testing.T) {
	store := runlog.New(dbopen.OpenMemory(t, dbopen.WithSchema(runlog.Schema)))
	s := newSuite(t, demoConfig(t, ""), Options{History: store})
	session := mcpSession(t, s)

	text, isErr := mcpCall(t, session, "storeprobe_run", map[string]any{"scenarios": []string{"login-customer", "tenant-isolation"}})
	if isErr {
		t.Fatalf("tool error: %s", text)
	}
	var rep Report
	if err := json.Unmarshal([]byte(text), &rep); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rep.Passed != 2 || rep.Failed != 0 || len(rep.Outcomes) != 2 {
		t.Fatalf("report = %+v", rep)
	}

	text, isErr = mcpCall(t, session, "storeprobe_history", map[string]any{"scenario_id": "tenant-isolation"})
	if isErr {
		t.Fatalf("tool error: %s", text)
	}
	var hist struct {
		Runs []runlog.Entry `json:"runs"`
	}
	if err := json.Unmarshal([]byte(text), &hist); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(hist.Runs) != 1 || hist.Runs[0].Status != "pass" {
		t.Errorf("runs = %+v", hist.Runs)
	}

	text, isErr = mcpCall(t, session, "storeprobe_history", map[string]any{"summary": true})
	if isErr {
		t.Fatalf("tool error: %s", text)
	}
	var sums struct {
		Summaries []runlog.Summary `json:"summaries"`
	}
	if err := json.Unmarshal([]byte(text), &sums); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(sums.Summaries) != 2 || sums.Summaries[0].ScenarioID != "login-customer" || sums.Summaries[0].PassRate != 1 {
		t.Errorf("summaries = %+v", sums.Summaries)
	}
}

func TestMCP_Errors(t *testing.T) {
	s := newSuite(t, demoConfig(t, ""), Options{})
	session := mcpSession(t, s)

	text, isErr := mcpCall(t, session, "storeprobe_history", map[string]any{})
	if !isErr || !strings.Contains(text, "history is disabled") {
		t.Errorf("history without store: %v %q", isErr, text)
	}

	text, isErr = mcpCall(t, session, "storeprobe_history", map[string]any{"limit": -1})
	if !isErr || !strings.Contains(text, "invalid arguments: limit -1 must not be negative") {
		t.Errorf("negative limit: %v %q", isErr, text)
	}

	text, isErr = mcpCall(t, session, "storeprobe_run", map[string]any{"scenarios": []string{"nope"}})
	if !isErr || !strings.Contains(text, `no scenario matches "nope"`) {
		t.Errorf("unknown scenario: %v %q", isErr, text)
	}
}
