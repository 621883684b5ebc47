package suite

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/storeprobe/kit"
	"github.com/hazyhaar/storeprobe/runlog"
	"github.com/hazyhaar/storeprobe/scenario"
)

// RegisterMCP registers the storeprobe tools on an MCP server.
func (s *Suite) RegisterMCP(srv *mcp.Server) {
	s.registerListTool(srv)
	s.registerRunTool(srv)
	s.registerHistoryTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func (s *Suite) endpoint(name string, ep kit.Endpoint) kit.Endpoint {
	return kit.Chain(kit.Logging(s.log, name))(ep)
}

// --- list ---

type listRequest struct {
	Tag string `json:"tag,omitempty"`
}

type scenarioInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	StartURL    string   `json:"start_url,omitempty"`
	Steps       int      `json:"steps"`
	Assertions  int      `json:"assertions"`
}

func (s *Suite) registerListTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "storeprobe_list",
		Description: "List the configured browser scenarios with their tags and step counts.",
		InputSchema: inputSchema(map[string]any{
			"tag": map[string]any{"type": "string", "description": "Only scenarios carrying this tag"},
		}, nil),
	}
	endpoint := func(_ context.Context, req any) (any, error) {
		r := req.(*listRequest)
		var sel []string
		if r.Tag != "" {
			sel = append(sel, "tag:"+r.Tag)
		}
		scenarios, err := s.Select(sel...)
		if err != nil {
			return nil, err
		}
		out := make([]scenarioInfo, 0, len(scenarios))
		for _, sc := range scenarios {
			out = append(out, scenarioInfo{
				ID:          sc.ID,
				Name:        sc.Name,
				Description: sc.Description,
				Tags:        sc.Tags,
				StartURL:    sc.StartURL,
				Steps:       len(sc.Steps),
				Assertions:  len(sc.Assertions),
			})
		}
		return map[string]any{"scenarios": out}, nil
	}
	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), kit.DecodeArgs[listRequest])
}

// --- run ---

type runRequest struct {
	Scenarios []string `json:"scenarios,omitempty"`
}

func (s *Suite) registerRunTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "storeprobe_run",
		Description: "Run scenarios by ID or \"tag:<name>\" and return one outcome per scenario. Runs everything when no selector is given.",
		InputSchema: inputSchema(map[string]any{
			"scenarios": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Scenario IDs or tag:<name> selectors"},
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*runRequest)
		return s.Run(ctx, r.Scenarios...)
	}
	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), kit.DecodeArgs[runRequest])
}

// --- history ---

type historyRequest struct {
	ScenarioID string `json:"scenario_id,omitempty"`
	Status     string `json:"status,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Summary    bool   `json:"summary,omitempty"`
}

var errNoHistory = errors.New("run history is disabled (set history.db_path)")

func (r *historyRequest) Validate() error {
	switch {
	case r.Limit < 0:
		return fmt.Errorf("limit %d must not be negative", r.Limit)
	case r.Status != "" && r.Status != string(scenario.Pass) && r.Status != string(scenario.Fail):
		return fmt.Errorf("status %q is not pass or fail", r.Status)
	}
	return nil
}

func (s *Suite) registerHistoryTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "storeprobe_history",
		Description: "Show recent scenario runs, newest first, or per-scenario pass rates with summary=true.",
		InputSchema: inputSchema(map[string]any{
			"scenario_id": map[string]any{"type": "string", "description": "Filter by scenario"},
			"status":      map[string]any{"type": "string", "enum": []any{"pass", "fail"}, "description": "Filter by status"},
			"limit":       map[string]any{"type": "integer", "description": "Max rows (default 50)"},
			"summary":     map[string]any{"type": "boolean", "description": "Aggregate per scenario instead of listing runs"},
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*historyRequest)
		if s.history == nil {
			return nil, errNoHistory
		}
		if r.Summary {
			sums, err := s.history.Summaries(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"summaries": sums}, nil
		}
		runs, err := s.history.Recent(ctx, runlog.Filter{ScenarioID: r.ScenarioID, Status: r.Status, Limit: r.Limit})
		if err != nil {
			return nil, err
		}
		return map[string]any{"runs": runs}, nil
	}
	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), kit.DecodeArgs[historyRequest])
}
