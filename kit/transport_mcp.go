package kit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Decoder extracts an endpoint request from an MCP tool call.
type Decoder func(*mcp.CallToolRequest) (any, error)

// Validator is implemented by requests that check their own fields after
// decoding.
type Validator interface {
	Validate() error
}

// RegisterMCPTool serves endpoint as an MCP tool. Each call runs with
// transport "mcp" and a fresh request ID. Argument, validation and endpoint
// failures come back as tool results with IsError set, so the client sees
// the message instead of a protocol error.
func RegisterMCPTool(srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint, decode Decoder) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		in, err := decode(req)
		if err != nil {
			return toolError("invalid arguments: %v", err), nil
		}
		if v, ok := in.(Validator); ok {
			if err := v.Validate(); err != nil {
				return toolError("invalid arguments: %v", err), nil
			}
		}

		ctx = WithRequestID(WithTransport(ctx, "mcp"), NewRequestID())
		out, err := endpoint(ctx, in)
		if err != nil {
			return toolError("%v", err), nil
		}
		data, err := json.Marshal(out)
		if err != nil {
			return toolError("marshal %s result: %v", tool.Name, err), nil
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(data)}}}, nil
	})
}

func toolError(format string, args ...any) *mcp.CallToolResult {
	var res mcp.CallToolResult
	res.SetError(fmt.Errorf(format, args...))
	return &res
}

// DecodeArgs unmarshals the tool arguments into a fresh *T. Missing
// arguments decode to the zero value.
func DecodeArgs[T any](req *mcp.CallToolRequest) (any, error) {
	v := new(T)
	if req.Params != nil && len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, v); err != nil {
			return nil, err
		}
	}
	return v, nil
}
