package adapters

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/synthesis-run/synthesis/pkg/schema"
)

// ToolCaller is the slice of an MCP client the adapter needs.
type ToolCaller interface {
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// MCPAdapter invokes tools on a control-protocol (MCP) server. It is
// registered as "mcp.<server>".
type MCPAdapter struct {
	name   string
	caller ToolCaller
	close  func() error
}

// NewMCPAdapter wraps an existing tool caller.
func NewMCPAdapter(server string, caller ToolCaller) *MCPAdapter {
	return &MCPAdapter{name: "mcp." + server, caller: caller}
}

// DialMCPStdio starts an MCP server subprocess, performs the initialize
// handshake and returns an adapter bound to it.
func DialMCPStdio(ctx context.Context, server, command string, env []string, args ...string) (*MCPAdapter, error) {
	c, err := client.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, fmt.Errorf("start mcp server %s: %w", server, err)
	}

	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: "synthesis", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, init); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize mcp server %s: %w", server, err)
	}

	a := NewMCPAdapter(server, c)
	a.close = c.Close
	return a, nil
}

func (a *MCPAdapter) Name() string { return a.name }

// Close shuts the underlying client down when the adapter owns it.
func (a *MCPAdapter) Close() error {
	if a.close == nil {
		return nil
	}
	return a.close()
}

// Invoke calls params.tool with params.arguments. A tool result flagged as
// an error is a terminal failure carrying the tool's text.
func (a *MCPAdapter) Invoke(ctx context.Context, input Input) (*Output, error) {
	tool := stringParam(input.Params, "tool", "")
	if tool == "" {
		return nil, invalidInput(a.name, "missing required param 'tool'")
	}
	args := mapParam(input.Params, "arguments")
	if args == nil {
		args = map[string]any{}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	res, err := a.caller.CallTool(ctx, req)
	if err != nil {
		return nil, Wrap(a.name, err)
	}

	texts := make([]any, 0, len(res.Content))
	for _, c := range res.Content {
		switch tc := c.(type) {
		case mcp.TextContent:
			texts = append(texts, tc.Text)
		case *mcp.TextContent:
			texts = append(texts, tc.Text)
		}
	}
	text := joinTexts(texts)

	if res.IsError {
		return nil, schema.NewStepExecutionError(a.name, fmt.Errorf("tool %s failed: %s", tool, text), false).
			WithDetails(map[string]any{"tool": tool})
	}

	data := map[string]any{
		"tool":    tool,
		"content": texts,
		"text":    text,
	}
	if res.StructuredContent != nil {
		data["structured"] = res.StructuredContent
	}
	return &Output{Data: data}, nil
}

func joinTexts(texts []any) string {
	parts := make([]string, 0, len(texts))
	for _, t := range texts {
		parts = append(parts, fmt.Sprint(t))
	}
	return strings.Join(parts, "\n")
}

var _ Adapter = (*MCPAdapter)(nil)
