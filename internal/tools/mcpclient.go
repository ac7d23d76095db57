package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// Connection wraps an initialized mcp-go client.
type Connection struct {
	name   string
	client *client.Client
	tools  []mcp.Tool
}

// Dial launches an MCP server subprocess, e.g. "wasmbox mcp", and
// initializes the connection.
func Dial(ctx context.Context, name, binary string, env []string, args ...string) (*Connection, error) {
	c, err := client.NewStdioMCPClient(binary, env, args...)
	if err != nil {
		return nil, fmt.Errorf("starting MCP server %s (%s): %w", name, binary, err)
	}
	return Connect(ctx, name, c)
}

// Connect initializes an already started client and discovers its tools.
// The connection owns c from here on.
func Connect(ctx context.Context, name string, c *client.Client) (*Connection, error) {
	_, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "wasmbox",
				Version: "0.1.0",
			},
		},
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("initializing MCP server %s: %w", name, err)
	}

	result, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("listing tools from %s: %w", name, err)
	}

	return &Connection{
		name:   name,
		client: c,
		tools:  result.Tools,
	}, nil
}

// CallTool invokes a tool and returns its text. A tool-level failure is
// returned as text with isError set, not as err.
func (mc *Connection) CallTool(ctx context.Context, name string, args map[string]any) (text string, isError bool, err error) {
	result, err := mc.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return "", false, fmt.Errorf("calling tool %s on %s: %w", name, mc.name, err)
	}

	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n"), result.IsError, nil
}

// ToolNames returns the names of all tools on this server.
func (mc *Connection) ToolNames() []string {
	names := make([]string, len(mc.tools))
	for i, t := range mc.tools {
		names[i] = t.Name
	}
	return names
}

// Close shuts down the client and any subprocess it started.
func (mc *Connection) Close() {
	mc.client.Close()
}
