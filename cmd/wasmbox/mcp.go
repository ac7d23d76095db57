package main

import (
	"context"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/wasmbox/internal/tools"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the wasm_execute tool over MCP stdio",
	Long: `Run an MCP server on stdin/stdout offering the wasm_execute tool.
Logs go to stderr.

Example client configuration:
  {"command": "wasmbox", "args": ["mcp"]}`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	a, err := newApp(context.Background())
	if err != nil {
		return err
	}
	defer a.Close()

	return server.ServeStdio(tools.NewServer(a.exec, version))
}
