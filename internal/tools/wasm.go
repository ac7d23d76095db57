// Package tools exposes wasmbox execution as an MCP tool and provides the
// client side for calling it from other programs.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/wasmbox/internal/sandbox"
	exec "github.com/michaelbrown/wasmbox/internal/server"
	"github.com/michaelbrown/wasmbox/internal/wire"
)

// ExecuteTool is the name of the execution tool.
const ExecuteTool = "wasm_execute"

// envelopeBytes bounds everything in a marshaled response besides output.
const envelopeBytes = 4 << 10

// textLimit caps the JSON handed back to MCP clients. Escaping can grow each
// output byte to six.
func textLimit(p sandbox.Policy) int {
	maxOut := p.MaxOutputBytes
	if maxOut <= 0 {
		maxOut = sandbox.DefaultPolicy().MaxOutputBytes
	}
	return 6*maxOut + envelopeBytes
}

// ExecuteToolDef describes ExecuteTool's arguments.
func ExecuteToolDef() mcp.Tool {
	return mcp.Tool{
		Name: ExecuteTool,
		Description: "Run a WebAssembly module in an isolated sandbox with memory and time limits. " +
			"Returns the execution response as JSON.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"wasm": map[string]any{
					"type":        "string",
					"description": "Base64-encoded module bytes",
				},
				"encoding": map[string]any{
					"type":        "string",
					"description": "Compression of the decoded bytes: raw, gzip or zstd (default raw)",
				},
				"input": map[string]any{
					"description": "JSON input handed to the function (optional)",
				},
				"function_name": map[string]any{
					"type":        "string",
					"description": "Exported function to call (default main)",
				},
				"memory_limit": map[string]any{
					"type":        "integer",
					"description": "Memory ceiling in bytes (optional)",
				},
				"timeout": map[string]any{
					"type":        "integer",
					"description": "Deadline in milliseconds (optional)",
				},
				"abi": map[string]any{
					"type":        "string",
					"description": "Calling convention: auto, memory, stdio or none (default auto)",
				},
			},
			Required: []string{"wasm"},
		},
	}
}

// NewServer returns an MCP server offering ExecuteTool backed by e.
func NewServer(e *exec.Executor, version string) *server.MCPServer {
	s := server.NewMCPServer("wasmbox", version)
	s.AddTool(ExecuteToolDef(), executeHandler(e, textLimit(e.Policy())))
	return s
}

func executeHandler(e *exec.Executor, limit int) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		if args == nil {
			return errResult("error: invalid arguments"), nil
		}

		er, err := executeRequest(args)
		if err != nil {
			return errResult("error: " + err.Error()), nil
		}

		req, err := er.Request()
		if err != nil {
			e.RecordDecodeFailure("", err)
			return jsonResult(wire.ErrorResponse("", err), limit)
		}

		o, err := e.Run(ctx, req)
		if err != nil {
			return errResult("error: " + err.Error()), nil
		}
		return jsonResult(wire.NewResponse("", o), limit)
	}
}

// executeRequest maps loosely typed tool arguments onto the wire request.
func executeRequest(args map[string]any) (wire.ExecuteRequest, error) {
	var er wire.ExecuteRequest
	er.Wasm, _ = args["wasm"].(string)
	er.Encoding, _ = args["encoding"].(string)
	er.FunctionName, _ = args["function_name"].(string)
	er.ABI, _ = args["abi"].(string)

	var err error
	if er.MemoryLimit, err = uintArg(args, "memory_limit"); err != nil {
		return er, err
	}
	if er.Timeout, err = uintArg(args, "timeout"); err != nil {
		return er, err
	}

	switch in := args["input"].(type) {
	case nil:
	case string:
		// Clients that cannot send structured arguments pass JSON text.
		if json.Valid([]byte(in)) {
			er.Input = json.RawMessage(in)
		} else {
			er.Input, _ = json.Marshal(in)
		}
	default:
		data, err := json.Marshal(in)
		if err != nil {
			return er, fmt.Errorf("input: %w", err)
		}
		er.Input = data
	}
	return er, nil
}

func uintArg(args map[string]any, key string) (uint64, error) {
	switch v := args[key].(type) {
	case nil:
		return 0, nil
	case float64:
		if v < 0 || v != float64(uint64(v)) {
			return 0, fmt.Errorf("%s must be a non-negative integer", key)
		}
		return uint64(v), nil
	case int:
		if v < 0 {
			return 0, fmt.Errorf("%s must be a non-negative integer", key)
		}
		return uint64(v), nil
	default:
		return 0, fmt.Errorf("%s must be a number", key)
	}
}

// jsonResult renders resp as tool text. A response larger than limit is
// replaced by an output error so clients always receive valid JSON.
func jsonResult(resp wire.Response, limit int) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	if len(data) > limit {
		over := &sandbox.Error{
			Stage: sandbox.StageRun,
			Kind:  sandbox.KindOutput,
			Err:   fmt.Errorf("response of %d bytes exceeds %d bytes", len(data), limit),
		}
		resp.Response = sandbox.Response{
			ExecutionID:   resp.ExecutionID,
			Success:       false,
			Error:         over.Error(),
			ExecutionTime: resp.ExecutionTime,
		}
		if data, err = json.Marshal(resp); err != nil {
			return nil, err
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(data)}},
		IsError: !resp.Success,
	}, nil
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
