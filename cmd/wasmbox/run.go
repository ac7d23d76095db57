package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/michaelbrown/wasmbox/internal/sandbox"
	"github.com/michaelbrown/wasmbox/internal/wire"
)

var (
	inputFlag       string
	inputFileFlag   string
	functionFlag    string
	memoryLimitFlag uint64
	timeoutFlag     uint64
	abiFlag         string
	formatFlag      string
)

var runCmd = &cobra.Command{
	Use:   "run <module.wasm>",
	Short: "Run a module once and print the response",
	Long: `Run a WebAssembly module once in a fresh sandbox and print the response.
Files ending in .gz or .zst are decompressed first. Use "-" to read the
module from stdin. The exit status is 1 when the execution fails.

Examples:
  wasmbox run add.wasm --input '{"a":1,"b":2}'
  wasmbox run filter.wasm.gz --input-file data.json --abi stdio
  wasmbox run spin.wasm --timeout 250 --format yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&inputFlag, "input", "i", "", "JSON input")
	runCmd.Flags().StringVar(&inputFileFlag, "input-file", "", "File holding the JSON input")
	runCmd.Flags().StringVarP(&functionFlag, "function", "f", "", "Exported function to call (default main)")
	runCmd.Flags().Uint64Var(&memoryLimitFlag, "memory-limit", 0, "Memory ceiling in bytes (default from config)")
	runCmd.Flags().Uint64Var(&timeoutFlag, "timeout", 0, "Deadline in milliseconds (default from config)")
	runCmd.Flags().StringVar(&abiFlag, "abi", "auto", "Calling convention: auto, memory, stdio, none")
	runCmd.Flags().StringVarP(&formatFlag, "format", "o", "json", "Output format: json or yaml")
	runCmd.MarkFlagsMutuallyExclusive("input", "input-file")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	if formatFlag != "json" && formatFlag != "yaml" {
		return fmt.Errorf("unknown format %q (want json or yaml)", formatFlag)
	}

	module, err := readModule(args[0])
	if err != nil {
		return err
	}
	input, err := readInput()
	if err != nil {
		return err
	}
	abi, err := sandbox.ParseABI(abiFlag)
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	o, err := a.exec.Run(ctx, sandbox.Request{
		Module:       module,
		Input:        input,
		FunctionName: functionFlag,
		MemoryLimit:  memoryLimitFlag,
		Timeout:      timeoutFlag,
		ABI:          abi,
	})
	if err != nil {
		return err
	}

	resp := sandbox.Translate(o)
	if err := printResponse(cmd.OutOrStdout(), resp, formatFlag); err != nil {
		return err
	}
	if !resp.Success {
		return exitError{code: 1}
	}
	return nil
}

func readModule(path string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(io.LimitReader(os.Stdin, wire.MaxModuleBytes+1))
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading module: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz":
		return wire.Decompress(data, wire.EncodingGzip)
	case ".zst", ".zstd":
		return wire.Decompress(data, wire.EncodingZstd)
	}
	return data, nil
}

func readInput() (json.RawMessage, error) {
	raw := inputFlag
	if inputFileFlag != "" {
		data, err := os.ReadFile(inputFileFlag)
		if err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}
		raw = string(data)
	}
	return parseInput(raw)
}

func parseInput(raw string) (json.RawMessage, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("input is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

// yamlResponse carries the JSON output as a structured value, since
// json.RawMessage would otherwise render as a byte list.
type yamlResponse struct {
	sandbox.Response `yaml:",inline"`
	Output           any `yaml:"output,omitempty"`
}

func printResponse(w io.Writer, resp sandbox.Response, format string) error {
	if format == "yaml" {
		out := yamlResponse{Response: resp}
		if len(resp.Output) > 0 {
			if err := json.Unmarshal(resp.Output, &out.Output); err != nil {
				return fmt.Errorf("decoding output: %w", err)
			}
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			return err
		}
		return enc.Close()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}
