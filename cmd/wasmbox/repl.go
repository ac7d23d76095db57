package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/wasmbox/internal/sandbox"
)

var replCmd = &cobra.Command{
	Use:   "repl <module.wasm>",
	Short: "Call a module interactively",
	Long: `Load a module once and call it repeatedly. Each line is a JSON input;
every call runs in a fresh sandbox, so no state carries between lines.

Examples:
  wasmbox repl add.wasm
  wasmbox repl filter.wasm --function filter --abi stdio`,
	Args: cobra.ExactArgs(1),
	RunE: runREPL,
}

// session is the mutable state of one repl.
type session struct {
	module   []byte
	function string
	abi      sandbox.ABI
	format   string
}

func init() {
	replCmd.Flags().StringVarP(&functionFlag, "function", "f", "", "Exported function to call (default main)")
	replCmd.Flags().StringVar(&abiFlag, "abi", "auto", "Calling convention: auto, memory, stdio, none")
	rootCmd.AddCommand(replCmd)
}

func runREPL(cmd *cobra.Command, args []string) error {
	module, err := readModule(args[0])
	if err != nil {
		return err
	}
	abi, err := sandbox.ParseABI(abiFlag)
	if err != nil {
		return err
	}
	s := &session{module: module, function: functionFlag, abi: abi, format: "json"}
	if s.function == "" {
		s.function = sandbox.DefaultFunction
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Printf("wasmbox - %s (%d bytes)\n", filepath.Base(args[0]), len(module))
	fmt.Printf("Function: %s | ABI: %s\n", s.function, s.abi)
	fmt.Printf("Type :help for commands, :quit to exit\n\n")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36mwasm>\033[0m ",
		HistoryFile:     filepath.Join(os.TempDir(), "wasmbox_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, ":") {
			if !s.command(line) {
				return nil
			}
			continue
		}

		input, err := parseInput(line)
		if err != nil {
			fmt.Printf("\033[31merror: %s\033[0m\n\n", err)
			continue
		}

		o, err := a.exec.Run(ctx, sandbox.Request{
			Module:       s.module,
			Input:        input,
			FunctionName: s.function,
			ABI:          s.abi,
		})
		if err != nil {
			fmt.Printf("\033[31merror: %s\033[0m\n\n", err)
			continue
		}
		printResponse(os.Stdout, sandbox.Translate(o), s.format)
		fmt.Println()
	}
}

// command handles a colon command and reports whether the repl continues.
func (s *session) command(line string) bool {
	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case ":quit", ":exit", ":q":
		fmt.Println("Goodbye!")
		return false
	case ":fn", ":function":
		if len(fields) != 2 {
			fmt.Printf("Function: %s\n\n", s.function)
			break
		}
		s.function = fields[1]
		fmt.Printf("Function set to %s\n\n", s.function)
	case ":abi":
		if len(fields) != 2 {
			fmt.Printf("ABI: %s\n\n", s.abi)
			break
		}
		abi, err := sandbox.ParseABI(fields[1])
		if err != nil {
			fmt.Printf("\033[31merror: %s\033[0m\n\n", err)
			break
		}
		s.abi = abi
		fmt.Printf("ABI set to %s\n\n", s.abi)
	case ":yaml":
		s.format = "yaml"
	case ":json":
		s.format = "json"
	case ":help":
		fmt.Println("Enter a JSON value to call the function with it. Commands:")
		fmt.Println("  :fn [name]    - Show or set the function to call")
		fmt.Println("  :abi [abi]    - Show or set the calling convention")
		fmt.Println("  :json, :yaml  - Choose the response format")
		fmt.Println("  :quit         - Exit")
		fmt.Println()
	default:
		fmt.Printf("Unknown command: %s (try :help)\n\n", line)
	}
	return true
}
