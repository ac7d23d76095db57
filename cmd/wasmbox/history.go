package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/wasmbox/internal/storage"
)

var (
	stageFilter   string
	limitFlag     int
	exportFormat  string
	exportOutput  string
	olderThanFlag time.Duration
)

var historyCmd = &cobra.Command{
	Use:     "history",
	Aliases: []string{"executions", "h"},
	Short:   "Inspect recorded executions",
	Long: `Inspect the execution audit trail. Requires storage.db_path to be set;
only metadata is recorded, never module bytes, input or output.`,
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent executions",
	RunE:  runHistoryList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <execution-id>",
	Short: "Show one execution (id prefixes are accepted)",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historyExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export executions as markdown or JSON",
	RunE:  runHistoryExport,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete executions older than a duration",
	RunE:  runHistoryPrune,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyExportCmd, historyPruneCmd)

	for _, c := range []*cobra.Command{historyListCmd, historyExportCmd} {
		c.Flags().StringVar(&stageFilter, "stage", "", "Filter by stage (success, LoadError, RunError, ...)")
		c.Flags().IntVar(&limitFlag, "limit", 20, "Max executions to show")
	}

	historyExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md or json")
	historyExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	historyPruneCmd.Flags().DurationVar(&olderThanFlag, "older-than", 30*24*time.Hour, "Delete executions older than this")
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.ListExecutions(context.Background(), storage.ListOptions{
		Stage: stageFilter,
		Limit: limitFlag,
	})
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Println("No executions found.")
		return nil
	}

	// Header
	fmt.Printf("%-10s %-18s %-20s %-14s %-9s %s\n", "ID", "STAGE", "FUNCTION", "MODULE", "ELAPSED", "WHEN")
	fmt.Println(strings.Repeat("─", 85))

	for _, r := range records {
		fmt.Printf("%-10s %-18s %-20s %-14s %-9s %s\n",
			shortID(r.ID), r.Stage, truncate(r.FunctionName, 18), shortID(r.ModuleDigest),
			fmt.Sprintf("%dms", r.ElapsedMS), timeAgo(r.CreatedAt))
	}

	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	r, err := store.GetExecution(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Execution: %s\n", r.ID)
	fmt.Printf("Stage:     %s\n", r.Stage)
	fmt.Printf("Function:  %s\n", r.FunctionName)
	fmt.Printf("Module:    %s (%d bytes)\n", r.ModuleDigest, r.ModuleSize)
	fmt.Printf("Elapsed:   %dms\n", r.ElapsedMS)
	if r.MemoryUsed != nil {
		fmt.Printf("Memory:    %d bytes\n", *r.MemoryUsed)
	}
	fmt.Printf("Created:   %s\n", r.CreatedAt.Format(time.RFC3339))
	if r.Error != "" {
		fmt.Printf("\n\033[31m%s\033[0m\n", truncate(r.Error, 500))
	}
	return nil
}

func runHistoryExport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.ListExecutions(context.Background(), storage.ListOptions{
		Stage: stageFilter,
		Limit: limitFlag,
	})
	if err != nil {
		return err
	}

	var output string
	switch exportFormat {
	case "json":
		data, err := storage.ExportJSON(records)
		if err != nil {
			return err
		}
		output = string(data)
	default:
		output = storage.ExportMarkdown(records)
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, []byte(output), 0o644)
	}

	fmt.Print(output)
	return nil
}

func runHistoryPrune(cmd *cobra.Command, args []string) error {
	if olderThanFlag <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.PruneExecutions(context.Background(), time.Now().Add(-olderThanFlag))
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d executions\n", n)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
