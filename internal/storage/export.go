package storage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExportMarkdown renders records as a markdown table.
func ExportMarkdown(records []Record) string {
	var b strings.Builder

	b.WriteString("# Execution history\n\n")
	if len(records) == 0 {
		b.WriteString("_No executions recorded._\n")
		return b.String()
	}

	b.WriteString("| ID | Created | Function | Module | Result | Elapsed | Memory |\n")
	b.WriteString("|---|---|---|---|---|---|---|\n")
	for _, r := range records {
		result := "ok"
		if !r.Success {
			result = escapeCell(r.Error)
		}
		memory := "-"
		if r.MemoryUsed != nil {
			memory = fmt.Sprintf("%d", *r.MemoryUsed)
		}
		b.WriteString(fmt.Sprintf("| %s | %s | %s | %s (%d B) | %s | %d ms | %s |\n",
			r.ID,
			r.CreatedAt.Format("2006-01-02 15:04:05"),
			escapeCell(r.FunctionName),
			shortDigest(r.ModuleDigest),
			r.ModuleSize,
			result,
			r.ElapsedMS,
			memory,
		))
	}
	return b.String()
}

// ExportJSON renders records as formatted JSON.
func ExportJSON(records []Record) ([]byte, error) {
	export := struct {
		Executions []Record `json:"executions"`
	}{
		Executions: records,
	}
	if export.Executions == nil {
		export.Executions = []Record{}
	}
	return json.MarshalIndent(export, "", "  ")
}

func shortDigest(d string) string {
	if d == "" {
		return "-"
	}
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}
