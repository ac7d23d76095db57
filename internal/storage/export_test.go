package storage

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/michaelbrown/wasmbox/internal/sandbox"
)

func TestRecordFromOutcome(t *testing.T) {
	used := uint64(131072)
	r := RecordFromOutcome(sandbox.Outcome{
		ID:         "id1",
		Function:   "main",
		Digest:     "abc",
		ModuleSize: 9,
		Elapsed:    1500 * time.Millisecond,
		MemoryUsed: &used,
	})
	if !r.Success || r.Stage != "success" || r.Error != "" {
		t.Errorf("success record = %+v", r)
	}
	if r.ElapsedMS != 1500 || *r.MemoryUsed != used {
		t.Errorf("elapsed/memory = %d/%d", r.ElapsedMS, *r.MemoryUsed)
	}

	r = RecordFromOutcome(sandbox.Outcome{ID: "id2", Err: sandbox.NewError(sandbox.StageValidate, errors.New("bad"))})
	if r.Success || r.Stage != "ValidateError" || r.Error != "ValidateError: bad" {
		t.Errorf("failure record = %+v", r)
	}
}

func TestExportMarkdown(t *testing.T) {
	used := uint64(65536)
	records := []Record{
		{ID: "e1", FunctionName: "main", ModuleDigest: "0123456789abcdef", ModuleSize: 30, Success: true, Stage: "success", ElapsedMS: 2, MemoryUsed: &used},
		{ID: "e2", FunctionName: "main", Stage: "RunError", Error: "RunError: Trap: a|b", ElapsedMS: 5},
	}

	md := ExportMarkdown(records)
	if !strings.HasPrefix(md, "# Execution history") {
		t.Errorf("missing title: %q", md)
	}
	if !strings.Contains(md, "| e1 |") || !strings.Contains(md, "0123456789ab (30 B)") || !strings.Contains(md, "| 65536 |") {
		t.Errorf("success row missing: %s", md)
	}
	if !strings.Contains(md, `RunError: Trap: a\|b`) {
		t.Errorf("pipe not escaped: %s", md)
	}

	if !strings.Contains(ExportMarkdown(nil), "No executions recorded") {
		t.Error("empty export should say so")
	}
}

func TestExportJSON(t *testing.T) {
	data, err := ExportJSON(nil)
	if err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}
	var out struct {
		Executions []Record `json:"executions"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Executions == nil || len(out.Executions) != 0 {
		t.Errorf("executions = %v, want empty list", out.Executions)
	}
}
