package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/michaelbrown/wasmbox/internal/storage"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening memory db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func u64(v uint64) *uint64 { return &v }

func TestSaveAndGetExecution(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := &storage.Record{
		ID:           "abc12345-0000-0000-0000-000000000000",
		ModuleDigest: "deadbeef",
		ModuleSize:   42,
		FunctionName: "main",
		Success:      true,
		Stage:        "success",
		ElapsedMS:    3,
		MemoryUsed:   u64(65536),
	}

	if err := s.SaveExecution(ctx, rec); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("created_at should be set on save")
	}

	got, err := s.GetExecution(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}

	if got.FunctionName != "main" {
		t.Errorf("function = %q, want %q", got.FunctionName, "main")
	}
	if !got.Success || got.Stage != "success" {
		t.Errorf("success/stage = %v/%q, want true/success", got.Success, got.Stage)
	}
	if got.MemoryUsed == nil || *got.MemoryUsed != 65536 {
		t.Errorf("memory_used = %v, want 65536", got.MemoryUsed)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, rec.CreatedAt)
	}
}

func TestFailedExecutionHasNoMemory(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := &storage.Record{ID: "f1", Stage: "LoadError", Error: "LoadError: invalid magic number"}
	if err := s.SaveExecution(ctx, rec); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}
	got, err := s.GetExecution(ctx, "f1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.MemoryUsed != nil {
		t.Errorf("memory_used = %d, want nil", *got.MemoryUsed)
	}
	if got.Error != rec.Error {
		t.Errorf("error = %q, want %q", got.Error, rec.Error)
	}
}

func TestSaveRejectsUnknownStage(t *testing.T) {
	s := testStore(t)
	if err := s.SaveExecution(context.Background(), &storage.Record{ID: "x", Stage: "Exploded"}); err == nil {
		t.Error("expected check constraint failure")
	}
}

func TestGetExecutionByPrefix(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"abc11111", "abc22222", "def33333"} {
		if err := s.SaveExecution(ctx, &storage.Record{ID: id, Stage: "success", Success: true}); err != nil {
			t.Fatalf("SaveExecution %s: %v", id, err)
		}
	}

	got, err := s.GetExecution(ctx, "def")
	if err != nil {
		t.Fatalf("unique prefix: %v", err)
	}
	if got.ID != "def33333" {
		t.Errorf("id = %q, want def33333", got.ID)
	}

	if _, err := s.GetExecution(ctx, "abc"); err == nil {
		t.Error("expected ambiguous prefix error")
	}

	_, err = s.GetExecution(ctx, "zzz")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListExecutions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	stages := []string{"success", "RunError", "success", "LoadError", "success"}
	for i, stage := range stages {
		rec := &storage.Record{
			ID:        string(rune('a' + i)),
			Stage:     stage,
			Success:   stage == "success",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.SaveExecution(ctx, rec); err != nil {
			t.Fatalf("SaveExecution: %v", err)
		}
	}

	all, err := s.ListExecutions(ctx, storage.ListOptions{})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("len = %d, want 5", len(all))
	}
	if all[0].ID != "e" || all[4].ID != "a" {
		t.Errorf("order = %s..%s, want e..a", all[0].ID, all[4].ID)
	}

	ok, err := s.ListExecutions(ctx, storage.ListOptions{Stage: "success", Limit: 2})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(ok) != 2 || ok[0].ID != "e" || ok[1].ID != "c" {
		t.Errorf("filtered = %+v", ok)
	}

	page, err := s.ListExecutions(ctx, storage.ListOptions{Limit: 2, Offset: 4})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(page) != 1 || page[0].ID != "a" {
		t.Errorf("page = %+v", page)
	}
}

func TestPruneExecutions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := &storage.Record{ID: "old", Stage: "success", CreatedAt: now.Add(-48 * time.Hour)}
	recent := &storage.Record{ID: "new", Stage: "success", CreatedAt: now}
	for _, r := range []*storage.Record{old, recent} {
		if err := s.SaveExecution(ctx, r); err != nil {
			t.Fatalf("SaveExecution: %v", err)
		}
	}

	n, err := s.PruneExecutions(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneExecutions: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if _, err := s.GetExecution(ctx, "old"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("old record still present: %v", err)
	}
	if _, err := s.GetExecution(ctx, "new"); err != nil {
		t.Errorf("recent record missing: %v", err)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "wasmbox.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s.SaveExecution(context.Background(), &storage.Record{ID: "keep", Stage: "success"}); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s.Close()
	if _, err := s.GetExecution(context.Background(), "keep"); err != nil {
		t.Errorf("record lost across reopen: %v", err)
	}
}
