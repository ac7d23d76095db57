package storage

import (
	"context"
	"errors"
	"time"

	"github.com/michaelbrown/wasmbox/internal/sandbox"
)

// ErrNotFound is returned when no record matches an id or prefix.
var ErrNotFound = errors.New("execution not found")

// Record is the audit metadata of one execution. Module bytes, input and
// output are never stored.
type Record struct {
	ID           string    `json:"id"`
	ModuleDigest string    `json:"module_digest"`
	ModuleSize   int       `json:"module_size"`
	FunctionName string    `json:"function_name"`
	Success      bool      `json:"success"`
	Stage        string    `json:"stage"`
	Error        string    `json:"error,omitempty"`
	ElapsedMS    int64     `json:"elapsed_ms"`
	MemoryUsed   *uint64   `json:"memory_used,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// RecordFromOutcome builds the audit record of o.
func RecordFromOutcome(o sandbox.Outcome) *Record {
	r := &Record{
		ID:           o.ID,
		ModuleDigest: o.Digest,
		ModuleSize:   o.ModuleSize,
		FunctionName: o.Function,
		Success:      o.Success(),
		Stage:        o.Stage(),
		ElapsedMS:    o.Elapsed.Milliseconds(),
		MemoryUsed:   o.MemoryUsed,
	}
	if o.Err != nil {
		r.Error = o.Err.Error()
	}
	return r
}

// ListOptions controls filtering and pagination for ListExecutions.
type ListOptions struct {
	Stage  string // "success" or a failure stage; empty for all
	Limit  int
	Offset int
}

// Store is the persistence interface for execution history.
type Store interface {
	// SaveExecution inserts a record. CreatedAt is set when zero.
	SaveExecution(ctx context.Context, r *Record) error

	// GetExecution returns a record by ID or unique ID prefix.
	GetExecution(ctx context.Context, id string) (*Record, error)

	// ListExecutions returns records ordered by created_at descending.
	ListExecutions(ctx context.Context, opts ListOptions) ([]Record, error)

	// PruneExecutions deletes records created before t and reports how many.
	PruneExecutions(ctx context.Context, before time.Time) (int64, error)

	// Close releases resources.
	Close() error
}
